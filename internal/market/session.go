package market

import "time"

// KRX regular session: 09:00-15:30 KST, Monday through Friday. Holidays
// are not modeled here; the broker rejects orders on closed days and the
// orchestrator treats that as a no-trading tick.
var kst = time.FixedZone("KST", 9*60*60)

// SessionClock answers "can we trade right now" questions against the KRX
// session. The zero value uses the real KRX hours.
type SessionClock struct{}

func sessionBounds(t time.Time) (open, close time.Time) {
	local := t.In(kst)
	open = time.Date(local.Year(), local.Month(), local.Day(), 9, 0, 0, 0, kst)
	close = time.Date(local.Year(), local.Month(), local.Day(), 15, 30, 0, 0, kst)
	return open, close
}

// IsTradingTime reports whether t falls inside the regular session.
func (SessionClock) IsTradingTime(t time.Time) bool {
	local := t.In(kst)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	open, close := sessionBounds(t)
	return !local.Before(open) && local.Before(close)
}

// UntilClose returns the time remaining before the session close. Negative
// when the session is already over.
func (SessionClock) UntilClose(t time.Time) time.Duration {
	_, close := sessionBounds(t)
	return close.Sub(t.In(kst))
}

// SessionDate returns the trading date (KST) of t, used to detect day
// rollovers for the daily profit state.
func (SessionClock) SessionDate(t time.Time) string {
	return t.In(kst).Format("2006-01-02")
}
