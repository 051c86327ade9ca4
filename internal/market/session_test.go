package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// 2026-08-31 is a Monday.
func kstTime(day, hour, min int) time.Time {
	return time.Date(2026, 8, day, hour, min, 0, 0, time.FixedZone("KST", 9*60*60))
}

func TestIsTradingTime_SessionBounds(t *testing.T) {
	var clock SessionClock
	assert.False(t, clock.IsTradingTime(kstTime(31, 8, 59)))
	assert.True(t, clock.IsTradingTime(kstTime(31, 9, 0)))
	assert.True(t, clock.IsTradingTime(kstTime(31, 12, 0)))
	assert.True(t, clock.IsTradingTime(kstTime(31, 15, 29)))
	assert.False(t, clock.IsTradingTime(kstTime(31, 15, 30)))
}

func TestIsTradingTime_Weekend(t *testing.T) {
	var clock SessionClock
	assert.False(t, clock.IsTradingTime(kstTime(29, 10, 0))) // Saturday
	assert.False(t, clock.IsTradingTime(kstTime(30, 10, 0))) // Sunday
}

func TestIsTradingTime_ConvertsToKST(t *testing.T) {
	var clock SessionClock
	// 01:00 UTC Monday is 10:00 KST Monday.
	utc := time.Date(2026, 8, 31, 1, 0, 0, 0, time.UTC)
	assert.True(t, clock.IsTradingTime(utc))
}

func TestUntilClose(t *testing.T) {
	var clock SessionClock
	assert.Equal(t, 90*time.Minute, clock.UntilClose(kstTime(31, 14, 0)))
	assert.Negative(t, clock.UntilClose(kstTime(31, 16, 0)))
}

func TestSessionDate(t *testing.T) {
	var clock SessionClock
	assert.Equal(t, "2026-08-31", clock.SessionDate(kstTime(31, 10, 0)))
	// 23:00 UTC Sunday is already Monday in Seoul.
	utc := time.Date(2026, 8, 30, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-08-31", clock.SessionDate(utc))
}
