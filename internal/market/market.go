// Package market
package market

import (
	"math"
	"time"

	"krx-split-trader/internal/broker"
)

// Snapshot is everything the exit engine needs about a symbol at one tick.
// It is assembled once per tick so every exit layer sees the same values.
type Snapshot struct {
	Symbol         string
	Price          int64
	Candles        []broker.Candle
	ATR            float64
	ATRPct         float64 // ATR as percent of price
	BidStrength    float64 // order-book bid/ask volume ratio
	StrongMomentum bool
	Slope          float64 // short-term close slope, percent per candle
	Time           time.Time
}

// ATR computes the Average True Range over period using Wilder smoothing.
// Returns 0 when there are not enough candles.
func ATR(candles []broker.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		h, l, pc := candles[i].High, candles[i].Low, candles[i-1].Close
		tr := math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc)))
		trs = append(trs, tr)
	}
	atr := 0.0
	for i := 0; i < period; i++ {
		atr += trs[i]
	}
	atr /= float64(period)
	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr
}

// momentumWindow is the number of recent candles the momentum gate reads.
const momentumWindow = 5

// StrongMomentum reports whether the last five candles show a
// still-accelerating rally: all closes strictly rising, or at least four
// bullish candles with the latest volume >= 1.5x the five-candle average.
// The signal has no persisted state and is recomputed every tick.
func StrongMomentum(candles []broker.Candle) bool {
	if len(candles) < momentumWindow {
		return false
	}
	recent := candles[len(candles)-momentumWindow:]

	rising := true
	for i := 1; i < momentumWindow; i++ {
		if recent[i].Close <= recent[i-1].Close {
			rising = false
			break
		}
	}
	if rising {
		return true
	}

	bullish := 0
	var volSum float64
	for _, c := range recent {
		if c.Bullish() {
			bullish++
		}
		volSum += c.Volume
	}
	avgVol := volSum / momentumWindow
	latest := recent[momentumWindow-1]
	return bullish >= 4 && avgVol > 0 && latest.Volume >= 1.5*avgVol
}

// CloseSlope returns the average percent change per candle of the last n
// closes. Positive values mean the price is still climbing.
func CloseSlope(candles []broker.Candle, n int) float64 {
	if n < 2 || len(candles) < n {
		return 0
	}
	recent := candles[len(candles)-n:]
	first, last := recent[0].Close, recent[n-1].Close
	if first <= 0 {
		return 0
	}
	return (last - first) / first * 100 / float64(n-1)
}

// NewSnapshot assembles a Snapshot from broker data.
func NewSnapshot(symbol string, price int64, candles []broker.Candle, book broker.OrderBook, now time.Time) Snapshot {
	atr := ATR(candles, 14)
	snap := Snapshot{
		Symbol:         symbol,
		Price:          price,
		Candles:        candles,
		ATR:            atr,
		BidStrength:    book.BidStrength(),
		StrongMomentum: StrongMomentum(candles),
		Slope:          CloseSlope(candles, momentumWindow),
		Time:           now,
	}
	if price > 0 {
		snap.ATRPct = atr / float64(price) * 100
	}
	return snap
}
