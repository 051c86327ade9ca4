// Package exit
package exit

import (
	"time"

	"krx-split-trader/internal/config"
	"krx-split-trader/internal/fees"
	"krx-split-trader/internal/market"
	"krx-split-trader/internal/position"
	"krx-split-trader/internal/state"
)

// Action is what the engine wants done with a position.
type Action int

const (
	NoAction Action = iota
	PartialSell
	FullSell
)

func (a Action) String() string {
	switch a {
	case PartialSell:
		return "partial-sell"
	case FullSell:
		return "full-sell"
	default:
		return "no-action"
	}
}

// Reason codes routed to the caller. Labels and alert text key off these.
const (
	ReasonDirectStopLoss = "DIRECT_STOPLOSS"
	ReasonFractionalTP1  = "FRACTIONAL_TP1"
	ReasonFractionalTP2  = "FRACTIONAL_TP2"
	ReasonFractionalTP3  = "FRACTIONAL_TP3"
	ReasonVolatilityTP   = "VOLATILITY_TP"
	ReasonTrailingStop   = "TRAILING_STOP"
	ReasonTrailingDefer  = "TRAILING_DEFERRED"
	ReasonBreakevenStop  = "BREAKEVEN_STOP"
	ReasonTimeDecayTP    = "TIME_DECAY_TP"
	ReasonProfitProtect  = "PROFIT_PROTECT"
	ReasonOrderFlow      = "ORDERFLOW_SELL"
	ReasonATRTarget      = "ATR_TP"
	ReasonCloseTP        = "CLOSE_TP"
	ReasonCloseStop      = "CLOSE_STOP"
)

// Decision is the engine's verdict for one position on one tick.
type Decision struct {
	Action Action
	Ratio  float64 // fraction of the held quantity to sell, 1.0 for full
	Reason string
}

// Engine evaluates the layered exit rules. Checks run in fixed priority
// order; the first hit wins. The strong-momentum flag in the snapshot is
// computed once per tick by the caller so every layer sees the same value.
type Engine struct {
	params config.ExitParams
	fees   fees.Calculator
}

func NewEngine(params config.ExitParams, calc fees.Calculator) *Engine {
	return &Engine{params: params, fees: calc}
}

// Evaluate decides whether pos should be (partially) closed. It mutates
// the position's trailing metadata (high price, trailing stop, protection
// flags) as a side effect; the caller persists the position either way.
// untilClose is the time remaining in the session; daily carries the
// realized profit-of-day used by the protection layer.
func (e *Engine) Evaluate(pos *position.Position, snap market.Snapshot, daily state.DailyProfit, untilClose time.Duration, now time.Time) Decision {
	price := float64(snap.Price)
	netRate := e.fees.NetProfitRate(pos.EntryPrice, price, pos.Quantity, pos.TradingFee)
	grossRate := pos.GrossProfitRate(price)

	e.updateTrailing(pos, price, grossRate, snap)

	// 1. Direct stop-loss. Never bypassed by momentum.
	if netRate <= e.params.InitialStopLoss {
		return Decision{Action: FullSell, Ratio: 1, Reason: ReasonDirectStopLoss}
	}

	// Breakeven protection rides with the stop layer: once armed, a drop
	// back to flat closes the position before it turns into a loss.
	if pos.BreakevenProtected && netRate <= 0 {
		return Decision{Action: FullSell, Ratio: 1, Reason: ReasonBreakevenStop}
	}

	// 2. Fractional take-profit ladder.
	if !snap.StrongMomentum {
		if d, ok := e.fractionalLadder(pos, netRate, snap, now); ok {
			return d
		}
	}

	// 3. Trailing stop.
	if d, ok := e.trailingStop(pos, price, snap); ok {
		return d
	}

	// 4. Time-decayed target.
	if !snap.StrongMomentum {
		if netRate >= e.decayedTarget(pos.HoldingTime(now)) {
			return Decision{Action: FullSell, Ratio: 1, Reason: ReasonTimeDecayTP}
		}
	}

	// 5. Daily-profit protection. Not bypassed: once the day's realized
	// profit is worth defending, momentum does not keep positions open.
	if daily.TodayProfitRate >= e.params.DailyProtectTrigger {
		if netRate <= -e.params.DailyProtectDrawdown ||
			(netRate > 0 && pos.DrawdownFromHigh(price) >= e.params.DailyProtectDrawdown) {
			return Decision{Action: FullSell, Ratio: 1, Reason: ReasonProfitProtect}
		}
	}

	// 6. Order-flow, ATR target and market-close special cases.
	if !snap.StrongMomentum {
		if d, ok := e.specialCases(netRate, snap, untilClose); ok {
			return d
		}
	}

	return Decision{Action: NoAction}
}

// updateTrailing maintains the peak price, the ratcheting stop and the
// protection flags. The trailing stop only ratchets upward.
func (e *Engine) updateTrailing(pos *position.Position, price, grossRate float64, snap market.Snapshot) {
	if price > pos.HighPrice {
		pos.HighPrice = price
	}

	if grossRate >= e.params.BreakevenTrigger && !pos.BreakevenProtected {
		pos.BreakevenProtected = true
		pos.TightTrailingActive = true
	}

	if grossRate < e.params.TrailingStart && pos.TrailingStopPrice == 0 {
		return
	}

	gap := e.trailingGap(grossRate, snap)
	if pos.TightTrailingActive && e.params.TightTrailingGap > 0 && e.params.TightTrailingGap < gap {
		gap = e.params.TightTrailingGap
	}
	stop := pos.HighPrice * (1 - gap/100)
	if stop > pos.TrailingStopPrice {
		pos.TrailingStopPrice = stop
	}
}

// trailingGap derives the stop distance for this tick: wider while ATR or
// the short-term slope signals a fast rally, tighter as profit grows.
func (e *Engine) trailingGap(grossRate float64, snap market.Snapshot) float64 {
	gap := e.params.TrailingGap
	if snap.ATRPct >= e.params.VolatilityATRPct || snap.Slope >= 0.3 {
		gap *= 1.5
	}
	switch {
	case grossRate >= 3*e.params.TrailingStart:
		gap *= 0.7
	case grossRate >= 2*e.params.TrailingStart:
		gap *= 0.85
	}
	if gap < e.params.TrailingGapMin {
		gap = e.params.TrailingGapMin
	}
	if gap > e.params.TrailingGapMax {
		gap = e.params.TrailingGapMax
	}
	return gap
}

func (e *Engine) trailingStop(pos *position.Position, price float64, snap market.Snapshot) (Decision, bool) {
	if pos.TrailingStopPrice <= 0 || price > pos.TrailingStopPrice {
		return Decision{}, false
	}
	// A still-accelerating rally with only a shallow pullback defers the
	// sell one tick rather than dumping into strength.
	if snap.StrongMomentum && pos.DrawdownFromHigh(price) < e.params.TrailingDeferMaxDrawdown {
		return Decision{Action: NoAction, Reason: ReasonTrailingDefer}, true
	}
	return Decision{Action: FullSell, Ratio: 1, Reason: ReasonTrailingStop}, true
}

var fractionalReasons = []string{ReasonFractionalTP1, ReasonFractionalTP2, ReasonFractionalTP3}

// fractionalLadder sells configured fractions at rising profit steps, one
// stage at a time, gated by a per-symbol cooldown between partial sells.
func (e *Engine) fractionalLadder(pos *position.Position, netRate float64, snap market.Snapshot, now time.Time) (Decision, bool) {
	if netRate <= 0 {
		return Decision{}, false
	}
	stage := pos.FractionalSellStage
	if stage >= len(e.params.FractionalProfitSteps) {
		return Decision{}, false
	}
	if stage > 0 && now.Sub(pos.LastFractionalSellTime) < e.params.FractionalSellCooldown {
		return Decision{}, false
	}

	// High-volatility override: in a fast tape the first partial sell
	// happens earlier and larger, before the move can round-trip.
	if stage == 0 && snap.ATRPct >= e.params.VolatilityATRPct && netRate >= e.params.VolatilityProfitBar {
		return Decision{Action: PartialSell, Ratio: e.params.VolatilitySellRatio, Reason: ReasonVolatilityTP}, true
	}

	if netRate < e.params.FractionalProfitSteps[stage] {
		return Decision{}, false
	}
	ratio := e.params.FractionalSellRatios[stage]
	reason := ReasonFractionalTP3
	if stage < len(fractionalReasons) {
		reason = fractionalReasons[stage]
	}
	action := PartialSell
	if ratio >= 1 {
		action = FullSell
	}
	return Decision{Action: action, Ratio: ratio, Reason: reason}, true
}

// decayedTarget returns the profit required for an immediate take-profit,
// shrinking linearly from TargetProfit to TargetFloor the longer the
// position is held.
func (e *Engine) decayedTarget(held time.Duration) float64 {
	if held <= e.params.TargetDecayAfter || e.params.TargetDecayPeriod <= 0 {
		return e.params.TargetProfit
	}
	frac := float64(held-e.params.TargetDecayAfter) / float64(e.params.TargetDecayPeriod)
	if frac > 1 {
		frac = 1
	}
	return e.params.TargetProfit - (e.params.TargetProfit-e.params.TargetFloor)*frac
}

func (e *Engine) specialCases(netRate float64, snap market.Snapshot, untilClose time.Duration) (Decision, bool) {
	// Bid support collapsing under a profitable position.
	if snap.BidStrength > 0 && snap.BidStrength < e.params.OrderFlowSellRatio && netRate > 0 {
		return Decision{Action: FullSell, Ratio: 1, Reason: ReasonOrderFlow}, true
	}

	// ATR-derived dynamic target: volatile names get a wider target, quiet
	// ones take profit sooner.
	if snap.ATRPct > 0 && netRate >= snap.ATRPct*e.params.ATRTargetMult {
		return Decision{Action: FullSell, Ratio: 1, Reason: ReasonATRTarget}, true
	}

	// Market close approaching with an open position.
	if untilClose > 0 && untilClose <= e.params.CloseCutoff {
		if netRate > 0 {
			return Decision{Action: FullSell, Ratio: 1, Reason: ReasonCloseTP}, true
		}
		if netRate <= e.params.CloseTightStop {
			return Decision{Action: FullSell, Ratio: 1, Reason: ReasonCloseStop}, true
		}
	}
	return Decision{}, false
}
