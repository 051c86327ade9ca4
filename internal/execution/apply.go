package execution

import (
	"time"

	"krx-split-trader/internal/exit"
	"krx-split-trader/internal/fees"
	"krx-split-trader/internal/position"
	"krx-split-trader/internal/state"
)

// BuyFill is a confirmed buy applied to the state.
type BuyFill struct {
	Symbol       string
	Price        float64
	Quantity     int64
	Fee          float64
	TotalPlanned int64
	MaxStages    int
	Time         time.Time
}

// ApplyBuyFill merges a confirmed buy into the state: a new position on
// the first tranche, a weighted-average merge afterwards. Caller runs this
// inside Repository.Update.
func ApplyBuyFill(st *state.TradingState, fill BuyFill) (*position.Position, error) {
	pos, ok := st.Positions[fill.Symbol]
	if !ok {
		pos = position.New(fill.Symbol, fill.Price, fill.Quantity, fill.Fee, fill.TotalPlanned, fill.Time)
		st.Positions[fill.Symbol] = pos
		return pos, nil
	}
	if err := pos.ApplyBuyFill(fill.Price, fill.Quantity, fill.Fee, fill.MaxStages, fill.Time); err != nil {
		return pos, err
	}
	return pos, nil
}

// SellFill is a confirmed sell applied to the state.
type SellFill struct {
	Symbol   string
	Price    float64
	Quantity int64
	Reason   string
	Time     time.Time

	Fees fees.Calculator

	// Cooldown windows: stop-loss exits get the longer one.
	ExitCooldown time.Duration
	StopCooldown time.Duration

	// Fractional marks ladder sells so the stage counter advances.
	Fractional bool
}

// SellOutcome reports the realized result of a sell fill.
type SellOutcome struct {
	PnL        float64
	Remaining  int64
	EntryPrice float64
	EntryTime  time.Time
}

// ApplySellFill reduces or removes the position, realizes PnL net of fees
// (the buy-side fee is charged proportionally to the sold quantity),
// updates the daily counters and, on a full exit, writes the cooldown.
// Caller runs this inside Repository.Update.
func ApplySellFill(st *state.TradingState, fill SellFill) (SellOutcome, error) {
	pos, ok := st.Positions[fill.Symbol]
	if !ok {
		return SellOutcome{}, nil
	}

	qty := fill.Quantity
	if qty > pos.Quantity {
		qty = pos.Quantity
	}
	buyFeeShare := pos.TradingFee * float64(qty) / float64(pos.Quantity)
	sellFee := fill.Fees.Sell(fill.Price, qty)
	pnl := (fill.Price-pos.EntryPrice)*float64(qty) - sellFee - buyFeeShare

	outcome := SellOutcome{PnL: pnl, EntryPrice: pos.EntryPrice, EntryTime: pos.EntryTime}

	remaining, err := pos.ApplySellFill(qty)
	if err != nil {
		return outcome, err
	}
	pos.TradingFee -= buyFeeShare
	if fill.Fractional {
		pos.AdvanceFractionalSell(fill.Time)
	}
	outcome.Remaining = remaining

	st.DailyProfit.RecordTrade(pnl)

	if remaining == 0 {
		delete(st.Positions, fill.Symbol)
		window := fill.ExitCooldown
		if fill.Reason == exit.ReasonDirectStopLoss || fill.Reason == exit.ReasonCloseStop || fill.Reason == exit.ReasonBreakevenStop {
			window = fill.StopCooldown
		}
		if window > 0 {
			st.Cooldowns[fill.Symbol] = &state.Cooldown{
				Symbol:      fill.Symbol,
				Until:       fill.Time.Add(window),
				SellReason:  fill.Reason,
				RealizedPnL: pnl,
				CreatedAt:   fill.Time,
			}
		}
	}
	return outcome, nil
}
