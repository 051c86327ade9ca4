// Package state
package state

import (
	"time"

	"krx-split-trader/internal/broker"
	"krx-split-trader/internal/position"
)

// Pending order statuses.
const (
	PendingOpen     = "pending"
	PendingCanceled = "canceled"
	PendingExpired  = "expired"
)

// PendingOrder is an order in flight for a symbol. At most one exists per
// symbol at a time.
type PendingOrder struct {
	OrderID    string      `json:"order_id"`
	ClientID   string      `json:"client_id"`
	Symbol     string      `json:"symbol"`
	Side       broker.Side `json:"side"`
	OrderTime  time.Time   `json:"order_time"`
	OrderPrice int64       `json:"order_price"`
	OrderQty   int64       `json:"order_amount"`
	Status     string      `json:"status"`
	RetryCount int         `json:"retry_count"`

	// Context carried into the eventual Position or Cooldown record.
	BuyStage     int     `json:"buy_stage,omitempty"`
	TotalPlanned int64   `json:"total_planned,omitempty"`
	SellReason   string  `json:"sell_reason,omitempty"`
	Fractional   bool    `json:"fractional,omitempty"` // ladder sell, advances the stage counter on fill
	BaselineQty  int64   `json:"baseline_qty"` // held quantity before submission
	EntryPrice   float64 `json:"entry_price,omitempty"`
	EntryFee     float64 `json:"entry_fee,omitempty"`
}

// Age returns how long the order has been outstanding.
func (p *PendingOrder) Age(now time.Time) time.Duration {
	return now.Sub(p.OrderTime)
}

// Cooldown blocks re-entry into a symbol after an exit.
type Cooldown struct {
	Symbol      string    `json:"symbol"`
	Until       time.Time `json:"cooldown_until"`
	SellReason  string    `json:"sell_reason"`
	RealizedPnL float64   `json:"realized_pnl"`
	CreatedAt   time.Time `json:"created_at"`
}

// Active reports whether the cooldown is still in force.
func (c *Cooldown) Active(now time.Time) bool {
	return now.Before(c.Until)
}

// DailyProfit holds the process-wide counters reset once per trading day.
type DailyProfit struct {
	Date              string  `json:"date"`
	TodayProfit       float64 `json:"today_profit"`
	TodayProfitRate   float64 `json:"today_profit_rate"`
	AccumulatedProfit float64 `json:"accumulated_profit"`
	TotalTrades       int     `json:"total_trades"`
	WinningTrades     int     `json:"winning_trades"`
	MaxProfitTrade    float64 `json:"max_profit_trade"`
	MaxLossTrade      float64 `json:"max_loss_trade"`
	StartMoney        float64 `json:"start_money"` // budget snapshot at session open
}

// RecordTrade folds one realized sell into the counters.
func (d *DailyProfit) RecordTrade(pnl float64) {
	d.TodayProfit += pnl
	d.AccumulatedProfit += pnl
	d.TotalTrades++
	if pnl > 0 {
		d.WinningTrades++
	}
	if pnl > d.MaxProfitTrade {
		d.MaxProfitTrade = pnl
	}
	if pnl < d.MaxLossTrade {
		d.MaxLossTrade = pnl
	}
	if d.StartMoney > 0 {
		d.TodayProfitRate = d.TodayProfit / d.StartMoney * 100
	}
}

// ResetFor starts a fresh day, preserving the accumulated profit.
func (d *DailyProfit) ResetFor(date string, startMoney float64) {
	*d = DailyProfit{
		Date:              date,
		AccumulatedProfit: d.AccumulatedProfit,
		StartMoney:        startMoney,
	}
}

// TradingState is the single persisted document: every store the bot owns
// lives here so one save covers all of them.
type TradingState struct {
	Positions     map[string]*position.Position `json:"positions"`
	PendingOrders map[string]*PendingOrder      `json:"pending_orders"`
	Cooldowns     map[string]*Cooldown          `json:"cooldowns"`
	DailyProfit   DailyProfit                   `json:"daily_profit"`
	UpdatedAt     time.Time                     `json:"updated_at"`
}

func newTradingState() *TradingState {
	return &TradingState{
		Positions:     make(map[string]*position.Position),
		PendingOrders: make(map[string]*PendingOrder),
		Cooldowns:     make(map[string]*Cooldown),
	}
}
