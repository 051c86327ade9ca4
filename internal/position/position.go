// Package position
package position

import (
	"fmt"
	"time"
)

// Position is one held symbol. Quantity is always positive while the
// position exists; the store removes the entry when it reaches zero.
type Position struct {
	Symbol       string    `json:"symbol"`
	EntryPrice   float64   `json:"entry_price"` // volume-weighted average across tranches
	Quantity     int64     `json:"quantity"`
	EntryTime    time.Time `json:"entry_time"`
	TradingFee   float64   `json:"trading_fee"` // cumulative buy-side fee
	BuyStage     int       `json:"buy_stage"`   // 1..MaxBuyStages, never decreases
	LastBuyTime  time.Time `json:"last_buy_time"`
	TotalPlanned int64     `json:"total_planned_amount"` // full-size quantity across all stages

	HighPrice         float64 `json:"high_price"` // peak since entry, for the trailing stop
	TrailingStopPrice float64 `json:"trailing_stop_price"`

	FractionalSellStage    int       `json:"fractional_sell_stage"`
	LastFractionalSellTime time.Time `json:"last_fractional_sell_time"`

	BreakevenProtected  bool `json:"breakeven_protected"`
	TightTrailingActive bool `json:"tight_trailing_active"`
}

// New creates a position from the first confirmed tranche fill.
func New(symbol string, price float64, quantity int64, fee float64, totalPlanned int64, now time.Time) *Position {
	return &Position{
		Symbol:       symbol,
		EntryPrice:   price,
		Quantity:     quantity,
		EntryTime:    now,
		TradingFee:   fee,
		BuyStage:     1,
		LastBuyTime:  now,
		TotalPlanned: totalPlanned,
		HighPrice:    price,
	}
}

// ApplyBuyFill merges an additional tranche fill into the position. The
// entry price becomes the volume-weighted average and the stage advances
// by one, capped at maxStages.
func (p *Position) ApplyBuyFill(price float64, quantity int64, fee float64, maxStages int, now time.Time) error {
	if quantity <= 0 {
		return fmt.Errorf("buy fill quantity must be positive, got %d", quantity)
	}
	total := p.EntryPrice*float64(p.Quantity) + price*float64(quantity)
	p.Quantity += quantity
	p.EntryPrice = total / float64(p.Quantity)
	p.TradingFee += fee
	p.LastBuyTime = now
	if p.BuyStage < maxStages {
		p.BuyStage++
	}
	if price > p.HighPrice {
		p.HighPrice = price
	}
	return nil
}

// ApplySellFill reduces the position by a confirmed sell fill. Returns the
// remaining quantity; the caller removes the position at zero.
func (p *Position) ApplySellFill(quantity int64) (int64, error) {
	if quantity <= 0 {
		return p.Quantity, fmt.Errorf("sell fill quantity must be positive, got %d", quantity)
	}
	if quantity > p.Quantity {
		return p.Quantity, fmt.Errorf("sell fill %d exceeds held quantity %d", quantity, p.Quantity)
	}
	p.Quantity -= quantity
	return p.Quantity, nil
}

// AdvanceFractionalSell records one ladder stage sold.
func (p *Position) AdvanceFractionalSell(now time.Time) {
	p.FractionalSellStage++
	p.LastFractionalSellTime = now
}

// GrossProfitRate returns the percent move from entry, before fees.
func (p *Position) GrossProfitRate(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// DrawdownFromHigh returns how far price has fallen from the peak, in
// percent (positive values).
func (p *Position) DrawdownFromHigh(price float64) float64 {
	if p.HighPrice <= 0 {
		return 0
	}
	return (p.HighPrice - price) / p.HighPrice * 100
}

// HoldingTime returns how long the position has been open.
func (p *Position) HoldingTime(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}
