// Package broker
package broker

import (
	"context"
	"time"
)

// Side of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Order statuses as reported by the broker.
const (
	StatusOpen     = "open"
	StatusFilled   = "filled"
	StatusCanceled = "canceled"
	StatusRejected = "rejected"
)

// OrderRequest represents a new order to be submitted.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     string // "limit" or "market"
	Price    int64  // KRW; ignored for market orders
	Quantity int64
	ClientID string // caller-assigned id, carried through for sweep matching
}

// OrderResponse represents the broker's view of an order.
type OrderResponse struct {
	OrderID   string
	ClientID  string
	Symbol    string
	Side      Side
	Status    string
	Price     int64
	Quantity  int64
	FilledQty int64
	AvgPrice  float64
	Timestamp time.Time
}

// Holding is one line of the account's stock balance.
type Holding struct {
	Symbol   string
	Quantity int64
	AvgPrice float64
}

// Quote is one price level of the order book.
type Quote struct {
	Price    int64
	Quantity int64
}

// OrderBook holds the top levels for a symbol. Bids are sorted best
// (highest) first, asks best (lowest) first.
type OrderBook struct {
	Symbol string
	Bids   []Quote
	Asks   []Quote
}

// BestBid returns the highest bid price, or 0 when the book is empty.
func (b OrderBook) BestBid() int64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask price, or 0 when the book is empty.
func (b OrderBook) BestAsk() int64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// BidStrength returns total bid volume divided by total ask volume across
// the visible levels. Values well below 1.0 indicate a thinning bid side.
func (b OrderBook) BidStrength() float64 {
	var bidVol, askVol int64
	for _, q := range b.Bids {
		bidVol += q.Quantity
	}
	for _, q := range b.Asks {
		askVol += q.Quantity
	}
	if askVol == 0 {
		return 0
	}
	return float64(bidVol) / float64(askVol)
}

// Candle is one intraday bar as returned by the broker.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Bullish reports whether the candle closed above its open.
func (c Candle) Bullish() bool { return c.Close > c.Open }

// Balance is the account's cash state.
type Balance struct {
	Cash      float64
	TotalEval float64
}

// Gateway is the interface to the broker's REST API. Implementations are
// synchronous and may return transient errors; callers decide retry policy.
type Gateway interface {
	CurrentPrice(ctx context.Context, symbol string) (int64, error)
	OrderBook(ctx context.Context, symbol string) (OrderBook, error)
	RecentCandles(ctx context.Context, symbol string, n int) ([]Candle, error)
	Holdings(ctx context.Context) ([]Holding, error)
	Balance(ctx context.Context) (Balance, error)
	SubmitLimitOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
	SubmitMarketOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) error
	// OpenOrders returns live (unfilled, uncanceled) orders, optionally
	// filtered by symbol ("" means all).
	OpenOrders(ctx context.Context, symbol string) ([]OrderResponse, error)
	// ClosedOrders returns today's filled or canceled orders, optionally
	// filtered by symbol ("" means all).
	ClosedOrders(ctx context.Context, symbol string) ([]OrderResponse, error)
}

// FindHolding returns the holding for symbol, or a zero Holding when the
// account does not hold it.
func FindHolding(holdings []Holding, symbol string) Holding {
	for _, h := range holdings {
		if h.Symbol == symbol {
			return h
		}
	}
	return Holding{Symbol: symbol}
}
