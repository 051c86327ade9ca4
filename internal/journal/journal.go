// Package journal
package journal

import (
	"context"
	"time"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time
	Type        string // "order", "exit", "reconcile", "drift", "error"
	Description string
	Data        map[string]any
}

// Trade is one realized sell.
type Trade struct {
	Symbol     string
	Quantity   int64
	EntryPrice float64
	ExitPrice  float64
	PnL        float64
	Reason     string
	EntryTime  time.Time
	ExitTime   time.Time
}

// Journaler persists orders, trades and events for later analysis. The
// trading core treats journaling as best-effort: a failed write is logged,
// never fatal.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	SaveTrade(ctx context.Context, trade Trade) error
	Close() error
}
