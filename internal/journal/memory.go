package journal

import (
	"context"
	"sync"
)

// Memory keeps the journal in process memory; used in tests and when no
// database is configured.
type Memory struct {
	mu     sync.Mutex
	events []Event
	trades []Trade
}

func NewMemory() *Memory {
	return &Memory{
		events: make([]Event, 0, 256),
		trades: make([]Trade, 0, 64),
	}
}

func (m *Memory) LogEvent(ctx context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *Memory) SaveTrade(ctx context.Context, trade Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of the journaled events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Trades returns a copy of the journaled trades.
func (m *Memory) Trades() []Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Trade, len(m.trades))
	copy(out, m.trades)
	return out
}
