package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"krx-split-trader/internal/position"
)

// Repository owns the trading state and its persistence. All mutation goes
// through Update so the in-memory document and the file on disk never
// diverge for long. A single mutex serializes the fast exit-check loop and
// the slower reconciliation sweep.
type Repository struct {
	mu    sync.Mutex
	path  string
	state *TradingState
}

// NewRepository loads the state file at path, falling back to the .bak
// copy when the primary is corrupt, and starting empty when neither
// exists.
func NewRepository(path string) (*Repository, error) {
	r := &Repository{path: path}

	st, err := readState(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.state = newTradingState()
			return r, nil
		}
		// Corrupt primary: try the backup before giving up.
		bak, bakErr := readState(path + ".bak")
		if bakErr != nil {
			return nil, fmt.Errorf("state file unreadable and no usable backup: %w", err)
		}
		r.state = bak
		return r, nil
	}
	r.state = st
	return r, nil
}

func readState(path string) (*TradingState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	st := newTradingState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", path, err)
	}
	if st.Positions == nil {
		st.Positions = make(map[string]*position.Position)
	}
	if st.PendingOrders == nil {
		st.PendingOrders = make(map[string]*PendingOrder)
	}
	if st.Cooldowns == nil {
		st.Cooldowns = make(map[string]*Cooldown)
	}
	return st, nil
}

// Update applies fn to the state under the lock and persists the result.
// The write is temp-file + rename; the previous file survives as .bak so a
// crash mid-write never loses both copies.
func (r *Repository) Update(fn func(*TradingState) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := fn(r.state); err != nil {
		return err
	}
	return r.saveLocked()
}

func (r *Repository) saveLocked() error {
	r.state.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(r.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling trading state: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp state file: %w", err)
	}
	// Keep the previous generation as the backup.
	if _, err := os.Stat(r.path); err == nil {
		if err := os.Rename(r.path, r.path+".bak"); err != nil {
			return fmt.Errorf("rotating state backup: %w", err)
		}
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// View runs fn with read access to the state under the lock. fn must not
// retain references to maps or entries after it returns.
func (r *Repository) View(fn func(*TradingState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.state)
}

// Position returns a copy of the position for symbol, if held.
func (r *Repository) Position(symbol string) (position.Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.state.Positions[symbol]
	if !ok {
		return position.Position{}, false
	}
	return *p, true
}

// PendingOrder returns a copy of the pending order for symbol, if any.
func (r *Repository) PendingOrder(symbol string) (PendingOrder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.state.PendingOrders[symbol]
	if !ok {
		return PendingOrder{}, false
	}
	return *p, true
}

// Cooldown returns a copy of the cooldown for symbol, if any.
func (r *Repository) Cooldown(symbol string) (Cooldown, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.state.Cooldowns[symbol]
	if !ok {
		return Cooldown{}, false
	}
	return *c, true
}

// DailyProfit returns a copy of the daily counters.
func (r *Repository) DailyProfit() DailyProfit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.DailyProfit
}

// Symbols returns all symbols with a position or a pending order.
func (r *Repository) Symbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{}, len(r.state.Positions)+len(r.state.PendingOrders))
	for s := range r.state.Positions {
		seen[s] = struct{}{}
	}
	for s := range r.state.PendingOrders {
		seen[s] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	return out
}

// SetPosition stores pos, removing the entry when its quantity is zero
// (the quantity > 0 invariant).
func SetPosition(st *TradingState, pos *position.Position) {
	if pos.Quantity <= 0 {
		delete(st.Positions, pos.Symbol)
		return
	}
	st.Positions[pos.Symbol] = pos
}

// PruneCooldowns drops cooldowns that expired more than retention ago.
func PruneCooldowns(st *TradingState, now time.Time, retention time.Duration) {
	for sym, c := range st.Cooldowns {
		if now.Sub(c.Until) > retention {
			delete(st.Cooldowns, sym)
		}
	}
}
