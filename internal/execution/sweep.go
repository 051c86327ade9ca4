package execution

import (
	"context"
	"fmt"
	"log"
	"time"

	"krx-split-trader/internal/broker"
	"krx-split-trader/internal/config"
	"krx-split-trader/internal/fees"
	"krx-split-trader/internal/journal"
	"krx-split-trader/internal/metrics"
	"krx-split-trader/internal/notifier"
	"krx-split-trader/internal/position"
	"krx-split-trader/internal/state"
)

// Reconciler resolves pending orders and heals state drift against broker
// truth. It runs periodically from the main loop; both passes are
// idempotent, so overlapping or repeated runs cause no duplicate merges.
type Reconciler struct {
	gateway  broker.Gateway
	repo     *state.Repository
	fees     fees.Calculator
	notifier notifier.Notifier
	journal  journal.Journaler
	exec     config.ExecutionParams
	entry    config.EntryParams

	now func() time.Time
}

func NewReconciler(gateway broker.Gateway, repo *state.Repository, calc fees.Calculator, n notifier.Notifier, j journal.Journaler, exec config.ExecutionParams, entry config.EntryParams) *Reconciler {
	return &Reconciler{
		gateway:  gateway,
		repo:     repo,
		fees:     calc,
		notifier: n,
		journal:  j,
		exec:     exec,
		entry:    entry,
		now:      time.Now,
	}
}

// ReconcilePendingOrders walks every pending order and resolves it against
// the broker's open and closed lists. An order absent from both is treated
// as externally canceled; an order still open past maxAge is canceled and
// re-quoted, or converted to a market order once retries run out.
func (r *Reconciler) ReconcilePendingOrders(ctx context.Context, maxAge time.Duration) {
	var pendings []state.PendingOrder
	r.repo.View(func(st *state.TradingState) {
		for _, p := range st.PendingOrders {
			pendings = append(pendings, *p)
		}
	})
	if len(pendings) == 0 {
		return
	}

	now := r.now()
	for _, p := range pendings {
		if err := r.resolveOne(ctx, p, maxAge, now); err != nil {
			log.Printf("Reconciler | [%s] resolve failed: %v", p.Symbol, err)
		}
	}
}

func (r *Reconciler) resolveOne(ctx context.Context, p state.PendingOrder, maxAge time.Duration, now time.Time) error {
	open, err := r.gateway.OpenOrders(ctx, p.Symbol)
	if err != nil {
		return fmt.Errorf("listing open orders: %w", err)
	}
	if matchOrder(open, p) != nil {
		if p.Age(now) <= maxAge {
			return nil // still live, still young
		}
		return r.handleAgedOut(ctx, p, now)
	}

	closed, err := r.gateway.ClosedOrders(ctx, p.Symbol)
	if err != nil {
		return fmt.Errorf("listing closed orders: %w", err)
	}
	if m := matchOrder(closed, p); m != nil {
		if m.Status == broker.StatusFilled && m.FilledQty > 0 {
			return r.applyPendingFill(ctx, p, *m, now)
		}
		// Canceled or rejected on the broker side.
		return r.dropPending(ctx, p, state.PendingCanceled, "order closed without fill")
	}

	// Neither open nor closed: canceled outside the bot.
	r.alert(fmt.Sprintf("[RECONCILE] %s %s order %s vanished from broker lists; dropping pending record", p.Symbol, p.Side, p.OrderID))
	return r.dropPending(ctx, p, state.PendingExpired, "absent from open and closed lists")
}

// handleAgedOut cancels a stale order and either re-quotes it at the
// current market price or, once retries are exhausted, converts it to a
// market order. The pending record survives a market conversion until the
// next sweep confirms the fill.
func (r *Reconciler) handleAgedOut(ctx context.Context, p state.PendingOrder, now time.Time) error {
	if err := r.gateway.CancelOrder(ctx, p.OrderID); err != nil {
		return fmt.Errorf("canceling aged order %s: %w", p.OrderID, err)
	}
	metrics.OrdersExpired.Inc()

	if p.RetryCount >= r.exec.MaxRetry {
		resp, err := r.gateway.SubmitMarketOrder(ctx, broker.OrderRequest{
			Symbol:   p.Symbol,
			Side:     p.Side,
			Type:     "market",
			Quantity: p.OrderQty,
			ClientID: p.ClientID,
		})
		if err != nil {
			r.alert(fmt.Sprintf("[RECONCILE] %s market conversion failed after %d retries: %v", p.Symbol, p.RetryCount, err))
			return r.dropPending(ctx, p, state.PendingExpired, "market conversion rejected")
		}
		log.Printf("Reconciler | [%s] retries exhausted, converted to market order %s", p.Symbol, resp.OrderID)
		metrics.OrdersSubmitted.WithLabelValues(string(p.Side), "market").Inc()
		return r.repo.Update(func(st *state.TradingState) error {
			rec, ok := st.PendingOrders[p.Symbol]
			if !ok {
				return nil
			}
			rec.OrderID = resp.OrderID
			rec.OrderTime = now
			rec.OrderPrice = 0
			rec.Status = state.PendingOpen
			return nil
		})
	}

	current, err := r.gateway.CurrentPrice(ctx, p.Symbol)
	if err != nil || current <= 0 {
		return fmt.Errorf("re-quote price unavailable for %s: %w", p.Symbol, err)
	}
	price := broker.AdjustToTick(current, p.Side)
	resp, err := r.gateway.SubmitLimitOrder(ctx, broker.OrderRequest{
		Symbol:   p.Symbol,
		Side:     p.Side,
		Type:     "limit",
		Price:    price,
		Quantity: p.OrderQty,
		ClientID: p.ClientID,
	})
	if err != nil {
		r.alert(fmt.Sprintf("[RECONCILE] %s re-quote failed (retry %d): %v", p.Symbol, p.RetryCount+1, err))
		return r.dropPending(ctx, p, state.PendingExpired, "re-quote rejected")
	}
	log.Printf("Reconciler | [%s] re-quoted %s x%d @%d (retry %d)", p.Symbol, p.Side, p.OrderQty, price, p.RetryCount+1)
	metrics.OrdersSubmitted.WithLabelValues(string(p.Side), "limit").Inc()

	return r.repo.Update(func(st *state.TradingState) error {
		rec, ok := st.PendingOrders[p.Symbol]
		if !ok {
			return nil
		}
		rec.OrderID = resp.OrderID
		rec.OrderTime = now
		rec.OrderPrice = price
		rec.RetryCount++
		rec.Status = state.PendingOpen
		return nil
	})
}

// applyPendingFill moves a late-confirmed fill into the position (buys) or
// realizes it (sells), using the broker-reported price and quantity, then
// deletes the pending record.
func (r *Reconciler) applyPendingFill(ctx context.Context, p state.PendingOrder, m broker.OrderResponse, now time.Time) error {
	price := m.AvgPrice
	if price <= 0 {
		price = float64(m.Price)
	}

	var outcome SellOutcome
	err := r.repo.Update(func(st *state.TradingState) error {
		// Delete first so a second sweep pass cannot double-apply.
		if _, ok := st.PendingOrders[p.Symbol]; !ok {
			return nil
		}
		delete(st.PendingOrders, p.Symbol)

		if p.Side == broker.Buy {
			fee := r.fees.Buy(price, m.FilledQty)
			_, err := ApplyBuyFill(st, BuyFill{
				Symbol:       p.Symbol,
				Price:        price,
				Quantity:     m.FilledQty,
				Fee:          fee,
				TotalPlanned: p.TotalPlanned,
				MaxStages:    r.entry.MaxBuyStages,
				Time:         now,
			})
			return err
		}
		var err error
		outcome, err = ApplySellFill(st, SellFill{
			Symbol:       p.Symbol,
			Price:        price,
			Quantity:     m.FilledQty,
			Reason:       p.SellReason,
			Time:         now,
			Fees:         r.fees,
			ExitCooldown: r.entry.ExitCooldown,
			StopCooldown: r.entry.StopCooldown,
			Fractional:   p.Fractional,
		})
		return err
	})
	if err != nil {
		return err
	}

	log.Printf("Reconciler | [%s] late fill applied: %s x%d @%.0f", p.Symbol, p.Side, m.FilledQty, price)
	metrics.OrdersFilled.WithLabelValues(string(p.Side)).Inc()
	r.logEvent(ctx, "reconcile", "late_fill_applied", map[string]any{
		"symbol": p.Symbol, "side": p.Side, "qty": m.FilledQty, "price": price,
	})
	if p.Side == broker.Sell {
		r.alert(fmt.Sprintf("[LATE FILL] %s sold %d @ %.0f (%s), PnL %.0f KRW", p.Symbol, m.FilledQty, price, p.SellReason, outcome.PnL))
	} else {
		r.alert(fmt.Sprintf("[LATE FILL] %s bought %d @ %.0f", p.Symbol, m.FilledQty, price))
	}
	return nil
}

func (r *Reconciler) dropPending(ctx context.Context, p state.PendingOrder, status, why string) error {
	err := r.repo.Update(func(st *state.TradingState) error {
		delete(st.PendingOrders, p.Symbol)
		return nil
	})
	if err != nil {
		return err
	}
	r.logEvent(ctx, "reconcile", "pending_order_dropped", map[string]any{
		"symbol": p.Symbol, "order_id": p.OrderID, "status": status, "why": why,
	})
	return nil
}

// SyncWithBroker corrects drift between the internal stores and actual
// broker holdings. Broker state is authoritative in both directions.
func (r *Reconciler) SyncWithBroker(ctx context.Context) error {
	holdings, err := r.gateway.Holdings(ctx)
	if err != nil {
		return fmt.Errorf("reading holdings for drift sync: %w", err)
	}
	held := make(map[string]broker.Holding, len(holdings))
	for _, h := range holdings {
		if h.Quantity > 0 {
			held[h.Symbol] = h
		}
	}

	now := r.now()
	var corrections []string
	err = r.repo.Update(func(st *state.TradingState) error {
		// Broker holds something we do not track, and no order is in
		// flight that could explain it: adopt it.
		for sym, h := range held {
			if _, pending := st.PendingOrders[sym]; pending {
				continue
			}
			pos, ok := st.Positions[sym]
			if !ok {
				st.Positions[sym] = position.New(sym, h.AvgPrice, h.Quantity, 0, h.Quantity, now)
				corrections = append(corrections, fmt.Sprintf("%s: adopted untracked holding of %d shares", sym, h.Quantity))
				continue
			}
			if pos.Quantity != h.Quantity {
				corrections = append(corrections, fmt.Sprintf("%s: quantity %d corrected to broker's %d", sym, pos.Quantity, h.Quantity))
				pos.Quantity = h.Quantity
				if h.AvgPrice > 0 {
					pos.EntryPrice = h.AvgPrice
				}
			}
		}
		// We track something the broker no longer holds.
		for sym, pos := range st.Positions {
			if _, pending := st.PendingOrders[sym]; pending {
				continue
			}
			if _, ok := held[sym]; !ok {
				corrections = append(corrections, fmt.Sprintf("%s: dropped phantom position of %d shares", sym, pos.Quantity))
				delete(st.Positions, sym)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, c := range corrections {
		log.Printf("Reconciler | drift corrected: %s", c)
		metrics.DriftCorrections.Inc()
		r.alert("[DRIFT] " + c)
		r.logEvent(ctx, "drift", "state_corrected", map[string]any{"detail": c})
	}
	return nil
}

func (r *Reconciler) alert(msg string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.SendWithRetry(msg); err != nil {
		log.Printf("Reconciler | alert failed: %v", err)
	}
}

func (r *Reconciler) logEvent(ctx context.Context, typ, desc string, data map[string]any) {
	if r.journal == nil {
		return
	}
	if err := r.journal.LogEvent(ctx, journal.Event{Time: r.now(), Type: typ, Description: desc, Data: data}); err != nil {
		log.Printf("Reconciler | journal write failed: %v", err)
	}
}

// matchOrder finds p in a broker order list. An order id match wins over a
// client id match: a re-quoted order reuses the client id, so the closed
// list can hold both the canceled original and the live replacement.
func matchOrder(orders []broker.OrderResponse, p state.PendingOrder) *broker.OrderResponse {
	for i := range orders {
		if orders[i].OrderID == p.OrderID {
			return &orders[i]
		}
	}
	for i := range orders {
		if p.ClientID != "" && orders[i].ClientID == p.ClientID {
			return &orders[i]
		}
	}
	return nil
}
