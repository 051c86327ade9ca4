// Package trading
package trading

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"krx-split-trader/internal/broker"
	"krx-split-trader/internal/config"
	"krx-split-trader/internal/execution"
	"krx-split-trader/internal/exit"
	"krx-split-trader/internal/fees"
	"krx-split-trader/internal/journal"
	"krx-split-trader/internal/market"
	"krx-split-trader/internal/metrics"
	"krx-split-trader/internal/notifier"
	"krx-split-trader/internal/position"
	"krx-split-trader/internal/state"
)

// SignalAction is what a strategy wants done with a candidate.
type SignalAction string

const (
	SignalBuy  SignalAction = "buy"
	SignalHold SignalAction = "hold"
)

// Signal is the contract between buy-signal scoring (out of scope here)
// and the orchestrator: a candidate symbol with a confidence.
type Signal struct {
	StockCode  string
	Action     SignalAction
	Confidence float64
	Timestamp  time.Time
}

// CandidateSource produces buy candidates each tick.
type CandidateSource interface {
	Candidates(ctx context.Context) ([]Signal, error)
}

// Orchestrator drives the whole per-tick cycle: exit checks on held
// positions, ladder entries for candidates, pending-order reconciliation
// and drift sync on their own cadences.
type Orchestrator struct {
	cfg        config.Config
	gateway    broker.Gateway
	repo       *state.Repository
	tracker    *execution.Tracker
	reconciler *execution.Reconciler
	engine     *exit.Engine
	ladder     *position.Ladder
	fees       fees.Calculator
	notifier   notifier.Notifier
	journal    journal.Journaler
	candidates CandidateSource
	clock      market.SessionClock

	lastReconcile time.Time
	lastDriftSync time.Time
	inSession     bool
	stopEntries   bool
}

func NewOrchestrator(
	cfg config.Config,
	gateway broker.Gateway,
	repo *state.Repository,
	tracker *execution.Tracker,
	reconciler *execution.Reconciler,
	engine *exit.Engine,
	ladder *position.Ladder,
	calc fees.Calculator,
	n notifier.Notifier,
	j journal.Journaler,
	candidates CandidateSource,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		gateway:    gateway,
		repo:       repo,
		tracker:    tracker,
		reconciler: reconciler,
		engine:     engine,
		ladder:     ladder,
		fees:       calc,
		notifier:   n,
		journal:    j,
		candidates: candidates,
	}
}

// Run executes the main loop until ctx is canceled. On interrupt the
// orchestrator stops opening positions, flushes a summary to the operator
// and returns; outstanding broker orders are left for the next run's
// reconciliation.
func (o *Orchestrator) Run(ctx context.Context) error {
	log.Printf("Orchestrator | starting, mode=%s symbols=%v", o.cfg.Mode, o.cfg.Symbols)

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.stopEntries = true
			o.sendSummary("shutdown")
			log.Printf("Orchestrator | stopped")
			return ctx.Err()
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	now := time.Now()

	trading := o.clock.IsTradingTime(now)
	if !trading {
		if o.inSession {
			// Session just closed: push the daily report once.
			o.sendSummary("market close")
			o.inSession = false
		}
		return
	}
	if !o.inSession {
		o.inSession = true
		o.ensureDailyState(ctx, now)
	}

	if time.Since(o.lastReconcile) >= o.cfg.Execution.ReconcileInterval {
		o.reconciler.ReconcilePendingOrders(ctx, o.cfg.Execution.PendingMaxAge)
		o.lastReconcile = time.Now()
	}
	if time.Since(o.lastDriftSync) >= o.cfg.Execution.DriftSyncInterval {
		if err := o.reconciler.SyncWithBroker(ctx); err != nil {
			log.Printf("Orchestrator | drift sync failed: %v", err)
		}
		o.lastDriftSync = time.Now()
	}

	o.processExits(ctx, now)
	if !o.stopEntries {
		o.processEntries(ctx, now)
	}

	o.updateGauges()
}

// ensureDailyState resets the daily counters on the first tick of a new
// trading day, snapshotting the cash balance as the day's budget base.
func (o *Orchestrator) ensureDailyState(ctx context.Context, now time.Time) {
	date := o.clock.SessionDate(now)
	if o.repo.DailyProfit().Date == date {
		return
	}
	var startMoney float64
	if bal, err := o.gateway.Balance(ctx); err == nil {
		startMoney = bal.Cash
	}
	err := o.repo.Update(func(st *state.TradingState) error {
		st.DailyProfit.ResetFor(date, startMoney)
		state.PruneCooldowns(st, now, 24*time.Hour)
		return nil
	})
	if err != nil {
		log.Printf("Orchestrator | daily reset failed: %v", err)
		return
	}
	log.Printf("Orchestrator | new trading day %s, start money %.0f", date, startMoney)
}

// processExits evaluates every held position against the exit engine. The
// snapshot (including the momentum flag) is assembled once per symbol per
// tick so all exit layers see consistent values.
func (o *Orchestrator) processExits(ctx context.Context, now time.Time) {
	for _, symbol := range o.repo.Symbols() {
		pos, ok := o.repo.Position(symbol)
		if !ok {
			continue
		}
		if _, pending := o.repo.PendingOrder(symbol); pending {
			continue // one outstanding order per symbol
		}

		snap, err := o.snapshot(ctx, symbol, now)
		if err != nil {
			log.Printf("Orchestrator | [%s] snapshot failed: %v", symbol, err)
			continue
		}

		decision := o.engine.Evaluate(&pos, snap, o.repo.DailyProfit(), o.clock.UntilClose(now), now)

		// Persist trailing metadata mutations even without a sell.
		if err := o.repo.Update(func(st *state.TradingState) error {
			state.SetPosition(st, &pos)
			return nil
		}); err != nil {
			log.Printf("Orchestrator | [%s] state save failed: %v", symbol, err)
		}

		switch decision.Action {
		case exit.NoAction:
			if decision.Reason == exit.ReasonTrailingDefer {
				log.Printf("Orchestrator | [%s] trailing stop deferred one tick on strong momentum", symbol)
			}
		case exit.PartialSell, exit.FullSell:
			o.executeSell(ctx, pos, decision, snap, now)
		}
	}
}

// executeSell submits the sell the engine asked for and applies whatever
// actually happened: a confirmed (possibly partial) fill, or a pending
// order left for the sweep.
func (o *Orchestrator) executeSell(ctx context.Context, pos position.Position, decision exit.Decision, snap market.Snapshot, now time.Time) {
	qty := pos.Quantity
	fractional := decision.Action == exit.PartialSell
	if fractional {
		qty = int64(math.Floor(float64(pos.Quantity) * decision.Ratio))
		if qty < 1 {
			qty = 1
		}
		if qty >= pos.Quantity {
			qty = pos.Quantity
			fractional = false
		}
	}

	log.Printf("Orchestrator | [%s] %s triggered (%s): selling %d of %d", pos.Symbol, decision.Action, decision.Reason, qty, pos.Quantity)
	metrics.OrdersSubmitted.WithLabelValues(string(broker.Sell), "limit").Inc()

	result, err := o.tracker.SubmitAndConfirm(ctx, execution.TrackRequest{
		Symbol:        pos.Symbol,
		Side:          broker.Sell,
		Quantity:      qty,
		AnalysisPrice: snap.Price,
	})
	if err != nil {
		o.alert(fmt.Sprintf("[SELL FAILED] %s x%d (%s): %v", pos.Symbol, qty, decision.Reason, err))
		return
	}

	switch result.Status {
	case execution.Filled:
		var outcome execution.SellOutcome
		err := o.repo.Update(func(st *state.TradingState) error {
			var applyErr error
			outcome, applyErr = execution.ApplySellFill(st, execution.SellFill{
				Symbol:       pos.Symbol,
				Price:        result.AvgPrice,
				Quantity:     result.FilledQty,
				Reason:       decision.Reason,
				Time:         now,
				Fees:         o.fees,
				ExitCooldown: o.cfg.Entry.ExitCooldown,
				StopCooldown: o.cfg.Entry.StopCooldown,
				Fractional:   fractional,
			})
			return applyErr
		})
		if err != nil {
			log.Printf("Orchestrator | [%s] sell fill apply failed: %v", pos.Symbol, err)
			return
		}
		metrics.OrdersFilled.WithLabelValues(string(broker.Sell)).Inc()
		metrics.ExitsByReason.WithLabelValues(decision.Reason).Inc()
		o.saveTrade(ctx, journal.Trade{
			Symbol:     pos.Symbol,
			Quantity:   result.FilledQty,
			EntryPrice: outcome.EntryPrice,
			ExitPrice:  result.AvgPrice,
			PnL:        outcome.PnL,
			Reason:     decision.Reason,
			EntryTime:  outcome.EntryTime,
			ExitTime:   now,
		})
		o.alert(fmt.Sprintf("[SOLD] %s x%d @ %.0f (%s)\nPnL: %+.0f KRW, remaining %d",
			pos.Symbol, result.FilledQty, result.AvgPrice, decision.Reason, outcome.PnL, outcome.Remaining))

	case execution.Pending:
		metrics.OrdersPending.Inc()
		o.registerPending(pos.Symbol, broker.Sell, result, qty, state.PendingOrder{SellReason: decision.Reason, Fractional: fractional}, now)
		o.alert(fmt.Sprintf("[SELL PENDING] %s x%d (%s): no fill within window, sweep will resolve", pos.Symbol, qty, decision.Reason))

	case execution.Failed:
		o.alert(fmt.Sprintf("[SELL FAILED] %s x%d (%s): %s", pos.Symbol, qty, decision.Reason, result.Reason))
	}
}

// processEntries runs the fractional entry ladder over buy candidates.
func (o *Orchestrator) processEntries(ctx context.Context, now time.Time) {
	if o.candidates == nil {
		return
	}
	signals, err := o.candidates.Candidates(ctx)
	if err != nil {
		log.Printf("Orchestrator | candidate scan failed: %v", err)
		return
	}

	for _, sig := range signals {
		if sig.Action != SignalBuy {
			continue
		}
		symbol := sig.StockCode

		if cd, ok := o.repo.Cooldown(symbol); ok && cd.Active(now) {
			continue
		}
		if pending, ok := o.repo.PendingOrder(symbol); ok {
			if pending.Age(now) < o.cfg.Entry.DuplicateGuard {
				log.Printf("Orchestrator | [%s] duplicate order guard: pending order %.1f min old", symbol, pending.Age(now).Minutes())
			}
			continue // one outstanding order per symbol
		}

		price, err := o.gateway.CurrentPrice(ctx, symbol)
		if err != nil || price <= 0 {
			log.Printf("Orchestrator | [%s] price unavailable: %v", symbol, err)
			continue
		}

		var posPtr *position.Position
		pos, held := o.repo.Position(symbol)
		if held {
			posPtr = &pos
		}
		totalPlanned := o.plannedQuantity(posPtr, price)

		tranche := o.ladder.NextTranche(posPtr, totalPlanned, now)
		if !tranche.Allowed {
			continue
		}

		o.executeBuy(ctx, symbol, tranche, totalPlanned, price, now)
	}
}

// plannedQuantity fixes the full-size target on the first tranche and
// keeps it stable for later stages.
func (o *Orchestrator) plannedQuantity(pos *position.Position, price int64) int64 {
	if pos != nil && pos.TotalPlanned > 0 {
		return pos.TotalPlanned
	}
	if price <= 0 {
		return 0
	}
	return int64(o.cfg.BudgetPerSymbol / float64(price))
}

func (o *Orchestrator) executeBuy(ctx context.Context, symbol string, tranche position.Tranche, totalPlanned, price int64, now time.Time) {
	log.Printf("Orchestrator | [%s] buying tranche: stage=%d qty=%d @~%d", symbol, tranche.NextStage, tranche.Quantity, price)
	metrics.OrdersSubmitted.WithLabelValues(string(broker.Buy), "limit").Inc()

	result, err := o.tracker.SubmitAndConfirm(ctx, execution.TrackRequest{
		Symbol:        symbol,
		Side:          broker.Buy,
		Quantity:      tranche.Quantity,
		AnalysisPrice: price,
	})
	if err != nil {
		o.alert(fmt.Sprintf("[BUY FAILED] %s x%d: %v", symbol, tranche.Quantity, err))
		return
	}

	switch result.Status {
	case execution.Filled:
		err := o.repo.Update(func(st *state.TradingState) error {
			_, applyErr := execution.ApplyBuyFill(st, execution.BuyFill{
				Symbol:       symbol,
				Price:        result.AvgPrice,
				Quantity:     result.FilledQty,
				Fee:          result.Fee,
				TotalPlanned: totalPlanned,
				MaxStages:    o.cfg.Entry.MaxBuyStages,
				Time:         now,
			})
			return applyErr
		})
		if err != nil {
			log.Printf("Orchestrator | [%s] buy fill apply failed: %v", symbol, err)
			return
		}
		metrics.OrdersFilled.WithLabelValues(string(broker.Buy)).Inc()
		o.logEvent(ctx, "order", "buy_filled", map[string]any{
			"symbol": symbol, "qty": result.FilledQty, "price": result.AvgPrice, "stage": tranche.NextStage,
		})
		o.alert(fmt.Sprintf("[BOUGHT] %s x%d @ %.0f (stage %d)", symbol, result.FilledQty, result.AvgPrice, tranche.NextStage))

	case execution.Pending:
		metrics.OrdersPending.Inc()
		o.registerPending(symbol, broker.Buy, result, tranche.Quantity, state.PendingOrder{
			BuyStage:     tranche.NextStage,
			TotalPlanned: totalPlanned,
		}, now)
		o.alert(fmt.Sprintf("[BUY PENDING] %s x%d: no fill within window, sweep will resolve", symbol, tranche.Quantity))

	case execution.Failed:
		o.alert(fmt.Sprintf("[BUY FAILED] %s x%d: %s", symbol, tranche.Quantity, result.Reason))
	}
}

// registerPending stores the in-flight order so the reconciliation sweep
// can resolve it later. ctxFields carries side-specific context through to
// the eventual position or cooldown record.
func (o *Orchestrator) registerPending(symbol string, side broker.Side, result execution.TrackResult, qty int64, ctxFields state.PendingOrder, now time.Time) {
	err := o.repo.Update(func(st *state.TradingState) error {
		if _, exists := st.PendingOrders[symbol]; exists {
			return fmt.Errorf("pending order already registered for %s", symbol)
		}
		st.PendingOrders[symbol] = &state.PendingOrder{
			OrderID:      result.OrderID,
			ClientID:     result.ClientID,
			Symbol:       symbol,
			Side:         side,
			OrderTime:    now,
			OrderPrice:   result.OrderPrice,
			OrderQty:     qty,
			Status:       state.PendingOpen,
			BaselineQty:  result.BaselineQty,
			BuyStage:     ctxFields.BuyStage,
			TotalPlanned: ctxFields.TotalPlanned,
			SellReason:   ctxFields.SellReason,
			Fractional:   ctxFields.Fractional,
		}
		return nil
	})
	if err != nil {
		log.Printf("Orchestrator | [%s] failed to register pending order: %v", symbol, err)
	}
}

// snapshot gathers everything the exit engine reads, in one place, once.
func (o *Orchestrator) snapshot(ctx context.Context, symbol string, now time.Time) (market.Snapshot, error) {
	price, err := o.gateway.CurrentPrice(ctx, symbol)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("current price: %w", err)
	}
	candles, err := o.gateway.RecentCandles(ctx, symbol, 20)
	if err != nil {
		log.Printf("Orchestrator | [%s] candles unavailable, momentum and ATR disabled this tick: %v", symbol, err)
		candles = nil
	}
	book, err := o.gateway.OrderBook(ctx, symbol)
	if err != nil {
		book = broker.OrderBook{Symbol: symbol}
	}
	return market.NewSnapshot(symbol, price, candles, book, now), nil
}

func (o *Orchestrator) updateGauges() {
	daily := o.repo.DailyProfit()
	metrics.RealizedPnL.Set(daily.TodayProfit)
	var open int
	o.repo.View(func(st *state.TradingState) { open = len(st.Positions) })
	metrics.OpenPositions.Set(float64(open))
}

// sendSummary pushes the day's results to the operator.
func (o *Orchestrator) sendSummary(occasion string) {
	daily := o.repo.DailyProfit()
	winRate := 0.0
	if daily.TotalTrades > 0 {
		winRate = float64(daily.WinningTrades) / float64(daily.TotalTrades) * 100
	}
	var open int
	var pending int
	o.repo.View(func(st *state.TradingState) {
		open = len(st.Positions)
		pending = len(st.PendingOrders)
	})
	msg := fmt.Sprintf("[DAILY REPORT - %s]\nDate: %s\nRealized PnL: %+.0f KRW (%.2f%%)\nTrades: %d (wins %d, %.0f%%)\nBest: %+.0f / Worst: %+.0f\nOpen positions: %d, pending orders: %d",
		occasion, daily.Date, daily.TodayProfit, daily.TodayProfitRate,
		daily.TotalTrades, daily.WinningTrades, winRate,
		daily.MaxProfitTrade, daily.MaxLossTrade, open, pending)
	o.alert(msg)
}

func (o *Orchestrator) alert(msg string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.SendWithRetry(msg); err != nil {
		log.Printf("Orchestrator | alert failed: %v", err)
	}
}

func (o *Orchestrator) saveTrade(ctx context.Context, trade journal.Trade) {
	if o.journal == nil {
		return
	}
	if err := o.journal.SaveTrade(ctx, trade); err != nil {
		log.Printf("Orchestrator | trade journal write failed: %v", err)
	}
}

func (o *Orchestrator) logEvent(ctx context.Context, typ, desc string, data map[string]any) {
	if o.journal == nil {
		return
	}
	if err := o.journal.LogEvent(ctx, journal.Event{Time: time.Now(), Type: typ, Description: desc, Data: data}); err != nil {
		log.Printf("Orchestrator | journal write failed: %v", err)
	}
}
