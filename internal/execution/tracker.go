// Package execution
package execution

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"krx-split-trader/internal/broker"
	"krx-split-trader/internal/config"
	"krx-split-trader/internal/fees"
)

// TrackStatus is the outcome of a submit-and-confirm cycle.
type TrackStatus int

const (
	// Filled: the broker's holdings moved; FilledQty is the observed
	// delta, which may be less than requested.
	Filled TrackStatus = iota
	// Pending: the order was accepted but no fill was detected inside
	// the confirmation window. The caller must register a PendingOrder
	// and let the reconciliation sweep resolve it.
	Pending
	// Failed: the order was never accepted. Nothing to reconcile.
	Failed
)

func (s TrackStatus) String() string {
	switch s {
	case Filled:
		return "filled"
	case Pending:
		return "pending"
	default:
		return "failed"
	}
}

// TrackRequest describes one order to submit and confirm.
type TrackRequest struct {
	Symbol        string
	Side          broker.Side
	Quantity      int64
	AnalysisPrice int64 // price the decision was made at; buys abort on a large run-up
	Timeout       time.Duration
}

// TrackResult reports what actually happened.
type TrackResult struct {
	Status      TrackStatus
	OrderID     string
	ClientID    string
	FilledQty   int64
	AvgPrice    float64
	Fee         float64
	OrderPrice  int64
	BaselineQty int64
	Reason      string
}

// fill-confirmation poll schedule: dense early, sparse later. Repeats the
// last interval until the window closes.
var pollSchedule = []time.Duration{
	3 * time.Second, 3 * time.Second, 3 * time.Second,
	5 * time.Second, 5 * time.Second,
	10 * time.Second,
}

// Tracker submits an order and polls the broker until it detects a fill,
// a partial fill or a timeout. Confirmation is derived primarily from the
// change in held quantity: the order-status endpoint is treated as strong
// but secondary evidence, because the two are observed to disagree.
type Tracker struct {
	gateway  broker.Gateway
	fees     fees.Calculator
	params   config.ExecutionParams
	maxRunUp float64 // percent above analysis price that abandons a buy

	// Overridable in tests.
	now   func() time.Time
	sleep func(time.Duration)
}

func NewTracker(gateway broker.Gateway, calc fees.Calculator, params config.ExecutionParams, maxRunUp float64) *Tracker {
	return &Tracker{
		gateway:  gateway,
		fees:     calc,
		params:   params,
		maxRunUp: maxRunUp,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// SubmitAndConfirm runs the full submit + confirm cycle. The tracker has
// no side effects beyond broker calls; registering pending orders and
// updating positions belongs to the caller.
func (t *Tracker) SubmitAndConfirm(ctx context.Context, req TrackRequest) (TrackResult, error) {
	if req.Quantity <= 0 {
		return TrackResult{Status: Failed, Reason: "quantity must be positive"},
			fmt.Errorf("submit %s %s: quantity must be positive, got %d", req.Side, req.Symbol, req.Quantity)
	}

	// Baseline before submitting: the holdings delta is the fill signal.
	holdings, err := t.gateway.Holdings(ctx)
	if err != nil {
		return TrackResult{Status: Failed, Reason: "holdings baseline unavailable"},
			fmt.Errorf("reading holdings baseline for %s: %w", req.Symbol, err)
	}
	baseline := broker.FindHolding(holdings, req.Symbol).Quantity

	price, err := t.orderPrice(ctx, req)
	if err != nil {
		return TrackResult{Status: Failed, Reason: err.Error(), BaselineQty: baseline}, err
	}

	clientID := uuid.New().String()
	resp, err := t.gateway.SubmitLimitOrder(ctx, broker.OrderRequest{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     "limit",
		Price:    price,
		Quantity: req.Quantity,
		ClientID: clientID,
	})
	if err != nil {
		// API-level rejection: fail immediately, no retry at this layer.
		return TrackResult{Status: Failed, Reason: "submit rejected", BaselineQty: baseline},
			fmt.Errorf("submitting %s %s x%d @%d: %w", req.Side, req.Symbol, req.Quantity, price, err)
	}

	log.Printf("Tracker | [%s] %s order submitted: qty=%d price=%d order_id=%s", req.Symbol, req.Side, req.Quantity, price, resp.OrderID)

	result := t.confirm(ctx, req, resp, baseline, price)
	result.ClientID = clientID
	result.OrderPrice = price
	result.BaselineQty = baseline
	return result, nil
}

// orderPrice re-quotes the market and derives the limit price. Buys are
// padded slightly above market so they fill, and abandoned when the price
// has run too far above the analysis price.
func (t *Tracker) orderPrice(ctx context.Context, req TrackRequest) (int64, error) {
	current, err := t.gateway.CurrentPrice(ctx, req.Symbol)
	if err != nil || current <= 0 {
		// Quote unavailable: fall back to the analysis price.
		if req.AnalysisPrice > 0 {
			return broker.AdjustToTick(req.AnalysisPrice, req.Side), nil
		}
		return 0, fmt.Errorf("no usable price for %s: %w", req.Symbol, err)
	}

	if req.Side == broker.Buy && req.AnalysisPrice > 0 {
		runUp := float64(current-req.AnalysisPrice) / float64(req.AnalysisPrice) * 100
		if t.maxRunUp > 0 && runUp > t.maxRunUp {
			return 0, fmt.Errorf("price ran up %.2f%% above analysis price, abandoning buy", runUp)
		}
		padded := int64(float64(current) * (1 + t.params.BuyPricePad/100))
		return broker.AdjustToTick(padded, broker.Buy), nil
	}
	return broker.AdjustToTick(current, req.Side), nil
}

// confirm polls until the fill window closes. Evidence priority per poll:
// closed-order match (strong), holdings delta (authoritative). A timeout
// with a nonzero delta is a partial fill; with zero delta it is Pending.
func (t *Tracker) confirm(ctx context.Context, req TrackRequest, order broker.OrderResponse, baseline, limitPrice int64) TrackResult {
	timeout := req.Timeout
	if timeout <= 0 {
		if req.Side == broker.Buy {
			timeout = t.params.BuyFillTimeout
		} else {
			timeout = t.params.SellFillTimeout
		}
	}

	deadline := t.now().Add(timeout)
	var delta int64
	var closedMatch *broker.OrderResponse

	for step := 0; t.now().Before(deadline); step++ {
		interval := pollSchedule[len(pollSchedule)-1]
		if step < len(pollSchedule) {
			interval = pollSchedule[step]
		}
		select {
		case <-ctx.Done():
			return t.finish(ctx, req, order, baseline, limitPrice, delta, closedMatch, "canceled while confirming")
		default:
		}
		t.sleep(interval)

		if m := t.findClosedMatch(ctx, req, order); m != nil {
			closedMatch = m
		}

		d, ok := t.holdingsDelta(ctx, req, baseline)
		if ok {
			delta = d
		}

		if delta >= req.Quantity {
			return t.finish(ctx, req, order, baseline, limitPrice, delta, closedMatch, "")
		}
		// Closed-order evidence plus any observed delta: the order is
		// done; whatever the account shows is what we got.
		if closedMatch != nil {
			return t.finish(ctx, req, order, baseline, limitPrice, delta, closedMatch, "")
		}
	}

	if delta > 0 {
		return t.finish(ctx, req, order, baseline, limitPrice, delta, closedMatch, "")
	}
	return TrackResult{Status: Pending, OrderID: order.OrderID, Reason: "no fill detected within window"}
}

// finish assembles the fill result. The holdings delta is the source of
// truth for quantity; the closed-order quantity is used only when the
// account shows no movement at all.
func (t *Tracker) finish(ctx context.Context, req TrackRequest, order broker.OrderResponse, baseline, limitPrice, delta int64, closedMatch *broker.OrderResponse, cancelReason string) TrackResult {
	qty := delta
	if qty == 0 && closedMatch != nil && closedMatch.FilledQty > 0 {
		qty = closedMatch.FilledQty
		log.Printf("Tracker | [%s] holdings show no change but closed list reports %d filled; trusting closed list", req.Symbol, qty)
	}
	if qty <= 0 {
		return TrackResult{Status: Pending, OrderID: order.OrderID, Reason: cancelReason}
	}
	if qty != req.Quantity {
		log.Printf("Tracker | [%s] fill quantity mismatch: requested %d, observed %d", req.Symbol, req.Quantity, qty)
	}

	price := t.executionPrice(ctx, req, limitPrice, closedMatch)
	fee := t.fees.Buy(price, qty)
	if req.Side == broker.Sell {
		fee = t.fees.Sell(price, qty)
	}
	return TrackResult{
		Status:    Filled,
		OrderID:   order.OrderID,
		FilledQty: qty,
		AvgPrice:  price,
		Fee:       fee,
	}
}

func (t *Tracker) holdingsDelta(ctx context.Context, req TrackRequest, baseline int64) (int64, bool) {
	holdings, err := t.gateway.Holdings(ctx)
	if err != nil {
		return 0, false
	}
	current := broker.FindHolding(holdings, req.Symbol).Quantity
	if req.Side == broker.Buy {
		return current - baseline, true
	}
	return baseline - current, true
}

// findClosedMatch looks for our order in today's closed list: same symbol
// and side, filled, and a quantity close enough to ours (>= 50% of the
// request or within two shares).
func (t *Tracker) findClosedMatch(ctx context.Context, req TrackRequest, order broker.OrderResponse) *broker.OrderResponse {
	closed, err := t.gateway.ClosedOrders(ctx, req.Symbol)
	if err != nil {
		return nil
	}
	for i := range closed {
		c := closed[i]
		if c.Side != req.Side || c.Status != broker.StatusFilled {
			continue
		}
		if c.OrderID == order.OrderID || c.ClientID == order.ClientID {
			return &c
		}
		if quantityWithinTolerance(c.FilledQty, req.Quantity) {
			return &c
		}
	}
	return nil
}

func quantityWithinTolerance(filled, requested int64) bool {
	if filled <= 0 {
		return false
	}
	diff := filled - requested
	if diff < 0 {
		diff = -diff
	}
	return diff <= 2 || float64(filled) >= 0.5*float64(requested)
}

// executionPrice resolves the fill price through a priority chain: broker
// account average price, best opposite-side quote, the limit price, the
// current market price. The true fill price is not always obtainable.
func (t *Tracker) executionPrice(ctx context.Context, req TrackRequest, limitPrice int64, closedMatch *broker.OrderResponse) float64 {
	if req.Side == broker.Buy {
		if holdings, err := t.gateway.Holdings(ctx); err == nil {
			if h := broker.FindHolding(holdings, req.Symbol); h.AvgPrice > 0 {
				return h.AvgPrice
			}
		}
	}
	if closedMatch != nil && closedMatch.AvgPrice > 0 {
		return closedMatch.AvgPrice
	}
	if book, err := t.gateway.OrderBook(ctx, req.Symbol); err == nil {
		if req.Side == broker.Buy {
			if ask := book.BestAsk(); ask > 0 {
				return float64(ask)
			}
		} else {
			if bid := book.BestBid(); bid > 0 {
				return float64(bid)
			}
		}
	}
	if limitPrice > 0 {
		return float64(limitPrice)
	}
	if current, err := t.gateway.CurrentPrice(ctx, req.Symbol); err == nil && current > 0 {
		return float64(current)
	}
	return 0
}
