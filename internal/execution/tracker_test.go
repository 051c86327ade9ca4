// Package execution
package execution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krx-split-trader/internal/broker"
	"krx-split-trader/internal/config"
	"krx-split-trader/internal/fees"
)

// stubGateway scripts broker responses. Holdings responses are consumed
// from a queue, the last entry repeating, so tests can model the account
// changing between polls.
type stubGateway struct {
	price    int64
	book     broker.OrderBook
	holdings [][]broker.Holding
	holdIdx  int
	open     []broker.OrderResponse
	closed   []broker.OrderResponse

	submitErr error
	submitted []broker.OrderRequest
	canceled  []string
	nextID    int
}

func (s *stubGateway) CurrentPrice(ctx context.Context, symbol string) (int64, error) {
	return s.price, nil
}

func (s *stubGateway) OrderBook(ctx context.Context, symbol string) (broker.OrderBook, error) {
	return s.book, nil
}

func (s *stubGateway) RecentCandles(ctx context.Context, symbol string, n int) ([]broker.Candle, error) {
	return nil, nil
}

func (s *stubGateway) Holdings(ctx context.Context) ([]broker.Holding, error) {
	if len(s.holdings) == 0 {
		return nil, nil
	}
	h := s.holdings[s.holdIdx]
	if s.holdIdx < len(s.holdings)-1 {
		s.holdIdx++
	}
	return h, nil
}

func (s *stubGateway) Balance(ctx context.Context) (broker.Balance, error) {
	return broker.Balance{}, nil
}

func (s *stubGateway) SubmitLimitOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResponse, error) {
	if s.submitErr != nil {
		return broker.OrderResponse{}, s.submitErr
	}
	s.submitted = append(s.submitted, req)
	s.nextID++
	return broker.OrderResponse{
		OrderID:  orderID(s.nextID),
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Status:   broker.StatusOpen,
		Price:    req.Price,
		Quantity: req.Quantity,
	}, nil
}

func (s *stubGateway) SubmitMarketOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResponse, error) {
	if s.submitErr != nil {
		return broker.OrderResponse{}, s.submitErr
	}
	req.Type = "market"
	s.submitted = append(s.submitted, req)
	s.nextID++
	return broker.OrderResponse{OrderID: orderID(s.nextID), Symbol: req.Symbol, Side: req.Side}, nil
}

func (s *stubGateway) CancelOrder(ctx context.Context, id string) error {
	s.canceled = append(s.canceled, id)
	return nil
}

func (s *stubGateway) OpenOrders(ctx context.Context, symbol string) ([]broker.OrderResponse, error) {
	return s.open, nil
}

func (s *stubGateway) ClosedOrders(ctx context.Context, symbol string) ([]broker.OrderResponse, error) {
	return s.closed, nil
}

func orderID(n int) string {
	return fmt.Sprintf("ord-%d", n)
}

func testExecParams() config.ExecutionParams {
	return config.ExecutionParams{
		BuyFillTimeout:  45 * time.Second,
		SellFillTimeout: 30 * time.Second,
		PendingMaxAge:   15 * time.Minute,
		MaxRetry:        3,
		BuyPricePad:     1.0,
	}
}

// newTestTracker wires a tracker with an instant fake clock: sleep
// advances the clock instead of blocking.
func newTestTracker(gw *stubGateway, maxRunUp float64) *Tracker {
	tr := NewTracker(gw, fees.Calculator{}, testExecParams(), maxRunUp)
	cur := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return cur }
	tr.sleep = func(d time.Duration) { cur = cur.Add(d) }
	return tr
}

func TestSubmitAndConfirm_HoldingsDeltaConfirmsFill(t *testing.T) {
	gw := &stubGateway{
		price: 10_000,
		holdings: [][]broker.Holding{
			{}, // baseline: nothing held
			{{Symbol: "005930", Quantity: 100, AvgPrice: 10_050}},
		},
	}
	tr := newTestTracker(gw, 3.0)

	res, err := tr.SubmitAndConfirm(context.Background(), TrackRequest{
		Symbol:        "005930",
		Side:          broker.Buy,
		Quantity:      100,
		AnalysisPrice: 10_000,
	})
	require.NoError(t, err)

	assert.Equal(t, Filled, res.Status)
	assert.Equal(t, int64(100), res.FilledQty)
	// Account average price wins the execution-price chain.
	assert.Equal(t, 10_050.0, res.AvgPrice)
	assert.Equal(t, int64(0), res.BaselineQty)
	assert.NotEmpty(t, res.ClientID)
}

func TestSubmitAndConfirm_BuyPricePaddedAndOnTick(t *testing.T) {
	gw := &stubGateway{
		price:    10_000,
		holdings: [][]broker.Holding{{}, {{Symbol: "005930", Quantity: 10}}},
	}
	tr := newTestTracker(gw, 0)

	_, err := tr.SubmitAndConfirm(context.Background(), TrackRequest{
		Symbol: "005930", Side: broker.Buy, Quantity: 10, AnalysisPrice: 10_000,
	})
	require.NoError(t, err)
	require.Len(t, gw.submitted, 1)
	// 10,000 padded 1% = 10,100, already on the 10-won grid.
	assert.Equal(t, int64(10_100), gw.submitted[0].Price)
}

func TestSubmitAndConfirm_AbortsOnPriceRunUp(t *testing.T) {
	gw := &stubGateway{
		price:    10_400, // 4% above the analysis price
		holdings: [][]broker.Holding{{}},
	}
	tr := newTestTracker(gw, 3.0)

	res, err := tr.SubmitAndConfirm(context.Background(), TrackRequest{
		Symbol: "005930", Side: broker.Buy, Quantity: 100, AnalysisPrice: 10_000,
	})
	assert.Error(t, err)
	assert.Equal(t, Failed, res.Status)
	assert.Empty(t, gw.submitted, "no order may reach the broker after a run-up abort")
}

func TestSubmitAndConfirm_TimeoutWithNoFillIsPending(t *testing.T) {
	gw := &stubGateway{
		price:    10_000,
		holdings: [][]broker.Holding{{}}, // never changes
	}
	tr := newTestTracker(gw, 0)

	res, err := tr.SubmitAndConfirm(context.Background(), TrackRequest{
		Symbol: "005930", Side: broker.Buy, Quantity: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, Pending, res.Status)
	assert.NotEmpty(t, res.OrderID)
}

func TestSubmitAndConfirm_PartialFillAtTimeout(t *testing.T) {
	gw := &stubGateway{
		price: 10_000,
		holdings: [][]broker.Holding{
			{},
			{{Symbol: "005930", Quantity: 40, AvgPrice: 10_100}},
		},
	}
	tr := newTestTracker(gw, 0)

	res, err := tr.SubmitAndConfirm(context.Background(), TrackRequest{
		Symbol: "005930", Side: broker.Buy, Quantity: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, Filled, res.Status)
	assert.Equal(t, int64(40), res.FilledQty, "the holdings delta is what we actually got")
}

func TestSubmitAndConfirm_SellDeltaCountsDown(t *testing.T) {
	gw := &stubGateway{
		price: 10_000,
		book:  broker.OrderBook{Bids: []broker.Quote{{Price: 9_990, Quantity: 500}}},
		holdings: [][]broker.Holding{
			{{Symbol: "005930", Quantity: 100}},
			{}, // fully sold
		},
	}
	tr := newTestTracker(gw, 0)

	res, err := tr.SubmitAndConfirm(context.Background(), TrackRequest{
		Symbol: "005930", Side: broker.Sell, Quantity: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, Filled, res.Status)
	assert.Equal(t, int64(100), res.FilledQty)
	assert.Equal(t, int64(100), res.BaselineQty)
	// No account average on a sell: the best bid is next in the chain.
	assert.Equal(t, 9_990.0, res.AvgPrice)
}

func TestSubmitAndConfirm_ClosedListTrustedWhenAccountLags(t *testing.T) {
	gw := &stubGateway{
		price:    10_000,
		holdings: [][]broker.Holding{{}}, // account never moves
	}
	gw.closed = []broker.OrderResponse{{
		OrderID:   "ord-1", // first id the stub hands out
		Symbol:    "005930",
		Side:      broker.Buy,
		Status:    broker.StatusFilled,
		FilledQty: 100,
		AvgPrice:  10_020,
	}}
	tr := newTestTracker(gw, 0)

	res, err := tr.SubmitAndConfirm(context.Background(), TrackRequest{
		Symbol: "005930", Side: broker.Buy, Quantity: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, Filled, res.Status)
	assert.Equal(t, int64(100), res.FilledQty)
	assert.Equal(t, 10_020.0, res.AvgPrice)
}

func TestSubmitAndConfirm_RejectsNonPositiveQuantity(t *testing.T) {
	tr := newTestTracker(&stubGateway{price: 10_000}, 0)
	res, err := tr.SubmitAndConfirm(context.Background(), TrackRequest{
		Symbol: "005930", Side: broker.Buy, Quantity: 0,
	})
	assert.Error(t, err)
	assert.Equal(t, Failed, res.Status)
}

func TestQuantityWithinTolerance(t *testing.T) {
	assert.True(t, quantityWithinTolerance(100, 100))
	assert.True(t, quantityWithinTolerance(98, 100))
	assert.True(t, quantityWithinTolerance(60, 100)) // >= 50%
	assert.False(t, quantityWithinTolerance(10, 100))
	assert.False(t, quantityWithinTolerance(0, 100))
}
