package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaper_ImmediateFillWhenCrossing(t *testing.T) {
	p := NewPaper(1_000_000)
	p.SetPrice("005930", 10_000)

	resp, err := p.SubmitLimitOrder(context.Background(), OrderRequest{
		Symbol: "005930", Side: Buy, Type: "limit", Price: 10_100, Quantity: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, resp.Status)
	assert.Equal(t, int64(10), resp.FilledQty)
	assert.Equal(t, 10_000.0, resp.AvgPrice, "fills at market, not at the limit")

	holdings, err := p.Holdings(context.Background())
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, int64(10), holdings[0].Quantity)

	bal, err := p.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 900_000.0, bal.Cash)
}

func TestPaper_RestingOrderFillsOnPriceMove(t *testing.T) {
	p := NewPaper(1_000_000)
	p.SetPrice("005930", 10_000)

	resp, err := p.SubmitLimitOrder(context.Background(), OrderRequest{
		Symbol: "005930", Side: Buy, Type: "limit", Price: 9_900, Quantity: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, resp.Status)

	open, _ := p.OpenOrders(context.Background(), "005930")
	assert.Len(t, open, 1)

	// Price trades down through the limit.
	p.SetPrice("005930", 9_890)

	open, _ = p.OpenOrders(context.Background(), "005930")
	assert.Empty(t, open)
	closed, _ := p.ClosedOrders(context.Background(), "005930")
	require.Len(t, closed, 1)
	assert.Equal(t, StatusFilled, closed[0].Status)
}

func TestPaper_FillDelayHoldsOrderUntilStep(t *testing.T) {
	p := NewPaper(1_000_000)
	p.FillDelay = 2
	p.SetPrice("005930", 10_000)

	resp, err := p.SubmitLimitOrder(context.Background(), OrderRequest{
		Symbol: "005930", Side: Buy, Type: "limit", Price: 10_000, Quantity: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, resp.Status)

	p.Step()
	open, _ := p.OpenOrders(context.Background(), "")
	assert.Len(t, open, 1)

	p.Step()
	p.Step()
	open, _ = p.OpenOrders(context.Background(), "")
	assert.Empty(t, open)
}

func TestPaper_CancelMovesOrderToClosed(t *testing.T) {
	p := NewPaper(1_000_000)
	p.SetPrice("005930", 10_000)

	resp, err := p.SubmitLimitOrder(context.Background(), OrderRequest{
		Symbol: "005930", Side: Sell, Type: "limit", Price: 10_500, Quantity: 10,
	})
	require.NoError(t, err)

	require.NoError(t, p.CancelOrder(context.Background(), resp.OrderID))
	closed, _ := p.ClosedOrders(context.Background(), "005930")
	require.Len(t, closed, 1)
	assert.Equal(t, StatusCanceled, closed[0].Status)

	assert.Error(t, p.CancelOrder(context.Background(), "missing"))
}

func TestPaper_SellClampedToHoldings(t *testing.T) {
	p := NewPaper(1_000_000)
	p.SetPrice("005930", 10_000)
	_, err := p.SubmitMarketOrder(context.Background(), OrderRequest{
		Symbol: "005930", Side: Buy, Quantity: 10,
	})
	require.NoError(t, err)

	_, err = p.SubmitMarketOrder(context.Background(), OrderRequest{
		Symbol: "005930", Side: Sell, Quantity: 50,
	})
	require.NoError(t, err)

	holdings, _ := p.Holdings(context.Background())
	assert.Empty(t, holdings, "sell clamps to held quantity and empties the line")

	bal, _ := p.Balance(context.Background())
	assert.Equal(t, 1_000_000.0, bal.Cash)
}

func TestPaper_SynthesizedOrderBook(t *testing.T) {
	p := NewPaper(0)
	p.SetPrice("005930", 10_000)

	book, err := p.OrderBook(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, int64(9_990), book.BestBid())
	assert.Equal(t, int64(10_010), book.BestAsk())
	assert.InDelta(t, 1.0, book.BidStrength(), 1e-9)
}

func TestPaper_UnknownSymbolPrice(t *testing.T) {
	p := NewPaper(0)
	_, err := p.CurrentPrice(context.Background(), "999999")
	assert.Error(t, err)
	assert.True(t, IsPermanent(err))
}
