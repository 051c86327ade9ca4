package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krx-split-trader/internal/exit"
	"krx-split-trader/internal/fees"
	"krx-split-trader/internal/position"
	"krx-split-trader/internal/state"
)

func emptyState() *state.TradingState {
	return &state.TradingState{
		Positions:     make(map[string]*position.Position),
		PendingOrders: make(map[string]*state.PendingOrder),
		Cooldowns:     make(map[string]*state.Cooldown),
	}
}

func TestApplyBuyFill_CreatesThenMerges(t *testing.T) {
	st := emptyState()
	now := time.Now()

	pos, err := ApplyBuyFill(st, BuyFill{
		Symbol: "005930", Price: 10_000, Quantity: 99, Fee: 15, TotalPlanned: 300, MaxStages: 3, Time: now,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, pos.BuyStage)
	assert.Equal(t, int64(99), pos.Quantity)

	pos, err = ApplyBuyFill(st, BuyFill{
		Symbol: "005930", Price: 9_800, Quantity: 99, Fee: 15, TotalPlanned: 300, MaxStages: 3, Time: now,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, pos.BuyStage)
	assert.Equal(t, int64(198), pos.Quantity)
	assert.InDelta(t, 9_900.0, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 30.0, pos.TradingFee, 1e-9)
}

func TestApplySellFill_PartialChargesProportionalBuyFee(t *testing.T) {
	st := emptyState()
	now := time.Now()
	pos := position.New("005930", 10_000, 100, 100.0, 100, now)
	st.Positions["005930"] = pos

	out, err := ApplySellFill(st, SellFill{
		Symbol:     "005930",
		Price:      10_200,
		Quantity:   30,
		Reason:     exit.ReasonFractionalTP1,
		Time:       now,
		Fees:       fees.Calculator{},
		Fractional: true,
	})
	require.NoError(t, err)

	// 30 of 100 shares sold: 30% of the buy fee is charged now.
	assert.InDelta(t, 200*30-30.0, out.PnL, 1e-9)
	assert.Equal(t, int64(70), out.Remaining)
	assert.InDelta(t, 70.0, pos.TradingFee, 1e-9)
	assert.Equal(t, 1, pos.FractionalSellStage)
	assert.Empty(t, st.Cooldowns, "partial sells never write a cooldown")
}

func TestApplySellFill_FullExitWritesExitCooldown(t *testing.T) {
	st := emptyState()
	now := time.Now()
	st.Positions["005930"] = position.New("005930", 10_000, 100, 0, 100, now)

	out, err := ApplySellFill(st, SellFill{
		Symbol:       "005930",
		Price:        10_200,
		Quantity:     100,
		Reason:       exit.ReasonTimeDecayTP,
		Time:         now,
		Fees:         fees.Calculator{},
		ExitCooldown: 30 * time.Minute,
		StopCooldown: 2 * time.Hour,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(0), out.Remaining)
	assert.NotContains(t, st.Positions, "005930")

	cd := st.Cooldowns["005930"]
	require.NotNil(t, cd)
	assert.Equal(t, now.Add(30*time.Minute), cd.Until)
}

func TestApplySellFill_StopLossGetsLongerCooldown(t *testing.T) {
	st := emptyState()
	now := time.Now()
	st.Positions["005930"] = position.New("005930", 10_000, 100, 0, 100, now)

	_, err := ApplySellFill(st, SellFill{
		Symbol:       "005930",
		Price:        9_870,
		Quantity:     100,
		Reason:       exit.ReasonDirectStopLoss,
		Time:         now,
		Fees:         fees.Calculator{},
		ExitCooldown: 30 * time.Minute,
		StopCooldown: 2 * time.Hour,
	})
	require.NoError(t, err)

	cd := st.Cooldowns["005930"]
	require.NotNil(t, cd)
	assert.Equal(t, now.Add(2*time.Hour), cd.Until)
	assert.Less(t, cd.RealizedPnL, 0.0)
}

func TestApplySellFill_ClampsToHeldQuantity(t *testing.T) {
	st := emptyState()
	now := time.Now()
	st.Positions["005930"] = position.New("005930", 10_000, 60, 0, 100, now)

	// Broker reports more than tracked: drift already corrected elsewhere,
	// realize at most what the book shows.
	out, err := ApplySellFill(st, SellFill{
		Symbol: "005930", Price: 10_100, Quantity: 100, Time: now, Fees: fees.Calculator{},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.Remaining)
	assert.InDelta(t, 6_000.0, out.PnL, 1e-9)
}

func TestApplySellFill_UnknownSymbolIsNoop(t *testing.T) {
	st := emptyState()
	out, err := ApplySellFill(st, SellFill{Symbol: "000660", Price: 10_000, Quantity: 10, Fees: fees.Calculator{}})
	require.NoError(t, err)
	assert.Equal(t, SellOutcome{}, out)
}

func TestApplySellFill_UpdatesDailyCounters(t *testing.T) {
	st := emptyState()
	now := time.Now()
	st.DailyProfit.StartMoney = 1_000_000
	st.Positions["005930"] = position.New("005930", 10_000, 100, 0, 100, now)

	_, err := ApplySellFill(st, SellFill{
		Symbol: "005930", Price: 10_100, Quantity: 100, Time: now, Fees: fees.Calculator{},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, st.DailyProfit.TotalTrades)
	assert.Equal(t, 1, st.DailyProfit.WinningTrades)
	assert.InDelta(t, 10_000.0, st.DailyProfit.TodayProfit, 1e-9)
	assert.InDelta(t, 1.0, st.DailyProfit.TodayProfitRate, 1e-9)
}
