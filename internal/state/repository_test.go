// Package state
package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krx-split-trader/internal/broker"
	"krx-split-trader/internal/position"
)

func tempStatePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "trading_state.json")
}

func TestNewRepository_StartsEmptyWhenMissing(t *testing.T) {
	repo, err := NewRepository(tempStatePath(t))
	require.NoError(t, err)
	assert.Empty(t, repo.Symbols())
}

func TestUpdate_PersistsAndReloads(t *testing.T) {
	path := tempStatePath(t)
	repo, err := NewRepository(path)
	require.NoError(t, err)

	now := time.Now().Truncate(time.Second)
	err = repo.Update(func(st *TradingState) error {
		st.Positions["005930"] = position.New("005930", 70_000, 100, 15.6, 300, now)
		st.PendingOrders["000660"] = &PendingOrder{
			OrderID:   "ord-1",
			Symbol:    "000660",
			Side:      broker.Buy,
			OrderTime: now,
			OrderQty:  50,
			Status:    PendingOpen,
		}
		st.Cooldowns["035420"] = &Cooldown{Symbol: "035420", Until: now.Add(time.Hour)}
		st.DailyProfit.RecordTrade(12_345)
		return nil
	})
	require.NoError(t, err)

	// A fresh repository over the same file sees everything.
	reloaded, err := NewRepository(path)
	require.NoError(t, err)

	pos, ok := reloaded.Position("005930")
	require.True(t, ok)
	assert.Equal(t, int64(100), pos.Quantity)
	assert.Equal(t, 70_000.0, pos.EntryPrice)

	pending, ok := reloaded.PendingOrder("000660")
	require.True(t, ok)
	assert.Equal(t, "ord-1", pending.OrderID)
	assert.Equal(t, broker.Buy, pending.Side)

	cd, ok := reloaded.Cooldown("035420")
	require.True(t, ok)
	assert.True(t, cd.Active(now))

	assert.Equal(t, 12_345.0, reloaded.DailyProfit().TodayProfit)
	assert.Equal(t, 1, reloaded.DailyProfit().TotalTrades)
}

func TestUpdate_ErrorRollsNothingToDisk(t *testing.T) {
	path := tempStatePath(t)
	repo, err := NewRepository(path)
	require.NoError(t, err)

	err = repo.Update(func(st *TradingState) error {
		return assert.AnError
	})
	assert.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "failed update must not write the file")
}

func TestNewRepository_FallsBackToBackup(t *testing.T) {
	path := tempStatePath(t)
	repo, err := NewRepository(path)
	require.NoError(t, err)

	// Two saves so the .bak generation exists.
	require.NoError(t, repo.Update(func(st *TradingState) error {
		st.Positions["005930"] = position.New("005930", 70_000, 100, 0, 100, time.Now())
		return nil
	}))
	require.NoError(t, repo.Update(func(st *TradingState) error { return nil }))

	// Corrupt the primary.
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))

	recovered, err := NewRepository(path)
	require.NoError(t, err)
	_, ok := recovered.Position("005930")
	assert.True(t, ok, "backup copy must carry the position")
}

func TestNewRepository_CorruptWithoutBackupFails(t *testing.T) {
	path := tempStatePath(t)
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := NewRepository(path)
	assert.Error(t, err)
}

func TestSetPosition_RemovesAtZeroQuantity(t *testing.T) {
	st := newTradingState()
	pos := position.New("005930", 70_000, 100, 0, 100, time.Now())
	SetPosition(st, pos)
	assert.Contains(t, st.Positions, "005930")

	pos.Quantity = 0
	SetPosition(st, pos)
	assert.NotContains(t, st.Positions, "005930")
}

func TestSymbols_UnionOfPositionsAndPending(t *testing.T) {
	repo, err := NewRepository(tempStatePath(t))
	require.NoError(t, err)
	require.NoError(t, repo.Update(func(st *TradingState) error {
		st.Positions["005930"] = position.New("005930", 70_000, 100, 0, 100, time.Now())
		st.PendingOrders["000660"] = &PendingOrder{Symbol: "000660"}
		return nil
	}))
	assert.ElementsMatch(t, []string{"005930", "000660"}, repo.Symbols())
}

func TestPruneCooldowns(t *testing.T) {
	st := newTradingState()
	now := time.Now()
	st.Cooldowns["old"] = &Cooldown{Symbol: "old", Until: now.Add(-48 * time.Hour)}
	st.Cooldowns["fresh"] = &Cooldown{Symbol: "fresh", Until: now.Add(-time.Hour)}

	PruneCooldowns(st, now, 24*time.Hour)
	assert.NotContains(t, st.Cooldowns, "old")
	assert.Contains(t, st.Cooldowns, "fresh")
}

func TestDailyProfit_ResetPreservesAccumulated(t *testing.T) {
	var d DailyProfit
	d.ResetFor("2026-08-28", 1_000_000)
	d.RecordTrade(50_000)
	d.RecordTrade(-10_000)

	assert.Equal(t, 40_000.0, d.TodayProfit)
	assert.InDelta(t, 4.0, d.TodayProfitRate, 1e-9)
	assert.Equal(t, 2, d.TotalTrades)
	assert.Equal(t, 1, d.WinningTrades)
	assert.Equal(t, 50_000.0, d.MaxProfitTrade)
	assert.Equal(t, -10_000.0, d.MaxLossTrade)

	d.ResetFor("2026-08-31", 1_200_000)
	assert.Equal(t, 0.0, d.TodayProfit)
	assert.Equal(t, 40_000.0, d.AccumulatedProfit)
	assert.Equal(t, "2026-08-31", d.Date)
}
