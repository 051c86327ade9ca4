package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"krx-split-trader/internal/config"
)

func testLadder() *Ladder {
	return NewLadder(config.EntryParams{
		MaxBuyStages:  3,
		StageRatios:   []float64{0.33, 0.33, 0.34},
		StageCooldown: 15 * time.Minute,
	})
}

func TestNextTranche_FirstStage(t *testing.T) {
	tr := testLadder().NextTranche(nil, 300, time.Now())
	assert.True(t, tr.Allowed)
	assert.Equal(t, int64(99), tr.Quantity) // floor(300 * 0.33)
	assert.Equal(t, 1, tr.NextStage)
}

func TestNextTranche_SecondStageAfterCooldown(t *testing.T) {
	now := time.Now()
	pos := New("005930", 70_000, 99, 0, 300, now.Add(-20*time.Minute))

	tr := testLadder().NextTranche(pos, 300, now)
	assert.True(t, tr.Allowed)
	assert.Equal(t, int64(99), tr.Quantity)
	assert.Equal(t, 2, tr.NextStage)
}

func TestNextTranche_CooldownBlocks(t *testing.T) {
	now := time.Now()
	pos := New("005930", 70_000, 99, 0, 300, now.Add(-5*time.Minute))

	tr := testLadder().NextTranche(pos, 300, now)
	assert.False(t, tr.Allowed)
	assert.Equal(t, "stage cooldown active", tr.Reason)
}

func TestNextTranche_FinalStageTakesRemainder(t *testing.T) {
	now := time.Now()
	pos := New("005930", 70_000, 198, 0, 300, now.Add(-20*time.Minute))
	pos.BuyStage = 2

	tr := testLadder().NextTranche(pos, 300, now)
	assert.True(t, tr.Allowed)
	// 300 - 99 - 99: remainder absorbs the rounding of earlier stages.
	assert.Equal(t, int64(102), tr.Quantity)
	assert.Equal(t, 3, tr.NextStage)
}

func TestNextTranche_MaxStagesReached(t *testing.T) {
	now := time.Now()
	pos := New("005930", 70_000, 300, 0, 300, now.Add(-20*time.Minute))
	pos.BuyStage = 3

	tr := testLadder().NextTranche(pos, 300, now)
	assert.False(t, tr.Allowed)
	assert.Equal(t, "max buy stages reached", tr.Reason)
}

func TestNextTranche_TinyTargetBuysSingleShares(t *testing.T) {
	ladder := testLadder()
	now := time.Now()

	tr := ladder.NextTranche(nil, 2, now)
	assert.True(t, tr.Allowed)
	assert.Equal(t, int64(1), tr.Quantity)

	pos := New("005930", 70_000, 1, 0, 2, now.Add(-20*time.Minute))
	tr = ladder.NextTranche(pos, 2, now)
	assert.True(t, tr.Allowed)
	assert.Equal(t, int64(1), tr.Quantity)

	// Plan filled: nothing left to buy even though stages remain.
	pos.Quantity = 2
	tr = ladder.NextTranche(pos, 2, now)
	assert.False(t, tr.Allowed)
}

func TestNextTranche_NoPlannedQuantity(t *testing.T) {
	tr := testLadder().NextTranche(nil, 0, time.Now())
	assert.False(t, tr.Allowed)
}
