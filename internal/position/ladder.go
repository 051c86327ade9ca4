package position

import (
	"time"

	"krx-split-trader/internal/config"
)

// Ladder decides whether the next tranche of a fractional entry may be
// bought and how large it is.
type Ladder struct {
	params config.EntryParams
}

func NewLadder(params config.EntryParams) *Ladder {
	return &Ladder{params: params}
}

// Tranche is the ladder's verdict for one symbol.
type Tranche struct {
	Allowed   bool
	Quantity  int64
	NextStage int
	Reason    string
}

// NextTranche returns the next buy for a symbol. pos is nil when the
// symbol is not held; totalPlanned is the full-size target quantity.
func (l *Ladder) NextTranche(pos *Position, totalPlanned int64, now time.Time) Tranche {
	if totalPlanned <= 0 {
		return Tranche{Reason: "no planned quantity"}
	}

	stage := 0 // next stage to buy, 0-based into StageRatios
	if pos != nil {
		if pos.BuyStage >= l.params.MaxBuyStages {
			return Tranche{Reason: "max buy stages reached"}
		}
		if elapsed := now.Sub(pos.LastBuyTime); elapsed < l.params.StageCooldown {
			return Tranche{Reason: "stage cooldown active"}
		}
		stage = pos.BuyStage
	}

	qty := l.stageQuantity(totalPlanned, stage, pos)
	if qty <= 0 {
		return Tranche{Reason: "tranche rounds to zero"}
	}
	return Tranche{Allowed: true, Quantity: qty, NextStage: stage + 1}
}

// stageQuantity sizes one tranche. Very small targets (<= 3 shares) buy a
// single share per stage so rounding never produces a zero-quantity order.
func (l *Ladder) stageQuantity(totalPlanned int64, stage int, pos *Position) int64 {
	if totalPlanned <= 3 {
		var held int64
		if pos != nil {
			held = pos.Quantity
		}
		if held >= totalPlanned {
			return 0
		}
		return 1
	}

	if stage == l.params.MaxBuyStages-1 {
		// Final stage takes whatever remains of the plan, so ratio
		// rounding across earlier stages never strands shares.
		var bought int64
		for i := 0; i < stage; i++ {
			bought += int64(float64(totalPlanned) * l.params.StageRatios[i])
		}
		return totalPlanned - bought
	}
	return int64(float64(totalPlanned) * l.params.StageRatios[stage])
}
