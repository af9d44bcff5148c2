package orchestrator

import (
	"context"
	"time"

	"mindloop/internal/types"
)

// CadenceTuner slows the loop when budget runs thin or cycles fail, and
// gently restores pace on healthy cycles. The engine clamps whatever it
// proposes to the configured range.
type CadenceTuner struct {
	dailyLimit int
}

// NewCadenceTuner creates a tuner aware of the daily token limit.
func NewCadenceTuner(dailyLimit int) *CadenceTuner {
	return &CadenceTuner{dailyLimit: dailyLimit}
}

// AdjustCadence proposes a new interval, or nil to keep the current one.
func (t *CadenceTuner) AdjustCadence(state types.LoopState, last types.CycleResult) *time.Duration {
	current := state.CycleInterval

	if !last.OK {
		return ptr(current * 2)
	}

	if t.dailyLimit > 0 {
		frac := float64(state.BudgetRemain) / float64(t.dailyLimit)
		if frac < 0.1 {
			return ptr(current * 2)
		}
		if frac < 0.25 {
			return ptr(current + current/2)
		}
	}

	// Healthy cycle with capacity to spare: ease back toward a faster pace.
	if state.BufferPressure < 0.8 {
		return ptr(current - current/10)
	}
	return nil
}

func ptr(d time.Duration) *time.Duration { return &d }

// NoopSavePointer satisfies the SavePointer contract without creating
// checkpoints. The nil ref tells the engine nothing was produced.
type NoopSavePointer struct{}

// Save does nothing and reports no checkpoint.
func (NoopSavePointer) Save(ctx context.Context, cycleNo int) (*types.SavePointRef, error) {
	return nil, nil
}
