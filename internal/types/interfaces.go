package types

import (
	"context"
	"time"
)

// ThoughtSource produces the next thought for a cycle.
type ThoughtSource interface {
	Next(ctx context.Context, state LoopState) (Thought, error)
}

// GenerateOptions carry per-call provider settings.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float64
	Deadline    time.Duration
}

// GenerateResult is a raw provider completion.
type GenerateResult struct {
	Text       string
	TokensUsed int
	Duration   time.Duration
}

// InferenceProvider is one tier's LLM backend. Implementations must respect
// the per-call deadline derived from ctx.
type InferenceProvider interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (GenerateResult, error)
	Name() string
}

// SearchOptions narrow an episodic similarity search.
type SearchOptions struct {
	K           int
	MinScore    float64
	SuccessOnly bool
}

// EpisodicStore is the long-term memory contract the core consumes.
// Append is a move: after a successful append the caller must drop its copy.
type EpisodicStore interface {
	Append(ctx context.Context, m Memory, eval *ConsolidationEvaluation) error
	SearchSimilar(ctx context.Context, query string, opts SearchOptions) ([]ScoredMemory, error)
	Recent(ctx context.Context, n int) ([]Memory, error)
	Get(ctx context.Context, id string) (*Memory, error)
	Stats(ctx context.Context) (StoreStats, error)
}

// ParameterTuner may adjust the cycle cadence after each cycle.
// A nil return means no change.
type ParameterTuner interface {
	AdjustCadence(state LoopState, last CycleResult) *time.Duration
}

// SavePointer creates an external checkpoint (e.g. a content commit).
type SavePointer interface {
	Save(ctx context.Context, cycleNo int) (*SavePointRef, error)
}

// StateStore persists opaque state blobs under stable keys.
// Read returns (nil, nil) for a missing key.
type StateStore interface {
	Write(key string, data []byte) error
	Read(key string) ([]byte, error)
}

// LoopState is the engine snapshot handed to collaborators.
type LoopState struct {
	CycleNo        int           `json:"cycle_no"`
	Running        bool          `json:"running"`
	Dreaming       bool          `json:"dreaming"`
	CycleInterval  time.Duration `json:"cycle_interval"`
	BufferPressure float64       `json:"buffer_pressure"`
	BudgetRemain   int           `json:"budget_remaining"`
	LastResult     *CycleResult  `json:"last_result,omitempty"`
	RecentThoughts []Thought     `json:"recent_thoughts,omitempty"`
	RecentMemories []Memory      `json:"recent_memories,omitempty"`
	DreamsRun      int           `json:"dreams_run"`
}
