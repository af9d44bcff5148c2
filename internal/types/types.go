// Package types defines the shared data model of the cognitive loop and the
// contracts of injected collaborators. Everything here is plain data; behavior
// lives in the component packages.
package types

import "time"

// Tier identifies which inference tier handled (or should handle) a thought.
type Tier string

const (
	TierDeep Tier = "deep"
	TierRote Tier = "rote"
)

// ThoughtKind categorizes a self-generated thought.
type ThoughtKind string

const (
	KindCommand    ThoughtKind = "command"
	KindQuestion   ThoughtKind = "question"
	KindReflection ThoughtKind = "reflection"
	KindMeta       ThoughtKind = "meta"
	KindError      ThoughtKind = "error"
	KindIdea       ThoughtKind = "idea"
)

// Priority is the advisory priority of a thought.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Thought is a unit of self-generated input to the loop. Immutable once created.
type Thought struct {
	ID        string      `json:"id"`
	Content   string      `json:"content"`
	Kind      ThoughtKind `json:"kind"`
	Priority  Priority    `json:"priority"`
	Source    string      `json:"source"`
	CreatedAt time.Time   `json:"created_at"`
}

// FactorScores holds the five classification dimensions, each in [0,1].
type FactorScores struct {
	Complexity  float64 `json:"complexity"`
	Novelty     float64 `json:"novelty"`
	Creativity  float64 `json:"creativity"`
	Uncertainty float64 `json:"uncertainty"`
	Stakes      float64 `json:"stakes"`
}

// Classification is the routing decision derived for a thought. Not persisted.
type Classification struct {
	Tier       Tier         `json:"tier"`
	DeepScore  float64      `json:"deep_score"`
	Confidence float64      `json:"confidence"`
	Factors    FactorScores `json:"factors"`
	Reason     string       `json:"reason"`
}

// InferenceResult is the outcome of routing one thought through a provider.
type InferenceResult struct {
	Text             string        `json:"text"`
	Tier             Tier          `json:"tier"`
	TokensUsed       int           `json:"tokens_used"`
	Duration         time.Duration `json:"duration_ms"`
	BudgetOverridden bool          `json:"budget_overridden"`
	FallbackReason   string        `json:"fallback_reason,omitempty"`
}

// MemoryTier distinguishes live working memories from consolidated ones.
type MemoryTier string

const (
	MemoryWorking      MemoryTier = "working"
	MemoryConsolidated MemoryTier = "consolidated"
)

// Memory is a single memory record. The working buffer owns it while live;
// promotion copies it to the episodic store.
type Memory struct {
	ID                string     `json:"id"`
	Summary           string     `json:"summary"`
	Content           string     `json:"content,omitempty"`
	Kind              string     `json:"kind"`
	Importance        float64    `json:"importance"`         // [0,1]
	EmotionalSalience float64    `json:"emotional_salience"` // [-1,1]
	Novelty           float64    `json:"novelty,omitempty"`  // [0,1]
	AccessCount       int        `json:"access_count"`
	CreatedAt         time.Time  `json:"created_at"`
	Tier              MemoryTier `json:"tier"`
	ParentCycle       int        `json:"parent_cycle"`
}

// ScoredMemory pairs a memory with a similarity score from search.
type ScoredMemory struct {
	Memory Memory  `json:"memory"`
	Score  float64 `json:"score"`
}

// BudgetEntry is one charge in the budget history.
type BudgetEntry struct {
	Amount int       `json:"amount"`
	Tier   Tier      `json:"tier"`
	At     time.Time `json:"at"`
}

// BudgetState is the daily token ledger. Invariant: Used == UsedDeep+UsedRote <= DailyLimit.
type BudgetState struct {
	DailyLimit  int           `json:"daily_limit"`
	Used        int           `json:"used"`
	UsedDeep    int           `json:"used_deep"`
	UsedRote    int           `json:"used_rote"`
	NextResetAt time.Time     `json:"next_reset_at"`
	History     []BudgetEntry `json:"history,omitempty"`
}

// Remaining returns the tokens left before the daily cap.
func (b BudgetState) Remaining() int {
	r := b.DailyLimit - b.Used
	if r < 0 {
		return 0
	}
	return r
}

// BiasKind enumerates the recognized bias patterns.
type BiasKind string

const (
	BiasNone           BiasKind = "none"
	BiasDiscriminatory BiasKind = "discriminatory"
	BiasConfirmation   BiasKind = "confirmation"
	BiasAnchoring      BiasKind = "anchoring"
	BiasAvailability   BiasKind = "availability"
)

// Value is a formed value/preference whose repeated application is inspected
// for bias patterns.
type Value struct {
	ID        string  `json:"id"`
	Category  string  `json:"category"`
	Strength  float64 `json:"strength"` // [0,1]
	Incidents int     `json:"incidents"`
}

// BiasFinding is the detector's verdict for a value.
type BiasFinding struct {
	ValueID      string   `json:"value_id"`
	Category     string   `json:"category"`
	Strength     float64  `json:"strength"`
	Incidents    int      `json:"incidents"`
	BiasDetected bool     `json:"bias_detected"`
	BiasKind     BiasKind `json:"bias_kind,omitempty"`
	Confidence   float64  `json:"confidence"`
}

// ConsolidationFactors holds the five weighted promotion factors, each in [0,1].
type ConsolidationFactors struct {
	Importance        float64 `json:"importance"`
	EmotionalSalience float64 `json:"emotional_salience"`
	Novelty           float64 `json:"novelty"`
	AccessFrequency   float64 `json:"access_frequency"`
	ValueAlignment    float64 `json:"value_alignment"`
}

// ConsolidationEvaluation is the per-memory promotion decision.
type ConsolidationEvaluation struct {
	MemoryID       string               `json:"memory_id"`
	PromotionScore float64              `json:"promotion_score"`
	Threshold      float64              `json:"threshold"`
	ShouldPromote  bool                 `json:"should_promote"`
	Factors        ConsolidationFactors `json:"factors"`
	Reason         string               `json:"reason"`
}

// DreamPhase records one phase of a consolidation run.
type DreamPhase struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// DreamReport summarizes one consolidation run.
type DreamReport struct {
	ID                string       `json:"id"`
	TriggeredBy       string       `json:"triggered_by"`
	StartedAt         time.Time    `json:"started_at"`
	EndedAt           time.Time    `json:"ended_at"`
	Phases            []DreamPhase `json:"phases"`
	MemoriesPromoted  int          `json:"memories_promoted"`
	MemoriesDiscarded int          `json:"memories_discarded"`
	BiasesChallenged  int          `json:"biases_challenged"`
	InsightsGenerated int          `json:"insights_generated"`
	OK                bool         `json:"ok"`
	Error             string       `json:"error,omitempty"`
}

// CycleStep records one step of a cycle in canonical order.
type CycleStep struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// CycleResult summarizes one iteration of the engine loop.
type CycleResult struct {
	CycleNo   int           `json:"cycle_no"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Steps     []CycleStep   `json:"steps"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
}

// Topic is a typed event bus topic. The set is closed; handlers can switch
// exhaustively on it.
type Topic string

const (
	TopicCycleStart       Topic = "cycle-start"
	TopicCycleComplete    Topic = "cycle-complete"
	TopicThoughtGenerated Topic = "thought-generated"
	TopicThoughtProcessed Topic = "thought-processed"
	TopicMemoryAdded      Topic = "memory-added"
	TopicMemoryPromoted   Topic = "memory-promoted"
	TopicDreamStart       Topic = "dream-start"
	TopicDreamComplete    Topic = "dream-complete"
	TopicDreamError       Topic = "dream-error"
	TopicBiasDetected     Topic = "bias-detected"
	TopicValueFormed      Topic = "value-formed"
	TopicValueChallenged  Topic = "value-challenged"
	TopicParameterAdjust  Topic = "parameter-adjusted"
	TopicSavePointCreated Topic = "save-point-created"
	TopicAttentionShift   Topic = "attention-shift"
	TopicTaskGenerated    Topic = "task-generated"
	TopicStopped          Topic = "consciousness-stopped"
)

// AllTopics lists every topic in the closed set.
func AllTopics() []Topic {
	return []Topic{
		TopicCycleStart, TopicCycleComplete, TopicThoughtGenerated,
		TopicThoughtProcessed, TopicMemoryAdded, TopicMemoryPromoted,
		TopicDreamStart, TopicDreamComplete, TopicDreamError,
		TopicBiasDetected, TopicValueFormed, TopicValueChallenged,
		TopicParameterAdjust, TopicSavePointCreated, TopicAttentionShift,
		TopicTaskGenerated, TopicStopped,
	}
}

// Event is a single published event. Subscribers own it once delivered.
type Event struct {
	ID      uint64      `json:"id"`
	Topic   Topic       `json:"topic"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

// SavePointRef identifies an external checkpoint tied to a cycle number.
type SavePointRef struct {
	ID      string    `json:"id"`
	CycleNo int       `json:"cycle_no"`
	At      time.Time `json:"at"`
}

// StoreStats summarizes the episodic store.
type StoreStats struct {
	Memories   int       `json:"memories"`
	OldestAt   time.Time `json:"oldest_at"`
	NewestAt   time.Time `json:"newest_at"`
	TotalBytes int64     `json:"total_bytes,omitempty"`
}
