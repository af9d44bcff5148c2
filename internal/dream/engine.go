package dream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mindloop/internal/bus"
	"mindloop/internal/logging"
	"mindloop/internal/memory"
	"mindloop/internal/types"
)

// ErrDreamInProgress rejects a Run while another run is still executing.
var ErrDreamInProgress = errors.New("dream already in progress")

// Trigger reasons reported by ShouldTrigger and carried into the report.
const (
	TriggerPressure   = "memory-pressure"
	TriggerScheduled  = "scheduled"
	TriggerImportance = "high-importance"
	TriggerBias       = "bias-accumulation"
	TriggerManual     = "manual"
)

const (
	// firstDreamAfterCycles allows the first ever dream once the loop has
	// accumulated some history, even before the time interval elapses.
	firstDreamAfterCycles = 5
	// highImportanceCutoff and highImportanceCount define the importance
	// trigger: enough strong memories deserve early consolidation.
	highImportanceCutoff = 0.8
	highImportanceCount  = 2
	// biasBacklogCount triggers a run when this many flagged values await a
	// challenge.
	biasBacklogCount = 5

	recombinationMinMemories = 2
	recombinationMaxInsights = 3
	insightMinLength         = 10
	recentContextSize        = 10
)

// Config tunes the dream engine triggers.
type Config struct {
	Interval          time.Duration // time-based trigger, default 24h
	PressureThreshold float64       // buffer pressure trigger, default 0.8
}

// DefaultConfig returns the standard trigger settings.
func DefaultConfig() Config {
	return Config{
		Interval:          24 * time.Hour,
		PressureThreshold: 0.8,
	}
}

// Engine coordinates consolidation runs: weighted promotion of working
// memories into the episodic store, a bias challenge pass, and optional
// creative recombination when an inference provider is available.
type Engine struct {
	cfg      Config
	buffer   *memory.Buffer
	policy   *memory.Policy
	store    types.EpisodicStore
	detector *Detector
	provider types.InferenceProvider // nil disables recombination
	events   *bus.Bus                // nil disables publication

	mu       sync.Mutex
	running  bool
	lastRun  time.Time
	runCount int
	now      func() time.Time
}

// NewEngine creates a dream engine. provider and events may be nil; those
// capabilities are then skipped.
func NewEngine(cfg Config, buffer *memory.Buffer, policy *memory.Policy, store types.EpisodicStore, detector *Detector, provider types.InferenceProvider, events *bus.Bus) *Engine {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PressureThreshold <= 0 || cfg.PressureThreshold > 1 {
		cfg.PressureThreshold = def.PressureThreshold
	}
	return &Engine{
		cfg:      cfg,
		buffer:   buffer,
		policy:   policy,
		store:    store,
		detector: detector,
		provider: provider,
		events:   events,
		now:      time.Now,
	}
}

// SetClock overrides the wall clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// RunCount reports how many dreams have completed.
func (e *Engine) RunCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCount
}

// LastRun reports when the last dream finished (zero if never).
func (e *Engine) LastRun() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRun
}

// ShouldTrigger evaluates the trigger conditions against the loop state.
// Returns the winning reason, or false when no trigger fires.
func (e *Engine) ShouldTrigger(state types.LoopState) (string, bool) {
	if e.buffer.Pressure() >= e.cfg.PressureThreshold {
		return TriggerPressure, true
	}

	strong := 0
	for _, m := range e.buffer.List() {
		if m.Importance > highImportanceCutoff {
			strong++
		}
	}
	if strong >= highImportanceCount {
		return TriggerImportance, true
	}

	if e.detector != nil && e.detector.UnchallengedCount() >= biasBacklogCount {
		return TriggerBias, true
	}

	e.mu.Lock()
	last, runs := e.lastRun, e.runCount
	now := e.now()
	e.mu.Unlock()
	if runs == 0 {
		if state.CycleNo >= firstDreamAfterCycles {
			return TriggerScheduled, true
		}
	} else if now.Sub(last) >= e.cfg.Interval {
		return TriggerScheduled, true
	}

	return "", false
}

// Run executes one consolidation run. Rejects overlap with ErrDreamInProgress.
// Phase failures are recorded in the report; only a rejected overlap or a
// cancelled context surfaces as an error.
func (e *Engine) Run(ctx context.Context, reason string) (*types.DreamReport, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrDreamInProgress
	}
	e.running = true
	started := e.now()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.lastRun = e.now()
		e.runCount++
		e.mu.Unlock()
	}()

	if reason == "" {
		reason = TriggerManual
	}
	report := &types.DreamReport{
		ID:          types.NewID(types.PrefixDream),
		TriggeredBy: reason,
		StartedAt:   started,
		OK:          true,
	}
	timer := logging.StartTimer("dream", "run")
	logging.Dream("dream %s starting (reason=%s, buffered=%d)", report.ID, reason, e.buffer.Size())
	e.publish(types.TopicDreamStart, report.ID)

	e.runPhase(ctx, report, "consolidation", e.phaseConsolidate)
	e.runPhase(ctx, report, "bias-check", e.phaseBiasCheck)
	e.runPhase(ctx, report, "recombination", e.phaseRecombine)

	report.EndedAt = e.now()
	timer.Stop()

	if err := ctx.Err(); err != nil {
		report.OK = false
		report.Error = err.Error()
		e.publish(types.TopicDreamError, report)
		return report, err
	}

	logging.Dream("dream %s complete: promoted=%d discarded=%d challenged=%d insights=%d",
		report.ID, report.MemoriesPromoted, report.MemoriesDiscarded, report.BiasesChallenged, report.InsightsGenerated)
	e.publish(types.TopicDreamComplete, report)
	return report, nil
}

// runPhase times one phase and records its outcome. A phase error marks the
// phase not-OK but never aborts the run.
func (e *Engine) runPhase(ctx context.Context, report *types.DreamReport, name string, fn func(context.Context, *types.DreamReport) (string, error)) {
	if ctx.Err() != nil {
		return
	}
	start := e.now()
	detail, err := fn(ctx, report)
	phase := types.DreamPhase{
		Name:     name,
		OK:       err == nil,
		Detail:   detail,
		Duration: e.now().Sub(start),
	}
	if err != nil {
		phase.Detail = err.Error()
		logging.DreamWarn("phase %s failed: %v", name, err)
	}
	report.Phases = append(report.Phases, phase)
}

// phaseConsolidate scores every buffered memory and promotes the winners.
// Enumerates outside the buffer lock; a slot removed in the meantime is
// skipped. Per-memory errors are logged and the phase continues.
func (e *Engine) phaseConsolidate(ctx context.Context, report *types.DreamReport) (string, error) {
	candidates := e.buffer.List()
	if len(candidates) == 0 {
		return "buffer empty", nil
	}

	comparison := append([]types.Memory(nil), candidates...)
	if e.store != nil {
		if recent, err := e.store.Recent(ctx, recentContextSize); err != nil {
			logging.DreamWarn("recent memories unavailable for novelty context: %v", err)
		} else {
			comparison = append(comparison, recent...)
		}
	}

	for _, m := range candidates {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		eval := e.policy.Evaluate(m, comparison)
		if !eval.ShouldPromote {
			if e.buffer.Remove(m.ID) {
				report.MemoriesDiscarded++
				logging.DreamDebug("discarded %s: %s", m.ID, eval.Reason)
			}
			continue
		}
		if e.store == nil {
			logging.DreamWarn("no episodic store configured; cannot promote %s", m.ID)
			continue
		}
		promoted := m
		promoted.Tier = types.MemoryConsolidated
		if err := e.store.Append(ctx, promoted, &eval); err != nil {
			logging.DreamError("promote %s: %v", m.ID, err)
			continue
		}
		e.buffer.Remove(m.ID)
		report.MemoriesPromoted++
		e.publish(types.TopicMemoryPromoted, eval)
		logging.DreamDebug("promoted %s (score=%.2f)", m.ID, eval.PromotionScore)
	}
	return fmt.Sprintf("%d promoted, %d discarded", report.MemoriesPromoted, report.MemoriesDiscarded), nil
}

// phaseBiasCheck challenges every flagged value the detector is holding.
func (e *Engine) phaseBiasCheck(ctx context.Context, report *types.DreamReport) (string, error) {
	if e.detector == nil {
		return "no detector configured", nil
	}
	for _, finding := range e.detector.Unchallenged() {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		e.publish(types.TopicBiasDetected, finding)
		if e.detector.MarkChallenged(finding.ValueID) {
			report.BiasesChallenged++
			e.publish(types.TopicValueChallenged, finding)
			logging.Dream("challenged value %s (%s)", finding.ValueID, finding.BiasKind)
		}
	}
	return fmt.Sprintf("%d challenged", report.BiasesChallenged), nil
}

// phaseRecombine asks the provider for short insights connecting the promoted
// memories. Best-effort; requires a provider and at least two memories.
func (e *Engine) phaseRecombine(ctx context.Context, report *types.DreamReport) (string, error) {
	if e.provider == nil {
		return "no provider configured", nil
	}
	var summaries []string
	if e.store != nil {
		recent, err := e.store.Recent(ctx, recentContextSize)
		if err != nil {
			return "", fmt.Errorf("load recombination context: %w", err)
		}
		for _, m := range recent {
			if m.Summary != "" {
				summaries = append(summaries, m.Summary)
			}
		}
	}
	if len(summaries) < recombinationMinMemories {
		return "not enough memories", nil
	}

	prompt := recombinationPrompt(summaries)
	result, err := e.provider.Generate(ctx, prompt, types.GenerateOptions{
		MaxTokens:   300,
		Temperature: 0.9,
		Deadline:    30 * time.Second,
	})
	if err != nil {
		return "", fmt.Errorf("recombination generate: %w", err)
	}

	for _, insight := range parseInsights(result.Text) {
		e.buffer.Insert(types.Memory{
			ID:         types.NewID(types.PrefixMemory),
			Summary:    insight,
			Kind:       "insight",
			Importance: 0.7,
			Novelty:    0.9,
			CreatedAt:  e.now(),
			Tier:       types.MemoryWorking,
		})
		report.InsightsGenerated++
		e.publish(types.TopicMemoryAdded, insight)
	}
	return fmt.Sprintf("%d insights", report.InsightsGenerated), nil
}

func (e *Engine) publish(topic types.Topic, payload interface{}) {
	if e.events != nil {
		e.events.Publish(topic, payload)
	}
}

func recombinationPrompt(summaries []string) string {
	var b strings.Builder
	b.WriteString("These are recent memories from an autonomous reasoning loop:\n")
	for i, s := range summaries {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	b.WriteString("\nFind unexpected connections between them. Reply with 1-3 short numbered insights, one per line.")
	return b.String()
}

// parseInsights splits provider output into insight lines. Lenient: strips
// numbering and list markers, drops lines shorter than the minimum.
func parseInsights(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "0123456789.)- *\t")
		line = strings.TrimSpace(line)
		if len(line) < insightMinLength {
			continue
		}
		out = append(out, line)
		if len(out) >= recombinationMaxInsights {
			break
		}
	}
	return out
}
