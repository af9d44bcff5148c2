// Package engine runs the main cognitive loop: one serial cycle at a time,
// each generating a thought, routing it through inference, updating working
// memory, possibly dreaming, tuning its own cadence, and checkpointing.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"mindloop/internal/budget"
	"mindloop/internal/bus"
	"mindloop/internal/dream"
	"mindloop/internal/logging"
	"mindloop/internal/memory"
	"mindloop/internal/router"
	"mindloop/internal/types"
)

// Engine lifecycle states.
const (
	StateIdle     = "idle"
	StateThinking = "thinking"
	StateDreaming = "dreaming"
	StateStopped  = "stopped"
)

// Stop reason tags published with consciousness-stopped.
const (
	StopUser          = "user"
	StopHealthBudget  = "health:budget"
	StopHealthErrors  = "health:errors"
	StopHealthCascade = "health:cascade"
)

// Persisted state keys.
const (
	KeyEngineState = "engine/state"
	KeyBudgetState = "budget/state"
	KeyBufferState = "buffer/state"
)

const (
	historyLimit        = 100
	persistedHistory    = 20
	recentThoughtsLimit = 10
	stopGrace           = 5 * time.Second

	healthWindow       = 10
	healthMinSuccess   = 0.5
	healthBudgetFloor  = 0.05
	cascadeWindow      = 5
	cascadeFailures    = 4
)

// Config tunes the engine loop.
type Config struct {
	CycleInterval time.Duration
	CycleMin      time.Duration
	CycleMax      time.Duration

	AutoSaveInterval   int
	AutoCommitInterval int

	DreamEnabled      bool
	AutoCommitEnabled bool
	LearningEnabled   bool
}

// DefaultConfig returns the standard loop settings.
func DefaultConfig() Config {
	return Config{
		CycleInterval:      30 * time.Second,
		CycleMin:           10 * time.Second,
		CycleMax:           300 * time.Second,
		AutoSaveInterval:   5,
		AutoCommitInterval: 10,
		DreamEnabled:       true,
		AutoCommitEnabled:  true,
		LearningEnabled:    true,
	}
}

// Deps are the engine's collaborators. Source, Router, Buffer, Budget and
// Events are required; the rest are optional and skipped when nil.
type Deps struct {
	Source types.ThoughtSource
	Router *router.Router
	Buffer *memory.Buffer
	Budget *budget.Manager
	Dreams *dream.Engine
	Tuner  types.ParameterTuner
	Saver  types.SavePointer
	States types.StateStore
	Events *bus.Bus
}

// Engine is the cycle loop. One instance runs at most one cycle at a time.
type Engine struct {
	cfg  Config
	deps Deps

	mu             sync.Mutex
	state          string
	cycleNo        int
	interval       time.Duration
	history        []types.CycleResult
	recentThoughts []types.Thought
	lastResult     *types.CycleResult
	dreamsRun      int
	stopReason     string
	cancel         context.CancelFunc
	doneCh         chan struct{}
	now            func() time.Time
	grace          time.Duration
}

// New creates an engine. Call Restore before Start to resume from persisted
// state.
func New(cfg Config, deps Deps) (*Engine, error) {
	def := DefaultConfig()
	if cfg.CycleMin <= 0 {
		cfg.CycleMin = def.CycleMin
	}
	if cfg.CycleMax < cfg.CycleMin {
		cfg.CycleMax = def.CycleMax
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = def.CycleInterval
	}
	cfg.CycleInterval = clampInterval(cfg.CycleInterval, cfg.CycleMin, cfg.CycleMax)
	if cfg.AutoSaveInterval <= 0 {
		cfg.AutoSaveInterval = def.AutoSaveInterval
	}
	if cfg.AutoCommitInterval <= 0 {
		cfg.AutoCommitInterval = def.AutoCommitInterval
	}

	if deps.Source == nil || deps.Router == nil || deps.Buffer == nil || deps.Budget == nil || deps.Events == nil {
		return nil, errors.New("engine requires source, router, buffer, budget and events")
	}

	return &Engine{
		cfg:      cfg,
		deps:     deps,
		state:    StateIdle,
		interval: cfg.CycleInterval,
		now:      time.Now,
		grace:    stopGrace,
	}, nil
}

// Start launches the loop. Returns an error if the engine already ran.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateStopped {
		return errors.New("engine already stopped")
	}
	if e.cancel != nil {
		return errors.New("engine already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.doneCh = make(chan struct{})
	e.state = StateThinking

	logging.Boot("engine starting (interval=%s)", e.interval)
	go e.loop(loopCtx)
	return nil
}

// Stop requests a graceful stop and waits for the loop to exit, bounded by
// ctx and the grace window.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel == nil {
		e.mu.Unlock()
		return nil
	}
	if e.stopReason == "" {
		e.stopReason = StopUser
	}
	cancel := e.cancel
	done := e.doneCh
	e.mu.Unlock()

	cancel()

	grace := time.NewTimer(e.grace)
	defer grace.Stop()
	select {
	case <-done:
		return nil
	case <-grace.C:
		// The in-flight collaborator is ignoring cancellation. The stopped
		// transition and the final persist cannot wait for it.
		logging.CycleWarn("stop grace expired; abandoning in-flight work")
		e.shutdown(ctx)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done exposes loop completion for callers that started the engine.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doneCh
}

// State returns a snapshot of the loop.
func (e *Engine) State() types.LoopState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() types.LoopState {
	st := types.LoopState{
		CycleNo:        e.cycleNo,
		Running:        e.state == StateThinking || e.state == StateDreaming,
		Dreaming:       e.state == StateDreaming,
		CycleInterval:  e.interval,
		BufferPressure: e.deps.Buffer.Pressure(),
		BudgetRemain:   e.deps.Budget.Snapshot().Remaining(),
		LastResult:     e.lastResult,
		RecentThoughts: append([]types.Thought(nil), e.recentThoughts...),
		RecentMemories: e.deps.Buffer.List(),
		DreamsRun:      e.dreamsRun,
	}
	return st
}

// History returns a copy of the bounded cycle history.
func (e *Engine) History() []types.CycleResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.CycleResult(nil), e.history...)
}

// StopReason reports why the loop stopped, empty while running.
func (e *Engine) StopReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopReason
}

// loop runs cycles until cancellation or a critical health condition.
func (e *Engine) loop(ctx context.Context) {
	defer close(e.doneCh)

	for {
		if ctx.Err() != nil {
			e.shutdown(ctx)
			return
		}

		result := e.runCycle(ctx)

		e.mu.Lock()
		e.history = append(e.history, result)
		if len(e.history) > historyLimit {
			e.history = e.history[len(e.history)-historyLimit:]
		}
		last := result
		e.lastResult = &last
		interval := e.interval
		e.mu.Unlock()

		e.deps.Events.Publish(types.TopicCycleComplete, result)

		if reason, critical := e.checkHealth(); critical {
			e.mu.Lock()
			e.stopReason = reason
			e.mu.Unlock()
			logging.Health("critical condition %s after cycle %d; stopping", reason, result.CycleNo)
			e.shutdown(ctx)
			return
		}

		// Next cycle is scheduled from this cycle's end.
		t := time.NewTimer(interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			e.shutdown(ctx)
			return
		}
	}
}

// shutdown transitions to stopped, publishes the stop event, and persists
// state exactly once.
func (e *Engine) shutdown(ctx context.Context) {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return
	}
	e.state = StateStopped
	if e.stopReason == "" {
		e.stopReason = StopUser
	}
	reason := e.stopReason
	e.mu.Unlock()

	e.deps.Events.Publish(types.TopicStopped, reason)
	e.persistState()
	logging.Cycle("engine stopped (reason=%s)", reason)
}

// runCycle executes the seven steps in canonical order. Step failures are
// recorded, never thrown; only cancellation aborts mid-cycle.
func (e *Engine) runCycle(ctx context.Context) types.CycleResult {
	e.mu.Lock()
	e.cycleNo++
	no := e.cycleNo
	state := e.stateLocked()
	e.mu.Unlock()

	started := e.now()
	result := types.CycleResult{CycleNo: no, StartedAt: started, OK: true}
	timer := logging.StartTimer("cycle", "runCycle")
	defer func() { timer.Stop() }()

	e.deps.Events.Publish(types.TopicCycleStart, no)
	logging.Cycle("cycle %d starting", no)

	th := e.stepGenerate(ctx, &result, state)
	res := e.stepProcess(ctx, &result, th, state)
	e.stepUpdateMemory(&result, th, res, no)
	e.stepMaybeDream(ctx, &result)
	e.stepTune(&result)
	e.stepSavePoint(ctx, &result, no)
	e.stepPersist(&result, no)

	result.Duration = e.now().Sub(started)
	if !result.OK {
		logging.CycleWarn("cycle %d failed: %s", no, result.Error)
	}
	return result
}

func (e *Engine) record(result *types.CycleResult, name string, ok bool, detail string) {
	result.Steps = append(result.Steps, types.CycleStep{Name: name, OK: ok, Detail: detail})
}

// stepGenerate asks the thought source for the next thought, falling back to
// a built-in self-assessment prompt on failure.
func (e *Engine) stepGenerate(ctx context.Context, result *types.CycleResult, state types.LoopState) types.Thought {
	th, err := e.deps.Source.Next(ctx, state)
	if err != nil {
		logging.CycleWarn("thought source failed: %v", err)
		th = types.Thought{
			ID:        types.NewID(types.PrefixThought),
			Content:   fmt.Sprintf("Assess the current state after %d cycles and decide what deserves attention next.", state.CycleNo),
			Kind:      types.KindReflection,
			Priority:  types.PriorityMedium,
			Source:    "fallback",
			CreatedAt: e.now(),
		}
		e.record(result, "generateThought", false, err.Error())
	} else {
		e.record(result, "generateThought", true, string(th.Kind))
	}

	e.mu.Lock()
	e.recentThoughts = append(e.recentThoughts, th)
	if len(e.recentThoughts) > recentThoughtsLimit {
		e.recentThoughts = e.recentThoughts[len(e.recentThoughts)-recentThoughtsLimit:]
	}
	e.mu.Unlock()

	e.deps.Events.Publish(types.TopicThoughtGenerated, th)
	return th
}

// stepProcess routes the thought. A routing failure fails the cycle but the
// remaining steps still run.
func (e *Engine) stepProcess(ctx context.Context, result *types.CycleResult, th types.Thought, state types.LoopState) *types.InferenceResult {
	res, err := e.deps.Router.Route(ctx, th, router.RouteContext{
		CycleNo:        state.CycleNo,
		RecentThoughts: state.RecentThoughts,
		RecentMemories: state.RecentMemories,
	})
	if err != nil {
		result.OK = false
		result.Error = err.Error()
		e.record(result, "process", false, err.Error())
		return nil
	}
	e.record(result, "process", true, fmt.Sprintf("%s, %d tokens", res.Tier, res.TokensUsed))
	return &res
}

// stepUpdateMemory inserts a reflection memory for the cycle.
func (e *Engine) stepUpdateMemory(result *types.CycleResult, th types.Thought, res *types.InferenceResult, cycleNo int) {
	m := types.Memory{
		ID:          types.NewID(types.PrefixMemory),
		Kind:        "thought-reflection",
		CreatedAt:   e.now(),
		Tier:        types.MemoryWorking,
		ParentCycle: cycleNo,
	}
	if res != nil {
		m.Summary = firstLine(th.Content)
		m.Content = fmt.Sprintf("thought: %s\nresponse (%s): %s", th.Content, res.Tier, res.Text)
		m.Importance = 0.4
		if res.Tier == types.TierDeep {
			m.Importance = 0.6
		}
	} else {
		m.Summary = "cycle failed: " + firstLine(th.Content)
		m.Content = "thought: " + th.Content + "\nno response: " + result.Error
		m.Kind = "error"
		m.Importance = 0.6
		m.EmotionalSalience = -0.5
	}

	e.deps.Buffer.Insert(m)
	e.record(result, "updateMemory", true, m.ID)
	e.deps.Events.Publish(types.TopicMemoryAdded, m)
}

// stepMaybeDream consults the dream engine and runs a dream inline. The
// cycle is still counted once; cycles are simply not scheduled while the
// dream runs.
func (e *Engine) stepMaybeDream(ctx context.Context, result *types.CycleResult) {
	if !e.cfg.DreamEnabled || e.deps.Dreams == nil {
		e.record(result, "maybeDream", true, "disabled")
		return
	}

	e.mu.Lock()
	state := e.stateLocked()
	e.mu.Unlock()

	reason, fire := e.deps.Dreams.ShouldTrigger(state)
	if !fire {
		e.record(result, "maybeDream", true, "no trigger")
		return
	}

	e.setState(StateDreaming)
	report, err := e.deps.Dreams.Run(ctx, reason)
	e.setState(StateThinking)

	if err != nil {
		e.record(result, "maybeDream", false, err.Error())
		return
	}

	e.mu.Lock()
	e.dreamsRun++
	e.mu.Unlock()
	e.record(result, "maybeDream", true,
		fmt.Sprintf("%s: promoted %d, discarded %d", reason, report.MemoriesPromoted, report.MemoriesDiscarded))
}

// stepTune lets the tuner adjust the cadence within the clamp range.
func (e *Engine) stepTune(result *types.CycleResult) {
	if !e.cfg.LearningEnabled || e.deps.Tuner == nil {
		e.record(result, "tune", true, "disabled")
		return
	}

	e.mu.Lock()
	state := e.stateLocked()
	e.mu.Unlock()

	next := e.deps.Tuner.AdjustCadence(state, *result)
	if next == nil {
		e.record(result, "tune", true, "no change")
		return
	}

	clamped := clampInterval(*next, e.cfg.CycleMin, e.cfg.CycleMax)
	e.mu.Lock()
	old := e.interval
	e.interval = clamped
	e.mu.Unlock()

	if clamped != old {
		logging.Cycle("cadence adjusted %s -> %s", old, clamped)
		e.deps.Events.Publish(types.TopicParameterAdjust, clamped)
	}
	e.record(result, "tune", true, clamped.String())
}

// stepSavePoint invokes the external checkpointer on its cycle interval.
func (e *Engine) stepSavePoint(ctx context.Context, result *types.CycleResult, cycleNo int) {
	if !e.cfg.AutoCommitEnabled || e.deps.Saver == nil || cycleNo%e.cfg.AutoCommitInterval != 0 {
		e.record(result, "savePoint", true, "skipped")
		return
	}

	ref, err := e.deps.Saver.Save(ctx, cycleNo)
	if err != nil {
		logging.PersistError("save point at cycle %d: %v", cycleNo, err)
		e.record(result, "savePoint", false, err.Error())
		return
	}
	detail := "saved"
	if ref != nil {
		detail = ref.ID
		e.deps.Events.Publish(types.TopicSavePointCreated, *ref)
	}
	e.record(result, "savePoint", true, detail)
}

// stepPersist writes the three state blobs on its cycle interval.
func (e *Engine) stepPersist(result *types.CycleResult, cycleNo int) {
	if e.deps.States == nil || cycleNo%e.cfg.AutoSaveInterval != 0 {
		e.record(result, "persist", true, "skipped")
		return
	}
	if err := e.persistState(); err != nil {
		e.record(result, "persist", false, err.Error())
		return
	}
	e.record(result, "persist", true, "saved")
}

// checkHealth evaluates the self-health rules. Returns the stop reason for a
// critical condition.
func (e *Engine) checkHealth() (string, bool) {
	budgetState := e.deps.Budget.Snapshot()
	if budgetState.DailyLimit > 0 {
		frac := float64(budgetState.Remaining()) / float64(budgetState.DailyLimit)
		if frac < healthBudgetFloor {
			return StopHealthBudget, true
		}
	}

	e.mu.Lock()
	history := e.history
	dreams := e.dreamsRun
	e.mu.Unlock()

	if len(history) >= cascadeWindow {
		failed := 0
		for _, r := range history[len(history)-cascadeWindow:] {
			if !r.OK {
				failed++
			}
		}
		if failed >= cascadeFailures {
			return StopHealthCascade, true
		}
	}

	if len(history) >= healthWindow {
		ok := 0
		for _, r := range history[len(history)-healthWindow:] {
			if r.OK {
				ok++
			}
		}
		if float64(ok)/float64(healthWindow) < healthMinSuccess {
			return StopHealthErrors, true
		}
	}

	if e.deps.Buffer.Pressure() >= 1.0 && dreams == 0 {
		logging.HealthWarn("buffer full with no dreams run yet")
	}
	return "", false
}

// engineState is the persisted engine blob.
type engineState struct {
	CycleNo         int                 `json:"cycle_no"`
	CycleIntervalMs int64               `json:"cycle_interval_ms"`
	CycleMinMs      int64               `json:"cycle_min_ms"`
	CycleMaxMs      int64               `json:"cycle_max_ms"`
	DreamsRun       int                 `json:"dreams_run"`
	LastResult      *types.CycleResult  `json:"last_result,omitempty"`
	History         []types.CycleResult `json:"history,omitempty"`
	SavedAt         time.Time           `json:"saved_at"`
}

// persistState writes the engine, budget, and buffer blobs. Failures are
// logged per blob; the first error is returned for step accounting.
func (e *Engine) persistState() error {
	if e.deps.States == nil {
		return nil
	}

	e.mu.Lock()
	hist := e.history
	if len(hist) > persistedHistory {
		hist = hist[len(hist)-persistedHistory:]
	}
	blob := engineState{
		CycleNo:         e.cycleNo,
		CycleIntervalMs: e.interval.Milliseconds(),
		CycleMinMs:      e.cfg.CycleMin.Milliseconds(),
		CycleMaxMs:      e.cfg.CycleMax.Milliseconds(),
		DreamsRun:       e.dreamsRun,
		LastResult:      e.lastResult,
		History:         append([]types.CycleResult(nil), hist...),
		SavedAt:         e.now(),
	}
	e.mu.Unlock()

	var firstErr error
	data, err := json.Marshal(blob)
	if err == nil {
		err = e.deps.States.Write(KeyEngineState, data)
	}
	if err != nil {
		logging.PersistError("persist engine state: %v", err)
		firstErr = err
	}

	if data, err := e.deps.Budget.Persist(); err != nil {
		logging.PersistError("persist budget state: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	} else if err := e.deps.States.Write(KeyBudgetState, data); err != nil {
		logging.PersistError("write budget state: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if data, err := e.deps.Buffer.Persist(); err != nil {
		logging.PersistError("persist buffer state: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	} else if err := e.deps.States.Write(KeyBufferState, data); err != nil {
		logging.PersistError("write buffer state: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Restore loads persisted state. Missing blobs are fresh starts; invalid
// blobs are logged and discarded.
func (e *Engine) Restore() error {
	if e.deps.States == nil {
		return nil
	}

	if data, err := e.deps.States.Read(KeyEngineState); err != nil {
		logging.PersistError("read engine state: %v", err)
	} else if len(data) > 0 {
		var blob engineState
		if err := json.Unmarshal(data, &blob); err != nil {
			logging.PersistError("discarding invalid engine state: %v", err)
		} else {
			e.mu.Lock()
			e.cycleNo = blob.CycleNo
			e.dreamsRun = blob.DreamsRun
			e.lastResult = blob.LastResult
			e.history = blob.History
			if blob.CycleIntervalMs > 0 {
				e.interval = clampInterval(time.Duration(blob.CycleIntervalMs)*time.Millisecond, e.cfg.CycleMin, e.cfg.CycleMax)
			}
			e.mu.Unlock()
			logging.Persist("restored engine state at cycle %d", blob.CycleNo)
		}
	}

	if data, err := e.deps.States.Read(KeyBudgetState); err != nil {
		logging.PersistError("read budget state: %v", err)
	} else if err := e.deps.Budget.Restore(data); err != nil {
		logging.PersistError("discarding invalid budget state: %v", err)
	}

	if data, err := e.deps.States.Read(KeyBufferState); err != nil {
		logging.PersistError("read buffer state: %v", err)
	} else if err := e.deps.Buffer.Restore(data); err != nil {
		logging.PersistError("discarding invalid buffer state: %v", err)
	}
	return nil
}

func (e *Engine) setState(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateStopped {
		e.state = s
	}
}

func clampInterval(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	if len(s) > 120 {
		return s[:120]
	}
	return s
}
