package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"mindloop/internal/budget"
	"mindloop/internal/bus"
	"mindloop/internal/classifier"
	"mindloop/internal/dream"
	"mindloop/internal/memory"
	"mindloop/internal/router"
	"mindloop/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSource hands out a simple observation each cycle.
type fakeSource struct {
	mu  sync.Mutex
	n   int
	err error
}

func (s *fakeSource) Next(ctx context.Context, state types.LoopState) (types.Thought, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return types.Thought{}, s.err
	}
	s.n++
	return types.Thought{
		ID:        types.NewID(types.PrefixThought),
		Content:   "note the current status",
		Kind:      types.KindReflection,
		Priority:  types.PriorityMedium,
		Source:    "test",
		CreatedAt: time.Now(),
	}, nil
}

// fakeProvider answers instantly, optionally always failing.
type fakeProvider struct {
	name string
	err  error
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Generate(ctx context.Context, prompt string, opts types.GenerateOptions) (types.GenerateResult, error) {
	if p.err != nil {
		return types.GenerateResult{}, p.err
	}
	return types.GenerateResult{Text: "acknowledged", TokensUsed: 10, Duration: time.Millisecond}, nil
}

// memStateStore is an in-memory StateStore that counts writes per key.
type memStateStore struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	writes map[string]int
}

func newMemStateStore() *memStateStore {
	return &memStateStore{blobs: map[string][]byte{}, writes: map[string]int{}}
}

func (s *memStateStore) Write(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	s.writes[key]++
	return nil
}

func (s *memStateStore) Read(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobs[key], nil
}

func (s *memStateStore) writeCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[key]
}

// fakeSaver records checkpoint cycle numbers.
type fakeSaver struct {
	mu     sync.Mutex
	cycles []int
	err    error
}

func (s *fakeSaver) Save(ctx context.Context, cycleNo int) (*types.SavePointRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.cycles = append(s.cycles, cycleNo)
	return &types.SavePointRef{ID: types.NewID(types.PrefixSavePt), CycleNo: cycleNo, At: time.Now()}, nil
}

func (s *fakeSaver) saved() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.cycles...)
}

// fixedTuner always proposes the same cadence.
type fixedTuner struct{ next time.Duration }

func (t *fixedTuner) AdjustCadence(state types.LoopState, last types.CycleResult) *time.Duration {
	d := t.next
	return &d
}

// nullStore satisfies EpisodicStore for dream consolidation in tests.
type nullStore struct {
	mu   sync.Mutex
	rows []types.Memory
}

func (s *nullStore) Append(ctx context.Context, m types.Memory, eval *types.ConsolidationEvaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, m)
	return nil
}

func (s *nullStore) SearchSimilar(ctx context.Context, query string, opts types.SearchOptions) ([]types.ScoredMemory, error) {
	return nil, nil
}

func (s *nullStore) Recent(ctx context.Context, n int) ([]types.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rows) > n {
		return append([]types.Memory(nil), s.rows[len(s.rows)-n:]...), nil
	}
	return append([]types.Memory(nil), s.rows...), nil
}

func (s *nullStore) Get(ctx context.Context, id string) (*types.Memory, error) { return nil, nil }

func (s *nullStore) Stats(ctx context.Context) (types.StoreStats, error) {
	return types.StoreStats{}, nil
}

// harness bundles an engine with its collaborators for fast-cadence tests.
type harness struct {
	source *fakeSource
	states *memStateStore
	saver  *fakeSaver
	events *bus.Bus
	budget *budget.Manager
	buffer *memory.Buffer
	eng    *Engine
	sub    *bus.Subscription
}

type harnessOpts struct {
	cfg         Config
	budgetLimit int
	bufferSlots int
	providerErr error
	tuner       types.ParameterTuner
	withDreams  bool
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	cfg := opts.cfg
	if cfg.CycleInterval == 0 {
		cfg.CycleInterval = 2 * time.Millisecond
	}
	if cfg.CycleMin == 0 {
		cfg.CycleMin = time.Millisecond
	}
	if cfg.CycleMax == 0 {
		cfg.CycleMax = 50 * time.Millisecond
	}
	if cfg.AutoSaveInterval == 0 {
		cfg.AutoSaveInterval = 1000
	}
	if cfg.AutoCommitInterval == 0 {
		cfg.AutoCommitInterval = 1000
	}

	limit := opts.budgetLimit
	if limit == 0 {
		limit = 1_000_000
	}
	slots := opts.bufferSlots
	if slots == 0 {
		slots = 5
	}

	bm := budget.NewManager(limit)
	buf := memory.NewBuffer(slots)
	events := bus.New()
	deep := &fakeProvider{name: "deep", err: opts.providerErr}
	rote := &fakeProvider{name: "rote", err: opts.providerErr}
	rt := router.New(router.Config{MaxRetries: 1, Deadline: time.Second},
		classifier.New(0.6), bm, deep, rote, events)

	deps := Deps{
		Source: &fakeSource{},
		Router: rt,
		Buffer: buf,
		Budget: bm,
		Tuner:  opts.tuner,
		Saver:  &fakeSaver{},
		States: newMemStateStore(),
		Events: events,
	}
	if opts.withDreams {
		deps.Dreams = dream.NewEngine(dream.Config{}, buf,
			memory.NewPolicy(0.6, nil), &nullStore{}, dream.NewDetector(dream.DetectorConfig{}), nil, events)
	}

	eng, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := &harness{
		source: deps.Source.(*fakeSource),
		states: deps.States.(*memStateStore),
		saver:  deps.Saver.(*fakeSaver),
		events: events,
		budget: bm,
		buffer: buf,
		eng:    eng,
		sub:    events.SubscribeBuffered(512),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
		events.Close()
	})
	return h
}

// waitFor reads events until one matches topic, failing the test on timeout.
func (h *harness) waitFor(t *testing.T, topic types.Topic, timeout time.Duration) types.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-h.sub.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", topic)
			}
			if ev.Topic == topic {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", topic)
		}
	}
}

// waitN reads events until topic has been seen n times.
func (h *harness) waitN(t *testing.T, topic types.Topic, n int, timeout time.Duration) {
	t.Helper()
	for i := 0; i < n; i++ {
		h.waitFor(t, topic, timeout)
	}
}

func TestEngine_RunsCyclesAndStopsOnUserRequest(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.waitN(t, types.TopicCycleComplete, 3, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := h.eng.StopReason(); got != StopUser {
		t.Fatalf("stop reason=%q, want %q", got, StopUser)
	}
	ev := h.waitFor(t, types.TopicStopped, time.Second)
	if ev.Payload.(string) != StopUser {
		t.Fatalf("stopped payload=%v", ev.Payload)
	}

	// Shutdown persists the three state blobs exactly once.
	if n := h.states.writeCount(KeyEngineState); n != 1 {
		t.Fatalf("engine state written %d times, want 1", n)
	}
	if n := h.states.writeCount(KeyBudgetState); n != 1 {
		t.Fatalf("budget state written %d times, want 1", n)
	}

	hist := h.eng.History()
	if len(hist) < 3 {
		t.Fatalf("history has %d cycles, want >= 3", len(hist))
	}
	for _, r := range hist {
		if !r.OK {
			t.Fatalf("cycle %d failed: %s", r.CycleNo, r.Error)
		}
		if len(r.Steps) != 7 {
			t.Fatalf("cycle %d recorded %d steps, want 7", r.CycleNo, len(r.Steps))
		}
	}
}

func TestEngine_StepsRunInCanonicalOrder(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitFor(t, types.TopicCycleComplete, 5*time.Second)

	want := []string{"generateThought", "process", "updateMemory", "maybeDream", "tune", "savePoint", "persist"}
	r := h.eng.History()[0]
	if len(r.Steps) != len(want) {
		t.Fatalf("steps=%d, want %d", len(r.Steps), len(want))
	}
	for i, name := range want {
		if r.Steps[i].Name != name {
			t.Fatalf("step %d is %q, want %q", i, r.Steps[i].Name, name)
		}
	}
}

func TestEngine_SourceFailureFallsBackToSelfAssessment(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.source.err = errors.New("source dry")

	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ev := h.waitFor(t, types.TopicThoughtGenerated, 5*time.Second)
	th := ev.Payload.(types.Thought)
	if th.Source != "fallback" {
		t.Fatalf("thought source=%q, want fallback", th.Source)
	}
	if th.Content == "" {
		t.Fatal("fallback thought has no content")
	}

	h.waitFor(t, types.TopicCycleComplete, 5*time.Second)
	r := h.eng.History()[0]
	if !r.OK {
		t.Fatalf("cycle should survive a source failure: %s", r.Error)
	}
	if r.Steps[0].OK {
		t.Fatal("generateThought step should record the failure")
	}
}

func TestEngine_CascadingFailuresStopTheLoop(t *testing.T) {
	h := newHarness(t, harnessOpts{providerErr: errors.New("backend down")})
	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ev := h.waitFor(t, types.TopicStopped, 5*time.Second)
	if ev.Payload.(string) != StopHealthCascade {
		t.Fatalf("stop payload=%v, want %s", ev.Payload, StopHealthCascade)
	}

	select {
	case <-h.eng.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after critical stop")
	}

	if got := h.eng.StopReason(); got != StopHealthCascade {
		t.Fatalf("stop reason=%q, want %s", got, StopHealthCascade)
	}

	hist := h.eng.History()
	if len(hist) != cascadeWindow {
		t.Fatalf("ran %d cycles before stopping, want %d", len(hist), cascadeWindow)
	}
	for _, r := range hist {
		if r.OK {
			t.Fatalf("cycle %d unexpectedly succeeded", r.CycleNo)
		}
	}

	// Exactly one persist, from the shutdown path.
	if n := h.states.writeCount(KeyEngineState); n != 1 {
		t.Fatalf("engine state written %d times, want 1", n)
	}

	// No cycle starts after the stop event.
	drained := 0
	for {
		select {
		case ev := <-h.sub.Events():
			if ev.Topic == types.TopicCycleStart {
				drained++
			}
			continue
		default:
		}
		break
	}
	if drained > cascadeWindow {
		t.Fatalf("saw %d cycle starts, want at most %d", drained, cascadeWindow)
	}
}

func TestEngine_BudgetExhaustionStopsTheLoop(t *testing.T) {
	h := newHarness(t, harnessOpts{budgetLimit: 1000})
	if err := h.budget.Charge(980, types.TierDeep); err != nil {
		t.Fatalf("seed charge: %v", err)
	}

	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ev := h.waitFor(t, types.TopicStopped, 5*time.Second)
	if ev.Payload.(string) != StopHealthBudget {
		t.Fatalf("stop payload=%v, want %s", ev.Payload, StopHealthBudget)
	}
	select {
	case <-h.eng.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}
}

func TestEngine_TunerAdjustsCadenceWithinClamp(t *testing.T) {
	h := newHarness(t, harnessOpts{
		cfg:   Config{LearningEnabled: true, CycleMax: 50 * time.Millisecond},
		tuner: &fixedTuner{next: time.Hour},
	})
	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ev := h.waitFor(t, types.TopicParameterAdjust, 5*time.Second)
	if got := ev.Payload.(time.Duration); got != 50*time.Millisecond {
		t.Fatalf("adjusted interval=%s, want clamp to 50ms", got)
	}
	if got := h.eng.State().CycleInterval; got != 50*time.Millisecond {
		t.Fatalf("state interval=%s, want 50ms", got)
	}
}

func TestEngine_SavePointCadence(t *testing.T) {
	h := newHarness(t, harnessOpts{
		cfg: Config{AutoCommitEnabled: true, AutoCommitInterval: 2, AutoSaveInterval: 1000},
	})
	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.waitN(t, types.TopicSavePointCreated, 2, 5*time.Second)
	h.waitN(t, types.TopicCycleComplete, 1, 5*time.Second)

	saved := h.saver.saved()
	if len(saved) < 2 || saved[0] != 2 || saved[1] != 4 {
		t.Fatalf("save points at cycles %v, want [2 4 ...]", saved)
	}
}

func TestEngine_PersistAndRestoreRoundTrip(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: Config{AutoSaveInterval: 1, AutoCommitInterval: 1000}})
	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitN(t, types.TopicCycleComplete, 3, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	stoppedAt := h.eng.State().CycleNo
	if stoppedAt < 3 {
		t.Fatalf("cycleNo=%d, want >= 3", stoppedAt)
	}

	// A fresh engine over the same state store resumes the cycle counter.
	bm := budget.NewManager(1_000_000)
	buf := memory.NewBuffer(5)
	events := bus.New()
	defer events.Close()
	rt := router.New(router.Config{MaxRetries: 1, Deadline: time.Second},
		classifier.New(0.6), bm, &fakeProvider{name: "deep"}, &fakeProvider{name: "rote"}, events)
	eng2, err := New(Config{CycleMin: time.Millisecond, CycleMax: 50 * time.Millisecond}, Deps{
		Source: &fakeSource{},
		Router: rt,
		Buffer: buf,
		Budget: bm,
		States: h.states,
		Events: events,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng2.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := eng2.State().CycleNo; got != stoppedAt {
		t.Fatalf("restored cycleNo=%d, want %d", got, stoppedAt)
	}
	if len(eng2.History()) == 0 {
		t.Fatal("restored history is empty")
	}
}

// stubbornSource blocks until released, ignoring context cancellation.
type stubbornSource struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stubbornSource) Next(ctx context.Context, state types.LoopState) (types.Thought, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return types.Thought{}, errors.New("released late")
}

func TestEngine_StopGraceExpiryForcesStoppedState(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	src := &stubbornSource{entered: make(chan struct{}), release: make(chan struct{})}
	h.eng.deps.Source = src
	h.eng.grace = 20 * time.Millisecond

	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-src.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle never reached the thought source")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Stop returned past the grace window with the collaborator still
	// blocked: the engine must already be stopped and persisted.
	if st := h.eng.State(); st.Running {
		t.Fatal("engine still running after grace expiry")
	}
	if got := h.eng.StopReason(); got != StopUser {
		t.Fatalf("stop reason=%q, want %q", got, StopUser)
	}
	ev := h.waitFor(t, types.TopicStopped, time.Second)
	if ev.Payload.(string) != StopUser {
		t.Fatalf("stopped payload=%v", ev.Payload)
	}
	if n := h.states.writeCount(KeyEngineState); n != 1 {
		t.Fatalf("engine state written %d times, want 1", n)
	}

	// Release the collaborator so the loop goroutine can drain out; the
	// already-stopped engine must not persist or publish stop again.
	close(src.release)
	select {
	case <-h.eng.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after the collaborator returned")
	}
	if n := h.states.writeCount(KeyEngineState); n != 1 {
		t.Fatalf("late drain persisted again (%d writes)", n)
	}
}

func TestEngine_RestoreToleratesMissingAndInvalidState(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	if err := h.eng.Restore(); err != nil {
		t.Fatalf("Restore on empty store: %v", err)
	}

	if err := h.states.Write(KeyEngineState, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if err := h.eng.Restore(); err != nil {
		t.Fatalf("Restore with invalid blob: %v", err)
	}
	if got := h.eng.State().CycleNo; got != 0 {
		t.Fatalf("invalid blob should be discarded, cycleNo=%d", got)
	}
}

func TestEngine_DreamRunsBetweenCycleStartAndComplete(t *testing.T) {
	h := newHarness(t, harnessOpts{
		cfg:         Config{DreamEnabled: true},
		bufferSlots: 2,
		withDreams:  true,
	})
	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Each cycle inserts one reflection; two slots fill the buffer and the
	// pressure trigger fires inside a later cycle.
	var order []types.Topic
	deadline := time.After(5 * time.Second)
	for {
		var done bool
		select {
		case ev := <-h.sub.Events():
			switch ev.Topic {
			case types.TopicCycleStart, types.TopicCycleComplete,
				types.TopicDreamStart, types.TopicDreamComplete:
				order = append(order, ev.Topic)
			}
			if ev.Topic == types.TopicDreamComplete {
				done = true
			}
		case <-deadline:
			t.Fatalf("no dream completed; saw %v", order)
		}
		if done {
			break
		}
	}
	h.waitFor(t, types.TopicCycleComplete, 2*time.Second)

	// The dream pair sits inside one cycle: its enclosing cycle-start is the
	// most recent one before dream-start, with no cycle-complete in between.
	di := -1
	for i, topic := range order {
		if topic == types.TopicDreamStart {
			di = i
		}
	}
	if di <= 0 {
		t.Fatalf("no dream-start in %v", order)
	}
	if order[di-1] != types.TopicCycleStart {
		t.Fatalf("dream-start not directly inside a cycle: %v", order)
	}
	if order[di+1] != types.TopicDreamComplete {
		t.Fatalf("dream did not complete before anything else: %v", order)
	}

	if h.eng.State().DreamsRun == 0 {
		t.Fatal("DreamsRun not incremented")
	}
}
