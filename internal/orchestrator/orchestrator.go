// Package orchestrator constructs the loop's components in dependency order,
// owns their lifecycle, and exposes them to external surfaces.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mindloop/internal/budget"
	"mindloop/internal/bus"
	"mindloop/internal/classifier"
	"mindloop/internal/config"
	"mindloop/internal/dream"
	"mindloop/internal/engine"
	"mindloop/internal/logging"
	"mindloop/internal/memory"
	"mindloop/internal/provider"
	"mindloop/internal/router"
	"mindloop/internal/store"
	"mindloop/internal/thought"
	"mindloop/internal/types"
)

// Options adjust construction beyond the config file.
type Options struct {
	// Workspace anchors relative storage paths.
	Workspace string
	// Offline replaces both provider tiers with canned responders.
	Offline bool
	// ConfigPath enables the live-reload watcher when non-empty.
	ConfigPath string
	// Source overrides the built-in thought generator.
	Source types.ThoughtSource
	// Saver overrides the default no-op save pointer.
	Saver types.SavePointer
}

// Components are the wired collaborators, exposed for external surfaces.
type Components struct {
	Events     *bus.Bus
	Budget     *budget.Manager
	Buffer     *memory.Buffer
	Classifier *classifier.Classifier
	Detector   *dream.Detector
	Store      types.EpisodicStore
	States     types.StateStore
	Router     *router.Router
	Dreams     *dream.Engine
	Engine     *engine.Engine
}

// Snapshot is the externally visible state of the whole loop.
type Snapshot struct {
	Loop       types.LoopState   `json:"loop"`
	Budget     types.BudgetState `json:"budget"`
	Store      types.StoreStats  `json:"store"`
	Bus        bus.Stats         `json:"bus"`
	StopReason string            `json:"stop_reason,omitempty"`
}

// Orchestrator wires and runs the cognitive loop.
type Orchestrator struct {
	cfg  *config.Config
	opts Options
	comp Components

	sqlite  *store.SQLiteStore
	watcher *config.Watcher

	mu      sync.Mutex
	started bool
	stopped bool
}

// New constructs every component in dependency order. Nothing starts running
// until Start.
func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{cfg: cfg, opts: opts}

	events := bus.New()
	bm := budget.NewManager(cfg.DailyTokenLimit)
	cls := classifier.New(cfg.ClassifierThreshold)
	buf := memory.NewBuffer(cfg.BufferSlots)
	detector := dream.NewDetector(dream.DetectorConfig{})
	policy := memory.NewPolicy(cfg.ConsolidationThreshold, detector)

	sqlite, err := store.NewSQLiteStore(o.resolve(cfg.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("open episodic store: %w", err)
	}
	o.sqlite = sqlite

	states, err := store.NewFileStateStore(o.resolve(cfg.StateDir))
	if err != nil {
		sqlite.Close()
		return nil, fmt.Errorf("open state store: %w", err)
	}

	// Promotion is a move, not a drop: a victim evicted by a full-buffer
	// insert is evaluated immediately and winners land in the episodic
	// store, dreams or no dreams.
	buf.SetPromotionHandler(func(victim types.Memory) {
		eval := policy.Evaluate(victim, buf.List())
		if !eval.ShouldPromote {
			logging.MemoryDebug("evicted %s below consolidation threshold (score=%.2f)", victim.ID, eval.PromotionScore)
			return
		}
		promoted := victim
		promoted.Tier = types.MemoryConsolidated
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sqlite.Append(ctx, promoted, &eval); err != nil {
			logging.StoreError("promote evicted %s: %v", victim.ID, err)
			return
		}
		logging.Memory("promoted evicted %s (score=%.2f)", victim.ID, eval.PromotionScore)
		events.Publish(types.TopicMemoryPromoted, eval)
	})

	deep := o.buildProvider("deep", cfg.Deep)
	rote := o.buildProvider("rote", cfg.Rote)

	dreams := dream.NewEngine(dream.Config{
		Interval:          cfg.DreamInterval(),
		PressureThreshold: cfg.MemoryPressureThreshold,
	}, buf, policy, sqlite, detector, deep, events)

	rt := router.New(router.Config{
		MaxRetries: cfg.InferenceMaxRetries,
		Deadline:   cfg.InferenceDeadline(),
	}, cls, bm, deep, rote, events)

	source := opts.Source
	if source == nil {
		source = thought.NewGenerator()
	}
	saver := opts.Saver
	if saver == nil {
		saver = NoopSavePointer{}
	}

	lo, hi := cfg.CycleBounds()
	eng, err := engine.New(engine.Config{
		CycleInterval:      cfg.CycleInterval(),
		CycleMin:           lo,
		CycleMax:           hi,
		AutoSaveInterval:   cfg.AutoSaveInterval,
		AutoCommitInterval: cfg.AutoCommitInterval,
		DreamEnabled:       cfg.DreamEnabled,
		AutoCommitEnabled:  cfg.AutoCommitEnabled,
		LearningEnabled:    cfg.LearningEnabled,
	}, engine.Deps{
		Source: source,
		Router: rt,
		Buffer: buf,
		Budget: bm,
		Dreams: dreams,
		Tuner:  NewCadenceTuner(cfg.DailyTokenLimit),
		Saver:  saver,
		States: states,
		Events: events,
	})
	if err != nil {
		sqlite.Close()
		return nil, err
	}

	o.comp = Components{
		Events:     events,
		Budget:     bm,
		Buffer:     buf,
		Classifier: cls,
		Detector:   detector,
		Store:      sqlite,
		States:     states,
		Router:     rt,
		Dreams:     dreams,
		Engine:     eng,
	}
	return o, nil
}

// Start restores persisted state and launches the loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	if o.stopped {
		o.mu.Unlock()
		return errors.New("orchestrator already stopped")
	}
	o.started = true
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.comp.Engine.Restore()
	})
	g.Go(func() error {
		stats, err := o.comp.Store.Stats(gctx)
		if err != nil {
			return fmt.Errorf("episodic store stats: %w", err)
		}
		logging.Boot("episodic store holds %d memories", stats.Memories)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if o.opts.ConfigPath != "" {
		w, err := config.NewWatcher(o.opts.ConfigPath, o.applyReload)
		if err != nil {
			logging.ConfigWarn("config watcher unavailable: %v", err)
		} else if err := w.Start(ctx); err != nil {
			logging.ConfigWarn("config watcher failed to start: %v", err)
			w.Close()
		} else {
			o.watcher = w
		}
	}

	if !o.cfg.Enabled {
		logging.Boot("loop disabled by configuration; components wired but idle")
		return nil
	}
	return o.comp.Engine.Start(ctx)
}

// Stop halts the loop and releases resources. Idempotent.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	watcher := o.watcher
	o.mu.Unlock()

	stopErr := o.comp.Engine.Stop(ctx)

	var g errgroup.Group
	g.Go(func() error {
		return o.sqlite.Close()
	})
	if watcher != nil {
		g.Go(func() error {
			return watcher.Close()
		})
	}
	closeErr := g.Wait()

	o.comp.Events.Close()
	if stopErr != nil {
		return stopErr
	}
	return closeErr
}

// State snapshots every component.
func (o *Orchestrator) State(ctx context.Context) Snapshot {
	stats, err := o.comp.Store.Stats(ctx)
	if err != nil {
		logging.StoreError("stats for snapshot: %v", err)
	}
	return Snapshot{
		Loop:       o.comp.Engine.State(),
		Budget:     o.comp.Budget.Snapshot(),
		Store:      stats,
		Bus:        o.comp.Events.Stats(),
		StopReason: o.comp.Engine.StopReason(),
	}
}

// Context exposes the wired components.
func (o *Orchestrator) Context() Components {
	return o.comp
}

// applyReload handles a live config change. Only knobs that are safe to move
// under a running loop are applied; the rest need a restart.
func (o *Orchestrator) applyReload(cfg *config.Config) {
	logging.Config("applying reloaded configuration")
	o.mu.Lock()
	o.cfg.DreamEnabled = cfg.DreamEnabled
	o.cfg.AutoCommitEnabled = cfg.AutoCommitEnabled
	o.mu.Unlock()
}

func (o *Orchestrator) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || o.opts.Workspace == "" {
		return path
	}
	return filepath.Join(o.opts.Workspace, path)
}

// buildProvider maps a provider config onto a concrete backend. Unusable
// HTTP configs degrade to the canned responder rather than failing at
// call time every cycle.
func (o *Orchestrator) buildProvider(name string, pc config.ProviderConfig) types.InferenceProvider {
	if o.opts.Offline {
		return provider.NewStaticProvider(name)
	}
	switch pc.Provider {
	case "http":
		if pc.BaseURL == "" {
			logging.ConfigWarn("%s provider configured as http without base_url; using static responder", name)
			return provider.NewStaticProvider(name)
		}
		return provider.NewHTTPProvider(provider.HTTPConfig{
			Name:    name,
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
		})
	case "local":
		return provider.NewLocalProvider(pc.BaseURL, pc.Model)
	case "static", "":
		return provider.NewStaticProvider(name)
	default:
		logging.ConfigWarn("unknown provider %q for %s tier; using static responder", pc.Provider, name)
		return provider.NewStaticProvider(name)
	}
}
