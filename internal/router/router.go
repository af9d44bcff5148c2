// Package router routes classified thoughts to the deep or rote inference
// tier, enforcing the token budget and falling back on deep-tier failure.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mindloop/internal/budget"
	"mindloop/internal/bus"
	"mindloop/internal/classifier"
	"mindloop/internal/logging"
	"mindloop/internal/types"
)

// Defaults for dispatch behavior.
const (
	DefaultMaxRetries   = 3
	DefaultDeadline     = 30 * time.Second
	DefaultDeepEstimate = 2000
)

// Config tunes the router.
type Config struct {
	MaxRetries   int
	Deadline     time.Duration
	DeepEstimate int // tokens quoted against the budget before a deep call
}

// DefaultConfig returns the standard routing settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   DefaultMaxRetries,
		Deadline:     DefaultDeadline,
		DeepEstimate: DefaultDeepEstimate,
	}
}

// RouteContext is the per-call context the engine supplies.
type RouteContext struct {
	CycleNo        int
	RecentThoughts []types.Thought
	RecentMemories []types.Memory
	NoFallback     bool
	MaxTokens      int
	Temperature    float64
}

// Router is the tier dispatch state machine:
// classify, quote, dispatch with retry, optional rote fallback, charge, record.
type Router struct {
	cfg        Config
	classifier *classifier.Classifier
	budget     *budget.Manager
	deep       types.InferenceProvider
	rote       types.InferenceProvider
	events     *bus.Bus // nil disables publication

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a router. events may be nil.
func New(cfg Config, cls *classifier.Classifier, bm *budget.Manager, deep, rote types.InferenceProvider, events *bus.Bus) *Router {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.DeepEstimate <= 0 {
		cfg.DeepEstimate = def.DeepEstimate
	}
	return &Router{
		cfg:        cfg,
		classifier: cls,
		budget:     bm,
		deep:       deep,
		rote:       rote,
		events:     events,
		sleep:      sleepCtx,
	}
}

// Route runs one thought through the state machine and returns the result.
// Cancellation is honored at every blocking boundary.
func (r *Router) Route(ctx context.Context, thought types.Thought, rc RouteContext) (types.InferenceResult, error) {
	timer := logging.StartTimer("router", "route")
	defer timer.StopWithThreshold(5 * time.Second)

	cls := r.classify(thought, rc)
	tier := cls.Tier

	var result types.InferenceResult
	if tier == types.TierDeep {
		quote := r.budget.Quote(r.cfg.DeepEstimate)
		if !quote.Affordable {
			logging.Router("deep downgraded to rote: %d tokens remaining", quote.Remaining)
			tier = types.TierRote
			result.BudgetOverridden = true
		}
	}

	gen, err := r.dispatch(ctx, tier, thought, rc)
	if err != nil && ctx.Err() != nil {
		return types.InferenceResult{}, ctx.Err()
	}
	if err != nil && tier == types.TierDeep && !rc.NoFallback {
		lastErr := err
		logging.RouterWarn("deep tier exhausted, falling back to rote: %v", lastErr)
		tier = types.TierRote
		result.FallbackReason = lastErr.Error()
		gen, err = r.dispatchOnce(ctx, r.rote, thought, rc)
		if err != nil {
			r.classifier.RecordOutcome(tier, cls.DeepScore, 0, true)
			return types.InferenceResult{}, fmt.Errorf("fallback after %w: %v", lastErr, err)
		}
	} else if err != nil {
		r.classifier.RecordOutcome(tier, cls.DeepScore, 0, true)
		return types.InferenceResult{}, err
	}

	result.Text = gen.Text
	result.Tier = tier
	result.TokensUsed = gen.TokensUsed
	result.Duration = gen.Duration

	if tier == types.TierDeep && gen.TokensUsed > 0 {
		if err := r.budget.Charge(gen.TokensUsed, types.TierDeep); err != nil {
			// The call already happened; an overrun here is informational.
			logging.RouterWarn("post-call charge failed: %v", err)
		}
	}

	r.classifier.RecordOutcome(tier, cls.DeepScore, gen.TokensUsed, false)
	r.publish(types.TopicThoughtProcessed, result)
	return result, nil
}

// classify never fails the request: any panic inside the classifier is
// recovered and the thought defaults to rote.
func (r *Router) classify(thought types.Thought, rc RouteContext) (cls types.Classification) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.RouterWarn("classification failed: %v", rec)
			cls = types.Classification{
				Tier:   types.TierRote,
				Reason: "classification failed",
			}
		}
	}()
	cls = r.classifier.Classify(thought, rc.RecentThoughts)
	logging.RouterDebug("classified %s as %s (score=%.2f, %s)", thought.ID, cls.Tier, cls.DeepScore, cls.Reason)
	return cls
}

// dispatch calls the tier's provider with linear backoff between attempts.
func (r *Router) dispatch(ctx context.Context, tier types.Tier, thought types.Thought, rc RouteContext) (types.GenerateResult, error) {
	provider := r.provider(tier)
	if provider == nil {
		return types.GenerateResult{}, fmt.Errorf("no %s provider configured", tier)
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := r.sleep(ctx, time.Duration(attempt-1)*time.Second); err != nil {
				return types.GenerateResult{}, err
			}
		}
		gen, err := r.generate(ctx, provider, thought, rc)
		if err == nil {
			return gen, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return types.GenerateResult{}, err
		}
		logging.RouterWarn("%s attempt %d/%d failed: %v", tier, attempt, r.cfg.MaxRetries, err)
	}
	return types.GenerateResult{}, fmt.Errorf("%s tier failed after %d attempts: %w", tier, r.cfg.MaxRetries, lastErr)
}

// dispatchOnce is the single-shot fallback path; it never recurses into retry.
func (r *Router) dispatchOnce(ctx context.Context, provider types.InferenceProvider, thought types.Thought, rc RouteContext) (types.GenerateResult, error) {
	if provider == nil {
		return types.GenerateResult{}, errors.New("no rote provider configured")
	}
	return r.generate(ctx, provider, thought, rc)
}

func (r *Router) generate(ctx context.Context, provider types.InferenceProvider, thought types.Thought, rc RouteContext) (types.GenerateResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
	defer cancel()
	return provider.Generate(callCtx, thought.Content, types.GenerateOptions{
		MaxTokens:   rc.MaxTokens,
		Temperature: rc.Temperature,
		Deadline:    r.cfg.Deadline,
	})
}

func (r *Router) provider(tier types.Tier) types.InferenceProvider {
	if tier == types.TierDeep {
		return r.deep
	}
	return r.rote
}

func (r *Router) publish(topic types.Topic, payload interface{}) {
	if r.events != nil {
		r.events.Publish(topic, payload)
	}
}

// sleepCtx waits d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
