// Package classifier scores thoughts on five weighted dimensions and decides
// which inference tier should handle them. Classification is a pure function
// of the thought and the recent-thought window; the only mutable state is the
// adaptive tier threshold.
package classifier

import (
	"strings"
	"sync"

	"mindloop/internal/logging"
	"mindloop/internal/types"
)

// Weights for the five dimensions. Must sum to 1.
type Weights struct {
	Complexity  float64
	Novelty     float64
	Creativity  float64
	Uncertainty float64
	Stakes      float64
}

// DefaultWeights mirror the relative cost of misrouting each dimension.
func DefaultWeights() Weights {
	return Weights{
		Complexity:  0.30,
		Novelty:     0.20,
		Creativity:  0.20,
		Uncertainty: 0.15,
		Stakes:      0.15,
	}
}

const (
	thresholdMin  = 0.4
	thresholdMax  = 0.8
	thresholdStep = 0.02

	// outcomeWindow is how many routed outcomes feed one threshold adjustment.
	outcomeWindow = 20

	// shortDeepTokens marks a deep completion cheap enough that rote would
	// have done; cheapRoteTokens marks a rote completion long enough that
	// deep was probably warranted.
	shortDeepTokens = 256
	cheapRoteTokens = 1024
)

// outcome is one routed result used for threshold adaptation.
type outcome struct {
	tier      types.Tier
	deepScore float64
	tokens    int
	failed    bool
}

// Classifier routes thoughts to tiers. Safe for concurrent use.
type Classifier struct {
	weights Weights

	mu        sync.Mutex
	threshold float64
	outcomes  []outcome
}

// New creates a classifier with the given initial tier threshold.
func New(threshold float64) *Classifier {
	if threshold < thresholdMin || threshold > thresholdMax {
		threshold = 0.6
	}
	return &Classifier{
		weights:   DefaultWeights(),
		threshold: threshold,
	}
}

// Threshold returns the current tier cutoff.
func (c *Classifier) Threshold() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threshold
}

// Classify scores a thought against the recent window. It never errors and
// never performs I/O; empty content short-circuits to the rote tier.
func (c *Classifier) Classify(thought types.Thought, recent []types.Thought) types.Classification {
	if strings.TrimSpace(thought.Content) == "" {
		return types.Classification{
			Tier:       types.TierRote,
			DeepScore:  0.1,
			Confidence: 1,
			Reason:     "empty content",
		}
	}

	tokens := tokenize(thought.Content)
	factors := types.FactorScores{
		Complexity:  scoreComplexity(thought, tokens),
		Novelty:     scoreNovelty(tokens, recent),
		Creativity:  scoreCreativity(thought, tokens),
		Uncertainty: scoreUncertainty(thought.Content, tokens),
		Stakes:      scoreStakes(thought, tokens),
	}

	w := c.weights
	deepScore := clamp01(w.Complexity*factors.Complexity +
		w.Novelty*factors.Novelty +
		w.Creativity*factors.Creativity +
		w.Uncertainty*factors.Uncertainty +
		w.Stakes*factors.Stakes)

	threshold := c.Threshold()
	tier := types.TierRote
	if deepScore > threshold {
		tier = types.TierDeep
	}
	confidence := abs(deepScore-threshold) / 0.4
	if confidence > 1 {
		confidence = 1
	}

	cls := types.Classification{
		Tier:       tier,
		DeepScore:  deepScore,
		Confidence: confidence,
		Factors:    factors,
		Reason:     topFactorReason(factors, tier),
	}
	logging.ClassifierDebug("classified %q as %s (score=%.2f threshold=%.2f)", thought.ID, tier, deepScore, threshold)
	return cls
}

// RecordOutcome feeds a routed result back for threshold adaptation. Once the
// window holds outcomeWindow samples, a clearly one-sided misclassification
// pattern nudges the threshold by thresholdStep per net mismatch; a balanced
// window (within one sample) leaves it alone. The window is consumed either
// way, so replaying the same call is idempotent.
func (c *Classifier) RecordOutcome(tier types.Tier, deepScore float64, tokensUsed int, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outcomes = append(c.outcomes, outcome{tier: tier, deepScore: deepScore, tokens: tokensUsed, failed: failed})
	if len(c.outcomes) < outcomeWindow {
		return
	}

	overDeep, underDeep := 0, 0
	for _, o := range c.outcomes {
		switch {
		case o.tier == types.TierDeep && !o.failed && o.tokens > 0 && o.tokens < shortDeepTokens:
			// Deep call that barely used the tier: classifier leaned deep.
			overDeep++
		case o.tier == types.TierRote && o.deepScore >= c.threshold-0.05 && o.tokens >= cheapRoteTokens:
			// Borderline rote call that ballooned: classifier leaned rote.
			underDeep++
		}
	}
	c.outcomes = c.outcomes[:0]

	net := overDeep - underDeep
	if net >= -1 && net <= 1 {
		return // balanced within one sample: no adjustment
	}

	old := c.threshold
	shift := float64(net) * thresholdStep
	c.threshold = clampRange(c.threshold+shift, thresholdMin, thresholdMax)
	if c.threshold != old {
		logging.Classifier("adaptive threshold %.2f -> %.2f (over=%d under=%d)", old, c.threshold, overDeep, underDeep)
	}
}

// ---------------------------------------------------------------------------
// Dimension scorers. Each returns a value clamped to [0,1].
// ---------------------------------------------------------------------------

func scoreComplexity(thought types.Thought, tokens []string) float64 {
	score := 0.0

	// Length contributes up to 0.4.
	score += float64(len(tokens)) / 60.0 * 0.4
	if score > 0.4 {
		score = 0.4
	}

	score += 0.15 * float64(countIn(tokens, complexWords))
	score -= 0.10 * float64(countIn(tokens, simpleWords))

	// Clause separators hint at multi-part reasoning.
	seps := strings.Count(thought.Content, ",") + strings.Count(thought.Content, ";") +
		strings.Count(thought.Content, " and ") + strings.Count(thought.Content, " but ")
	score += 0.05 * float64(seps)

	switch thought.Kind {
	case types.KindReflection, types.KindMeta:
		score += 0.15
	case types.KindCommand:
		score -= 0.10
	}
	return clamp01(score)
}

func scoreNovelty(tokens []string, recent []types.Thought) float64 {
	if len(recent) == 0 {
		return 0.8
	}
	bag := wordBag(tokens)
	maxSim := 0.0
	for _, r := range recent {
		sim := jaccard(bag, wordBag(tokenize(r.Content)))
		if sim > maxSim {
			maxSim = sim
		}
	}
	return clamp01(1 - maxSim)
}

func scoreCreativity(thought types.Thought, tokens []string) float64 {
	score := 0.3
	score += 0.2 * float64(countIn(tokens, creativeWords))
	score += 0.3 * float64(countIn(tokens, generativeWords))
	score -= 0.15 * float64(countIn(tokens, deterministicWords))

	// Open-ended question heuristic: interrogative without a bounded answer.
	content := strings.ToLower(thought.Content)
	if strings.Contains(content, "?") &&
		(strings.HasPrefix(content, "what if") || strings.HasPrefix(content, "how might") ||
			strings.HasPrefix(content, "why") || strings.Contains(content, "imagine")) {
		score += 0.25
	}

	switch thought.Kind {
	case types.KindIdea:
		score += 0.2
	case types.KindCommand:
		score -= 0.15
	}
	return clamp01(score)
}

func scoreUncertainty(content string, tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	hedges := float64(countIn(tokens, hedgeWords))
	vagues := float64(countIn(tokens, vagueWords))
	score := 0.2 + (hedges*1.5+vagues)/float64(len(tokens))*4

	hasAnchors := strings.ContainsAny(content, "0123456789") ||
		strings.Contains(content, "\"") || strings.Contains(content, "'")

	// Long abstract content with nothing concrete to anchor on is open-ended.
	if len(tokens) >= 8 && !hasAnchors && countIn(tokens, deterministicWords) == 0 {
		score += 0.3
	}
	if strings.ContainsAny(content, "0123456789") {
		score -= 0.15
	}
	if strings.Contains(content, "\"") || strings.Contains(content, "'") {
		score -= 0.1
	}
	return clamp01(score)
}

func scoreStakes(thought types.Thought, tokens []string) float64 {
	score := 0.25
	score += 0.25 * float64(countIn(tokens, highStakesWords))
	score -= 0.15 * float64(countIn(tokens, lowStakesWords))

	// Structural work carries consequences even without danger words.
	structural := countIn(tokens, complexWords)
	if structural > 3 {
		structural = 3
	}
	score += 0.1 * float64(structural)

	switch thought.Kind {
	case types.KindError:
		score += 0.3
	case types.KindCommand:
		score += 0.1
	}
	if thought.Priority == types.PriorityHigh {
		score += 0.15
	}
	return clamp01(score)
}

// topFactorReason names the two strongest contributing factors.
func topFactorReason(f types.FactorScores, tier types.Tier) string {
	type fs struct {
		name  string
		score float64
	}
	all := []fs{
		{"complexity", f.Complexity},
		{"novelty", f.Novelty},
		{"creativity", f.Creativity},
		{"uncertainty", f.Uncertainty},
		{"stakes", f.Stakes},
	}
	first, second := 0, 1
	if all[second].score > all[first].score {
		first, second = second, first
	}
	for i := 2; i < len(all); i++ {
		if all[i].score > all[first].score {
			second = first
			first = i
		} else if all[i].score > all[second].score {
			second = i
		}
	}
	return string(tier) + ": led by " + all[first].name + ", " + all[second].name
}

func clamp01(v float64) float64 {
	return clampRange(v, 0, 1)
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
