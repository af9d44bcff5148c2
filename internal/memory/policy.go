package memory

import (
	"fmt"
	"sort"

	"mindloop/internal/types"
)

// PolicyWeights are the five promotion factor weights. They are normalized to
// sum to 1 before scoring.
type PolicyWeights struct {
	Importance        float64
	EmotionalSalience float64
	Novelty           float64
	AccessFrequency   float64
	ValueAlignment    float64
}

// DefaultPolicyWeights returns the standard factor weighting.
func DefaultPolicyWeights() PolicyWeights {
	return PolicyWeights{
		Importance:        0.30,
		EmotionalSalience: 0.20,
		Novelty:           0.15,
		AccessFrequency:   0.20,
		ValueAlignment:    0.15,
	}
}

func (w PolicyWeights) sum() float64 {
	return w.Importance + w.EmotionalSalience + w.Novelty + w.AccessFrequency + w.ValueAlignment
}

// BiasFlagger is the slice of the bias detector the policy consumes: whether
// a memory embeds a currently-flagged value.
type BiasFlagger interface {
	FlagMemory(m types.Memory) (types.BiasFinding, bool)
}

// Policy evaluates a single memory for promotion. Pure given its inputs.
type Policy struct {
	weights   PolicyWeights
	threshold float64
	flagger   BiasFlagger
}

// NewPolicy creates a consolidation policy. A nil flagger means value
// alignment falls back to a neutral score.
func NewPolicy(threshold float64, flagger BiasFlagger) *Policy {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.6
	}
	return &Policy{
		weights:   DefaultPolicyWeights(),
		threshold: threshold,
		flagger:   flagger,
	}
}

// SetWeights replaces the factor weights.
func (p *Policy) SetWeights(w PolicyWeights) {
	p.weights = w
}

// Evaluate scores a memory against the promotion threshold. context holds the
// comparison set (recent buffer plus recent long-term memories) for novelty.
func (p *Policy) Evaluate(m types.Memory, context []types.Memory) types.ConsolidationEvaluation {
	factors := types.ConsolidationFactors{
		Importance:        factorImportance(m),
		EmotionalSalience: factorSalience(m),
		Novelty:           factorNovelty(m, context),
		AccessFrequency:   factorAccessFrequency(m.AccessCount),
		ValueAlignment:    p.factorValueAlignment(m),
	}

	total := p.weights.sum()
	if total == 0 {
		total = 1
	}
	score := (p.weights.Importance*factors.Importance +
		p.weights.EmotionalSalience*factors.EmotionalSalience +
		p.weights.Novelty*factors.Novelty +
		p.weights.AccessFrequency*factors.AccessFrequency +
		p.weights.ValueAlignment*factors.ValueAlignment) / total

	return types.ConsolidationEvaluation{
		MemoryID:       m.ID,
		PromotionScore: score,
		Threshold:      p.threshold,
		ShouldPromote:  score >= p.threshold,
		Factors:        factors,
		Reason:         policyReason(factors, score, p.threshold),
	}
}

func factorImportance(m types.Memory) float64 {
	score := m.Importance
	switch m.Kind {
	case "error", "insight":
		score += 0.15
	case "success":
		score += 0.05
	}
	return clamp01(score)
}

func factorSalience(m types.Memory) float64 {
	s := m.EmotionalSalience
	if s < 0 {
		s = -s
	}
	if s > 0 {
		return clamp01(s)
	}
	// Kind-derived fallback for memories recorded without salience.
	switch m.Kind {
	case "error":
		return 0.6
	case "insight":
		return 0.5
	case "success":
		return 0.4
	default:
		return 0.2
	}
}

func factorNovelty(m types.Memory, context []types.Memory) float64 {
	if len(context) == 0 {
		if m.Novelty > 0 {
			return clamp01(m.Novelty)
		}
		return 0.8
	}
	bag := bagOfWords(m.Summary + " " + m.Content)
	maxSim := 0.0
	for _, other := range context {
		if other.ID == m.ID {
			continue
		}
		sim := jaccardBags(bag, bagOfWords(other.Summary+" "+other.Content))
		if sim > maxSim {
			maxSim = sim
		}
	}
	return clamp01(1 - maxSim)
}

// factorAccessFrequency maps access counts onto [0.2, 1.0]:
// 0 accesses scores 0.2, 1 scores 0.3, rising linearly to 1.0 at 5+.
func factorAccessFrequency(count int) float64 {
	switch {
	case count <= 0:
		return 0.2
	case count >= 5:
		return 1.0
	default:
		return 0.3 + float64(count-1)*0.175
	}
}

func (p *Policy) factorValueAlignment(m types.Memory) float64 {
	if p.flagger == nil {
		return 0.7
	}
	finding, flagged := p.flagger.FlagMemory(m)
	if !flagged {
		return 0.9
	}
	if finding.BiasKind == types.BiasDiscriminatory {
		return 0.1
	}
	return 0.4
}

// policyReason names the top-two contributing factors.
func policyReason(f types.ConsolidationFactors, score, threshold float64) string {
	type fs struct {
		name  string
		score float64
	}
	all := []fs{
		{"importance", f.Importance},
		{"emotionalSalience", f.EmotionalSalience},
		{"novelty", f.Novelty},
		{"accessFrequency", f.AccessFrequency},
		{"valueAlignment", f.ValueAlignment},
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	verdict := "discard"
	if score >= threshold {
		verdict = "promote"
	}
	return fmt.Sprintf("%s (%.2f vs %.2f): led by %s, %s", verdict, score, threshold, all[0].name, all[1].name)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
