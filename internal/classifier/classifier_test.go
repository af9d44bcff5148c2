package classifier

import (
	"testing"

	"mindloop/internal/types"
)

func thought(content string, kind types.ThoughtKind) types.Thought {
	return types.Thought{ID: types.NewID(types.PrefixThought), Content: content, Kind: kind}
}

func TestClassify_EmptyContentIsRote(t *testing.T) {
	c := New(0.6)
	cls := c.Classify(thought("   ", types.KindCommand), nil)
	if cls.Tier != types.TierRote {
		t.Fatalf("tier=%s, want rote", cls.Tier)
	}
	if cls.DeepScore != 0.1 {
		t.Fatalf("score=%v, want 0.1", cls.DeepScore)
	}
}

func TestClassify_ArchitectureThoughtGoesDeep(t *testing.T) {
	c := New(0.6)
	th := thought("Design a lock-free concurrent queue architecture, analyze the tradeoffs, and prove the ordering invariant holds under contention", types.KindReflection)
	cls := c.Classify(th, nil)
	if cls.Tier != types.TierDeep {
		t.Fatalf("tier=%s score=%.2f factors=%+v, want deep", cls.Tier, cls.DeepScore, cls.Factors)
	}
	if cls.DeepScore < 0.6 {
		t.Fatalf("deepScore=%.2f, want >= 0.6", cls.DeepScore)
	}
}

func TestClassify_TrivialCommandStaysRote(t *testing.T) {
	c := New(0.6)
	cls := c.Classify(thought("show status", types.KindCommand), nil)
	if cls.Tier != types.TierRote {
		t.Fatalf("tier=%s score=%.2f, want rote", cls.Tier, cls.DeepScore)
	}
}

func TestClassify_FactorsAndScoreBounded(t *testing.T) {
	c := New(0.6)
	inputs := []types.Thought{
		thought("design design design architecture algorithm optimize tradeoff invariant protocol", types.KindMeta),
		thought("maybe perhaps possibly might could unsure unclear probably", types.KindQuestion),
		thought("delete destroy irreversible production security critical permanent", types.KindError),
		thought("ok", types.KindCommand),
	}
	for _, th := range inputs {
		cls := c.Classify(th, nil)
		for name, v := range map[string]float64{
			"complexity":  cls.Factors.Complexity,
			"novelty":     cls.Factors.Novelty,
			"creativity":  cls.Factors.Creativity,
			"uncertainty": cls.Factors.Uncertainty,
			"stakes":      cls.Factors.Stakes,
			"deepScore":   cls.DeepScore,
		} {
			if v < 0 || v > 1 {
				t.Fatalf("%s=%v out of [0,1] for %q", name, v, th.Content)
			}
		}
		// Tier must agree with score vs threshold.
		wantDeep := cls.DeepScore > c.Threshold()
		if (cls.Tier == types.TierDeep) != wantDeep {
			t.Fatalf("tier=%s disagrees with score=%.2f threshold=%.2f", cls.Tier, cls.DeepScore, c.Threshold())
		}
	}
}

func TestClassify_NoveltyAgainstRecentWindow(t *testing.T) {
	c := New(0.6)
	th := thought("optimize the cache eviction strategy", types.KindReflection)

	fresh := c.Classify(th, nil)
	if fresh.Factors.Novelty != 0.8 {
		t.Fatalf("novelty with empty history=%v, want 0.8", fresh.Factors.Novelty)
	}

	repeat := c.Classify(th, []types.Thought{th})
	if repeat.Factors.Novelty >= fresh.Factors.Novelty {
		t.Fatalf("repeat novelty=%v should drop below fresh=%v", repeat.Factors.Novelty, fresh.Factors.Novelty)
	}
}

func TestRecordOutcome_RaisesThresholdWhenDeepRunsCheap(t *testing.T) {
	c := New(0.6)
	// 20 deep calls that all used trivially few tokens.
	for i := 0; i < 20; i++ {
		c.RecordOutcome(types.TierDeep, 0.7, 100, false)
	}
	if got := c.Threshold(); got <= 0.6 {
		t.Fatalf("threshold=%v, want raised above 0.6", got)
	}
	if got := c.Threshold(); got > 0.8 {
		t.Fatalf("threshold=%v above clamp", got)
	}
}

func TestRecordOutcome_BalancedWindowNoChange(t *testing.T) {
	c := New(0.6)
	for i := 0; i < 10; i++ {
		c.RecordOutcome(types.TierDeep, 0.7, 100, false)        // leans deep
		c.RecordOutcome(types.TierRote, 0.58, 2048, false)      // leans rote
	}
	if got := c.Threshold(); got != 0.6 {
		t.Fatalf("threshold=%v, want unchanged 0.6 for balanced window", got)
	}
}

func TestRecordOutcome_WindowConsumedIdempotently(t *testing.T) {
	c := New(0.6)
	for i := 0; i < 20; i++ {
		c.RecordOutcome(types.TierDeep, 0.7, 100, false)
	}
	after := c.Threshold()
	// A single extra outcome must not trigger another adjustment.
	c.RecordOutcome(types.TierDeep, 0.7, 100, false)
	if got := c.Threshold(); got != after {
		t.Fatalf("threshold=%v changed without a full window (was %v)", got, after)
	}
}

func TestRecordOutcome_ClampBounds(t *testing.T) {
	c := New(0.78)
	for round := 0; round < 5; round++ {
		for i := 0; i < 20; i++ {
			c.RecordOutcome(types.TierDeep, 0.9, 50, false)
		}
	}
	if got := c.Threshold(); got > 0.8 {
		t.Fatalf("threshold=%v exceeded 0.8 clamp", got)
	}
}
