// Package thought provides the default ThoughtSource: a deterministic
// rotation of self-assessment, curiosity, and reflection prompts seeded from
// the loop's own state.
package thought

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"mindloop/internal/logging"
	"mindloop/internal/types"
)

// Generator rotates through prompt templates, filling them from the loop
// state so consecutive thoughts stay grounded in what the loop just did.
type Generator struct {
	mu  sync.Mutex
	n   int
	now func() time.Time
}

// NewGenerator creates the default thought source.
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// Next produces the next thought. Never blocks and never fails; the context
// is accepted for contract symmetry with injected sources.
func (g *Generator) Next(ctx context.Context, state types.LoopState) (types.Thought, error) {
	if err := ctx.Err(); err != nil {
		return types.Thought{}, err
	}

	g.mu.Lock()
	turn := g.n
	g.n++
	g.mu.Unlock()

	var content string
	var kind types.ThoughtKind
	switch turn % 4 {
	case 0:
		content, kind = selfAssessment(state)
	case 1:
		content, kind = curiosity(state)
	case 2:
		content, kind = reflection(state)
	default:
		content, kind = metaCheck(state)
	}

	th := types.Thought{
		ID:        types.NewID(types.PrefixThought),
		Content:   content,
		Kind:      kind,
		Priority:  types.PriorityMedium,
		Source:    "generator",
		CreatedAt: g.now(),
	}
	logging.Thought("generated %s thought %s", th.Kind, th.ID)
	return th, nil
}

func selfAssessment(state types.LoopState) (string, types.ThoughtKind) {
	return fmt.Sprintf(
		"Assess the last few cycles: %d completed, buffer pressure %.0f%%, %d tokens remaining today. What is working and what should change?",
		state.CycleNo, state.BufferPressure*100, state.BudgetRemain,
	), types.KindReflection
}

func curiosity(state types.LoopState) (string, types.ThoughtKind) {
	if len(state.RecentMemories) > 0 {
		m := state.RecentMemories[0]
		return fmt.Sprintf("Explore an open question raised by %q. What possibility has not been considered yet?", m.Summary), types.KindQuestion
	}
	return "Explore a question worth thinking about next. What possibility deserves attention?", types.KindQuestion
}

func reflection(state types.LoopState) (string, types.ThoughtKind) {
	if len(state.RecentThoughts) > 0 {
		var topics []string
		for _, t := range state.RecentThoughts {
			if len(topics) >= 3 {
				break
			}
			topics = append(topics, firstWords(t.Content, 6))
		}
		return fmt.Sprintf("Reflect on the recent train of thought (%s). Synthesize what connects these threads.", strings.Join(topics, "; ")), types.KindReflection
	}
	return "Reflect on the current direction of this loop and synthesize a theme.", types.KindReflection
}

func metaCheck(state types.LoopState) (string, types.ThoughtKind) {
	return fmt.Sprintf(
		"Check the loop's own behavior after %d dreams: is the cadence of %s appropriate, and is memory being consolidated at a reasonable rate?",
		state.DreamsRun, state.CycleInterval,
	), types.KindMeta
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}
