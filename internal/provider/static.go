package provider

import (
	"context"
	"sync"
	"time"

	"mindloop/internal/types"
)

// StaticProvider cycles through canned responses. Used for offline runs and
// as the zero-cost rote tier when no local server is configured.
type StaticProvider struct {
	name      string
	responses []string

	mu   sync.Mutex
	next int
}

// NewStaticProvider creates a provider that answers from the given responses
// in rotation. With no responses it echoes a fixed acknowledgement.
func NewStaticProvider(name string, responses ...string) *StaticProvider {
	if name == "" {
		name = "static"
	}
	if len(responses) == 0 {
		responses = []string{"Noted. Continuing the loop."}
	}
	return &StaticProvider{name: name, responses: responses}
}

// Name identifies the provider.
func (p *StaticProvider) Name() string { return p.name }

// Generate returns the next canned response. Honors cancellation but never
// fails otherwise.
func (p *StaticProvider) Generate(ctx context.Context, prompt string, opts types.GenerateOptions) (types.GenerateResult, error) {
	if err := ctx.Err(); err != nil {
		return types.GenerateResult{}, err
	}
	p.mu.Lock()
	text := p.responses[p.next%len(p.responses)]
	p.next++
	p.mu.Unlock()

	return types.GenerateResult{
		Text:       text,
		TokensUsed: estimateTokens(text),
		Duration:   time.Millisecond,
	}, nil
}
