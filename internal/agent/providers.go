package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/nugget/reeve/internal/state"
)

// Provider contributes a named block of context to the generation
// prompts. Providers run concurrently at the start of a turn; a failed
// or empty provider simply contributes nothing.
type Provider interface {
	Name() string
	Provide(ctx context.Context, in *Inbound, st *state.State) (string, error)
}

// provide fans out to every registered provider and waits for all of
// them to settle. Failures and panics are logged and ignored — a
// provider can never block or fail the turn.
func (l *Loop) provide(ctx context.Context, in *Inbound, st *state.State) map[string]string {
	if len(l.providers) == 0 {
		return nil
	}

	type settled struct {
		name string
		text string
		err  error
	}
	out := make([]settled, len(l.providers))

	var wg sync.WaitGroup
	for i, p := range l.providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					out[i] = settled{name: p.Name(), err: fmt.Errorf("provider panicked: %v", r)}
				}
			}()
			text, err := p.Provide(ctx, in, st)
			out[i] = settled{name: p.Name(), text: text, err: err}
		}(i, p)
	}
	wg.Wait()

	provided := make(map[string]string)
	for _, s := range out {
		if s.err != nil {
			l.logger.Warn("context provider failed", "provider", s.name, "error", s.err)
			continue
		}
		if s.text != "" {
			provided[s.name] = s.text
		}
	}
	return provided
}

// sourceNotes describe each gateway's conventions so replies fit the
// medium they will travel over.
var sourceNotes = map[string]string{
	"api":  "Source: chat API. Conversational register; markdown is fine.",
	"mqtt": "Source: MQTT. Replies are published to a topic and often read by machines or small displays; keep them short and plain, no markdown.",
	"mail": "Source: email. Compose a complete, self-contained reply; a greeting and sign-off are appropriate.",
}

// SourceNotes is a Provider that tells the model which transport the
// conversation is happening over. Unknown sources contribute nothing.
type SourceNotes struct{}

// NewSourceNotes creates the channel-awareness provider.
func NewSourceNotes() *SourceNotes {
	return &SourceNotes{}
}

// Name implements Provider.
func (p *SourceNotes) Name() string { return "channel" }

// Provide implements Provider.
func (p *SourceNotes) Provide(_ context.Context, in *Inbound, _ *state.State) (string, error) {
	return sourceNotes[in.Source], nil
}
