// Package actions defines the agent's callable actions and the
// dispatcher that executes the calls a generation round asks for.
package actions

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nugget/reeve/internal/memory"
	"github.com/nugget/reeve/internal/state"
)

// HandlerFunc executes one action call. The returned value is
// serialized to JSON into the call's Result memory.
type HandlerFunc func(ctx context.Context, msg *memory.Memory, st *state.State, params map[string]any) (any, error)

// Action represents a callable action. Registered once at startup;
// stateless; the same definition serves every matching call.
type Action struct {
	Name        string
	Description string

	// Parameters is the JSON-schema parameter spec shown to the model
	// and used to validate incoming calls.
	Parameters map[string]any

	// ParametersFunc, when set, computes the schema from live
	// conversation state instead of Parameters. This lets an action
	// narrow or widen what it accepts per turn.
	ParametersFunc func(ctx context.Context, msg *memory.Memory, st *state.State) map[string]any

	Handler HandlerFunc

	// Available gates the action per turn. Nil means always available.
	Available func(ctx context.Context, st *state.State) bool

	// Enabled actions are offered in the chat prompt. Disabled ones
	// stay callable (the follow-up prompt lists everything) but are
	// not advertised.
	Enabled bool
}

// Schema resolves the action's parameter spec for the given turn.
func (a *Action) Schema(ctx context.Context, msg *memory.Memory, st *state.State) map[string]any {
	if a.ParametersFunc != nil {
		return a.ParametersFunc(ctx, msg, st)
	}
	return a.Parameters
}

// Registry holds the registered actions in registration order.
// Duplicate names are allowed to coexist; Lookup returns the first
// registration, so loaders that care must dedupe before registering.
type Registry struct {
	mu      sync.RWMutex
	actions []*Action
	logger  *slog.Logger
}

// NewRegistry creates an empty action registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register appends an action.
func (r *Registry) Register(a *Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.actions {
		if existing.Name == a.Name {
			r.logger.Warn("duplicate action name registered", "name", a.Name)
			break
		}
	}
	r.actions = append(r.actions, a)
}

// Lookup returns the first-registered action with the given name.
func (r *Registry) Lookup(name string) (*Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.actions {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// All returns every registered action in registration order.
func (r *Registry) All() []*Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Action, len(r.actions))
	copy(out, r.actions)
	return out
}

// Enabled returns the actions offered in the chat prompt this turn:
// enabled and, when gated, available.
func (r *Registry) Enabled(ctx context.Context, st *state.State) []*Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Action
	for _, a := range r.actions {
		if !a.Enabled {
			continue
		}
		if a.Available != nil && !a.Available(ctx, st) {
			continue
		}
		out = append(out, a)
	}
	return out
}
