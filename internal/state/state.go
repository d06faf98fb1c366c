// Package state assembles the snapshot a turn reasons over: recent
// messages, the actor roster, in-flight and completed actions, and
// prior thoughts for one room. A State is rebuilt fresh at the start of
// every turn and refreshed after action batches; it is never persisted.
package state

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/reeve/internal/actors"
	"github.com/nugget/reeve/internal/memory"
)

// Roster supplies the actor list for a room. *actors.Store satisfies
// it.
type Roster interface {
	Participants(ctx context.Context, roomID string) ([]actors.Actor, error)
}

// Room identifies the conversation scope a State was composed for.
type Room struct {
	ID string
}

// Actions partitions a room's action memories by phase. Both maps are
// keyed by the call memory's ID so a call and its result line up.
type Actions struct {
	Calls   map[string]*memory.Memory
	Results map[string]*memory.Memory
	// Processing holds call IDs that have no result yet. Derived, not
	// stored: recomposing after a result lands removes the entry.
	Processing map[string]bool
}

// State is the per-turn read model. Messages and Thoughts are in
// chronological order, oldest first, ready for prompt assembly.
type State struct {
	Agent    actors.Actor
	Room     Room
	Messages []*memory.Memory
	Actors   []actors.Actor
	Actions  Actions
	Thoughts []*memory.Memory
}

// ActorName resolves an actor ID to a display name using the roster,
// falling back to the username, the agent, and finally the raw ID.
func (s *State) ActorName(id string) string {
	for _, a := range s.Actors {
		if a.ID != id {
			continue
		}
		if a.Name != "" {
			return a.Name
		}
		if a.Username != "" {
			return a.Username
		}
	}
	if id == s.Agent.ID && s.Agent.Name != "" {
		return s.Agent.Name
	}
	return id
}

// Composer builds States from the memory store and actor roster.
type Composer struct {
	store  memory.Store
	roster Roster
	agent  actors.Actor
	window int
	logger *slog.Logger
}

// DefaultWindow bounds how many memories of each kind a snapshot
// carries when the config does not say otherwise.
const DefaultWindow = 32

// NewComposer creates a composer for the given agent identity. The
// window caps how many messages and thoughts a snapshot includes.
func NewComposer(store memory.Store, roster Roster, agent actors.Actor, window int, logger *slog.Logger) *Composer {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		store:  store,
		roster: roster,
		agent:  agent,
		window: window,
		logger: logger,
	}
}

// Compose builds a fresh snapshot for one room: roster, recent
// messages, partitioned actions, and thoughts.
func (c *Composer) Compose(ctx context.Context, roomID string) (*State, error) {
	roster, err := c.roster.Participants(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("compose state for %s: %w", roomID, err)
	}

	st := &State{
		Agent:  c.agent,
		Room:   Room{ID: roomID},
		Actors: roster,
	}
	if err := c.fill(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Refresh re-queries the room's memories and returns an updated copy of
// st. The roster and agent identity are carried over unchanged; callers
// use this after a dispatch batch to see new results without paying for
// an actor lookup.
func (c *Composer) Refresh(ctx context.Context, st *State) (*State, error) {
	next := &State{
		Agent:  st.Agent,
		Room:   st.Room,
		Actors: st.Actors,
	}
	if err := c.fill(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (c *Composer) fill(ctx context.Context, st *State) error {
	roomID := st.Room.ID

	msgs, err := c.store.GetMemories(ctx, memory.Query{
		RoomID: roomID,
		Type:   memory.TypeMessage,
		Count:  c.window,
	})
	if err != nil {
		return fmt.Errorf("compose messages for %s: %w", roomID, err)
	}
	st.Messages = chronological(msgs)

	// Calls and results pair up, so the action window is twice the
	// message window to keep whole pairs in view.
	acts, err := c.store.GetMemories(ctx, memory.Query{
		RoomID: roomID,
		Type:   memory.TypeAction,
		Count:  2 * c.window,
	})
	if err != nil {
		return fmt.Errorf("compose actions for %s: %w", roomID, err)
	}
	st.Actions = partition(acts)

	thoughts, err := c.store.GetMemories(ctx, memory.Query{
		RoomID: roomID,
		Type:   memory.TypeThought,
		Count:  c.window,
	})
	if err != nil {
		return fmt.Errorf("compose thoughts for %s: %w", roomID, err)
	}
	st.Thoughts = chronological(thoughts)

	return nil
}

// partition splits action memories into call and result maps and
// derives the processing set: calls with no matching result.
func partition(acts []*memory.Memory) Actions {
	out := Actions{
		Calls:      make(map[string]*memory.Memory),
		Results:    make(map[string]*memory.Memory),
		Processing: make(map[string]bool),
	}
	for _, m := range acts {
		ac, ok := m.Action()
		if !ok {
			continue
		}
		switch ac.Kind {
		case memory.ActionCall:
			out.Calls[m.ID] = m
		case memory.ActionResult:
			// A result can outlive its call's window slot; keep it
			// anyway so processing stays accurate.
			out.Results[ac.CallID] = m
		}
	}
	for id := range out.Calls {
		if _, done := out.Results[id]; !done {
			out.Processing[id] = true
		}
	}
	return out
}

// chronological flips a newest-first query result into oldest-first
// order for prompt assembly.
func chronological(in []*memory.Memory) []*memory.Memory {
	out := make([]*memory.Memory, len(in))
	for i, m := range in {
		out[len(in)-1-i] = m
	}
	return out
}
