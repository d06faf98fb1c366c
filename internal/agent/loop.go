// Package agent implements the orchestration loop: the state machine
// that turns one inbound message into private thoughts, outbound
// responses, and dispatched actions, bounded by a fixed number of
// action rounds per turn.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/reeve/internal/actions"
	"github.com/nugget/reeve/internal/actors"
	"github.com/nugget/reeve/internal/events"
	"github.com/nugget/reeve/internal/llm"
	"github.com/nugget/reeve/internal/memory"
	"github.com/nugget/reeve/internal/persona"
	"github.com/nugget/reeve/internal/prompts"
	"github.com/nugget/reeve/internal/state"
)

// MaxActionRounds caps the dispatch/follow-up cycle within one turn.
// The model can keep requesting actions forever; the budget guarantees
// the turn terminates. Calls still pending when the budget runs out
// are dropped.
const MaxActionRounds = 3

// DefaultLLMTimeout bounds a single generation call when no timeout
// was configured.
const DefaultLLMTimeout = 120 * time.Second

// Inbound is one message arriving from a gateway, normalized to what
// the loop needs. Sender carries the gateway's stable actor identity
// (for example "mail:jo@example.com"); the loop creates the actor on
// first contact.
type Inbound struct {
	RoomID      string
	RoomName    string // optional display name, backfilled on first use
	Sender      actors.Actor
	Text        string
	Source      string // gateway name: "api", "mqtt", "mail"
	InReplyTo   string
	Attachments []string
}

// Client delivers a composed outbound message to a transport. The
// returned copy may be transport-enriched (say, with a platform
// message ID); the loop logs it and moves on. The memory record is the
// source of truth, so a delivery failure never fails the turn.
type Client interface {
	DeliverMessage(ctx context.Context, m *memory.Memory) (*memory.Memory, error)
}

// Loop is the orchestration core. One Loop serves every room; turns
// for the same room are serialized, different rooms proceed in
// parallel.
type Loop struct {
	agent      actors.Actor
	store      memory.Store
	directory  *actors.Store
	composer   *state.Composer
	registry   *actions.Registry
	dispatcher *actions.Dispatcher
	llm        llm.Client
	persona    *persona.Loader
	providers  []Provider
	clients    map[string]Client
	bus        *events.Bus
	timeout    time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	rooms map[string]*sync.Mutex
}

// NewLoop creates the orchestration loop. Optional collaborators
// (persona, providers, clients, event bus, timeout) are configured
// with the Set/Add/Register methods before the first HandleMessage
// call.
func NewLoop(agent actors.Actor, store memory.Store, directory *actors.Store, composer *state.Composer, registry *actions.Registry, dispatcher *actions.Dispatcher, client llm.Client, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		agent:      agent,
		store:      store,
		directory:  directory,
		composer:   composer,
		registry:   registry,
		dispatcher: dispatcher,
		llm:        client,
		clients:    make(map[string]Client),
		timeout:    DefaultLLMTimeout,
		logger:     logger.With("component", "agent"),
		rooms:      make(map[string]*sync.Mutex),
	}
}

// SetPersona configures the persona loader. Without one the built-in
// persona is used.
func (l *Loop) SetPersona(loader *persona.Loader) {
	l.persona = loader
}

// SetBus configures the event bus for turn observability.
func (l *Loop) SetBus(bus *events.Bus) {
	l.bus = bus
}

// SetLLMTimeout bounds each generation call. Zero or negative keeps
// the default.
func (l *Loop) SetLLMTimeout(d time.Duration) {
	if d > 0 {
		l.timeout = d
	}
}

// AddProvider registers a context provider.
func (l *Loop) AddProvider(p Provider) {
	if p != nil {
		l.providers = append(l.providers, p)
	}
}

// RegisterClient routes outbound messages for the given source to a
// client adapter. A client registered under the empty source is the
// fallback for sources with no adapter of their own.
func (l *Loop) RegisterClient(source string, c Client) {
	l.clients[source] = c
}

// HandleMessage runs one full turn for an inbound message: record it,
// compose state, generate, dispatch requested actions, and deliver
// whatever the agent decided to say. It returns after the turn
// completes; gateways that must not block run it on their own
// goroutine.
func (l *Loop) HandleMessage(ctx context.Context, in Inbound) error {
	if in.RoomID == "" {
		return fmt.Errorf("inbound message missing room id")
	}
	if in.Sender.ID == "" {
		return fmt.Errorf("inbound message missing sender id")
	}
	if strings.TrimSpace(in.Text) == "" {
		return fmt.Errorf("inbound message has no text")
	}

	unlock := l.lockRoom(in.RoomID)
	defer unlock()

	start := time.Now()
	l.logger.Info("turn started",
		"room_id", in.RoomID,
		"source", in.Source,
		"sender", in.Sender.ID,
	)

	if err := l.directory.EnsureRoom(ctx, in.RoomID, in.RoomName); err != nil {
		return fmt.Errorf("ensure room %s: %w", in.RoomID, err)
	}
	if err := l.directory.EnsureConnection(ctx, in.RoomID, l.agent, in.Sender); err != nil {
		return fmt.Errorf("ensure connection for %s: %w", in.RoomID, err)
	}

	msg, err := l.store.CreateMemory(ctx, memory.NewMessage(l.agent.ID, in.Sender.ID, in.RoomID, memory.MessageContent{
		Text:        in.Text,
		Source:      in.Source,
		InReplyTo:   in.InReplyTo,
		Attachments: in.Attachments,
	}), false)
	if err != nil {
		return fmt.Errorf("record inbound message: %w", err)
	}

	l.bus.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{
		"room_id":    in.RoomID,
		"message_id": msg.ID,
		"source":     in.Source,
	})

	st, err := l.composer.Compose(ctx, in.RoomID)
	if err != nil {
		return fmt.Errorf("compose state: %w", err)
	}

	provided := l.provide(ctx, &in, st)
	p := l.loadPersona(in.Source)

	system, prompt := prompts.Chat(ctx, prompts.Input{
		State:        st,
		Message:      msg,
		Actions:      l.registry.Enabled(ctx, st),
		Bio:          p.Bio,
		Instructions: p.Instructions,
		Provided:     provided,
	})

	r, err := l.round(ctx, in.RoomID, 0, system, prompt)
	if err != nil {
		// Provider or transport failure: the turn ends with no
		// user-visible reply. The inbound message stays recorded, so
		// the conversation is intact when the user tries again.
		l.logger.Error("turn aborted", "room_id", in.RoomID, "error", err)
		return err
	}

	l.recordThinking(ctx, msg, r)
	st = l.deliverResponses(ctx, &in, msg, st, r.responses)
	said := r.responses

	pending := r.calls
	rounds := 0
	for len(pending) > 0 && rounds < MaxActionRounds {
		rounds++

		calls := l.recordCalls(ctx, msg, pending)
		st, err = l.dispatcher.Dispatch(ctx, msg, calls, st)
		if err != nil {
			// Results that did record are already in the state; the
			// follow-up round works with what it has.
			l.logger.Error("dispatch batch", "room_id", in.RoomID, "error", err)
		}

		system, prompt = prompts.Followup(ctx, prompts.Input{
			State:         st,
			Message:       msg,
			Actions:       l.registry.All(),
			Bio:           p.Bio,
			Instructions:  p.Instructions,
			Provided:      provided,
			PriorResponse: strings.Join(said, "\n"),
		})

		r, err = l.round(ctx, in.RoomID, rounds, system, prompt)
		if err != nil {
			l.logger.Error("turn aborted in action loop", "room_id", in.RoomID, "round", rounds, "error", err)
			return err
		}

		l.recordThinking(ctx, msg, r)
		st = l.deliverResponses(ctx, &in, msg, st, r.responses)
		said = append(said, r.responses...)
		pending = r.calls
	}
	if len(pending) > 0 {
		l.logger.Warn("action round budget exhausted, dropping pending calls",
			"room_id", in.RoomID,
			"dropped", len(pending),
		)
	}

	l.bus.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
		"room_id":    in.RoomID,
		"message_id": msg.ID,
		"rounds":     rounds,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	l.logger.Info("turn complete",
		"room_id", in.RoomID,
		"rounds", rounds,
		"elapsed", time.Since(start),
	)
	return nil
}

// lockRoom serializes turns for one room; the mutex is created on
// first contact.
func (l *Loop) lockRoom(roomID string) func() {
	l.mu.Lock()
	m, ok := l.rooms[roomID]
	if !ok {
		m = &sync.Mutex{}
		l.rooms[roomID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// round runs one generation call and parses the reply. Malformed
// reply elements are logged and skipped; a transport or provider
// error is returned and aborts the turn.
func (l *Loop) round(ctx context.Context, roomID string, n int, system, prompt string) (reply, error) {
	tier := llm.TierLarge
	l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"room_id": roomID,
		"round":   n,
		"tier":    string(tier),
	})

	gctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	resp, err := l.llm.Generate(gctx, llm.Request{
		System: system,
		Prompt: prompt,
		Tier:   tier,
	})
	if err != nil {
		return reply{}, fmt.Errorf("generation round %d: %w", n, err)
	}

	r, parseErrs := parseReply(resp.Text)
	for _, perr := range parseErrs {
		l.logger.Warn("skipping malformed reply element",
			"room_id", roomID,
			"round", n,
			"error", perr,
		)
	}

	l.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"room_id":    roomID,
		"round":      n,
		"tier":       string(tier),
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
		"calls":      len(r.calls),
		"responses":  len(r.responses),
	})
	l.logger.Debug("generation round parsed",
		"room_id", roomID,
		"round", n,
		"model", resp.Model,
		"thinking", len(r.thinking),
		"responses", len(r.responses),
		"calls", len(r.calls),
	)
	return r, nil
}

// recordThinking persists the round's thinking as one thought memory
// scoped to the triggering message. The protocol requires a thinking
// element every round, but a round without one is recoverable: warn
// and move on.
func (l *Loop) recordThinking(ctx context.Context, msg *memory.Memory, r reply) {
	if len(r.thinking) == 0 {
		l.logger.Warn("reply carried no thinking element", "room_id", msg.RoomID, "message_id", msg.ID)
		return
	}
	thought := memory.NewThought(l.agent.ID, l.agent.ID, msg.RoomID, memory.ThoughtContent{
		MsgID: msg.ID,
		Text:  strings.Join(r.thinking, "\n\n"),
	})
	if _, err := l.store.CreateMemory(ctx, thought, false); err != nil {
		l.logger.Error("record thought", "room_id", msg.RoomID, "error", err)
	}
}

// recordCalls persists the round's requested calls as call memories.
// A call that cannot be recorded is dropped from the batch.
func (l *Loop) recordCalls(ctx context.Context, msg *memory.Memory, pending []actionCall) []*memory.Memory {
	calls := make([]*memory.Memory, 0, len(pending))
	for _, c := range pending {
		m, err := l.store.CreateMemory(ctx,
			memory.NewActionCall(l.agent.ID, l.agent.ID, msg.RoomID, c.name, msg.ID, c.params), false)
		if err != nil {
			l.logger.Error("record action call", "action", c.name, "error", err)
			continue
		}
		calls = append(calls, m)
	}
	return calls
}

// deliverResponses joins the round's responses into one outbound
// message, persists it, hands it to the source's client adapter, and
// refreshes the state so later rounds see what was said. Returns the
// refreshed state; on any failure the previous state comes back and
// the turn continues.
func (l *Loop) deliverResponses(ctx context.Context, in *Inbound, msg *memory.Memory, st *state.State, responses []string) *state.State {
	if len(responses) == 0 {
		return st
	}

	out := memory.NewMessage(l.agent.ID, l.agent.ID, st.Room.ID, memory.MessageContent{
		Text:      strings.Join(responses, "\n"),
		Source:    in.Source,
		InReplyTo: msg.ID,
	})
	saved, err := l.store.CreateMemory(ctx, out, false)
	if err != nil {
		l.logger.Error("record outbound message", "room_id", st.Room.ID, "error", err)
		return st
	}

	if client := l.clientFor(in.Source); client != nil {
		delivered, err := client.DeliverMessage(ctx, saved)
		if err != nil {
			l.logger.Error("deliver outbound message",
				"room_id", st.Room.ID,
				"source", in.Source,
				"error", err,
			)
		} else if delivered != nil && delivered.ID != saved.ID {
			l.logger.Debug("transport enriched outbound message",
				"memory_id", saved.ID,
				"transport_id", delivered.ID,
			)
		}
	} else {
		l.logger.Debug("no client adapter for source", "source", in.Source)
	}

	refreshed, err := l.composer.Refresh(ctx, st)
	if err != nil {
		l.logger.Error("refresh state after response", "room_id", st.Room.ID, "error", err)
		return st
	}
	return refreshed
}

// clientFor resolves the client adapter for a source, falling back to
// the adapter registered under the empty source, if any.
func (l *Loop) clientFor(source string) Client {
	if c, ok := l.clients[source]; ok {
		return c
	}
	return l.clients[""]
}

// loadPersona reads the persona directory fresh each turn so edits
// land without a restart. The inbound source doubles as the active
// tag, so gateway-specific documents load only for their gateway.
func (l *Loop) loadPersona(source string) persona.Persona {
	if l.persona == nil {
		return persona.Default()
	}
	active := map[string]bool{}
	if source != "" {
		active[source] = true
	}
	p, err := l.persona.Load(active)
	if err != nil {
		l.logger.Warn("load persona", "error", err)
		return persona.Default()
	}
	if p.Bio == "" && p.Instructions == "" {
		return persona.Default()
	}
	return p
}
