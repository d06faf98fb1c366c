package agent

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/reeve/internal/actions"
	"github.com/nugget/reeve/internal/actors"
	"github.com/nugget/reeve/internal/events"
	"github.com/nugget/reeve/internal/llm"
	"github.com/nugget/reeve/internal/memory"
	"github.com/nugget/reeve/internal/persona"
	"github.com/nugget/reeve/internal/state"

	_ "modernc.org/sqlite"
)

var (
	testAgent  = actors.Actor{ID: "agent-1", Name: "Reeve", Username: "reeve"}
	testSender = actors.Actor{ID: "user-1", Name: "Jo", Username: "jo"}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedLLM returns canned replies in order. When the script runs
// out it answers with a bare thinking element, which ends any turn.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	reqs    []llm.Request
	err     error

	// entered receives a token at the start of every Generate call;
	// gate, when set, blocks Generate until closed. Used by the
	// serialization test.
	entered chan struct{}
	gate    chan struct{}
}

func (s *scriptedLLM) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.replies) == 0 {
		return &llm.Response{Text: "<thinking>nothing more to do</thinking>", Model: "scripted"}, nil
	}
	text := s.replies[0]
	s.replies = s.replies[1:]
	return &llm.Response{Text: text, Model: "scripted", InputTokens: 10, OutputTokens: 5}, nil
}

func (s *scriptedLLM) Ping(context.Context) error { return nil }

func (s *scriptedLLM) requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.reqs...)
}

// captureClient records what the loop delivers.
type captureClient struct {
	mu        sync.Mutex
	delivered []*memory.Memory
	err       error
}

func (c *captureClient) DeliverMessage(_ context.Context, m *memory.Memory) (*memory.Memory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.delivered = append(c.delivered, m)
	return m, nil
}

func (c *captureClient) messages() []*memory.Memory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*memory.Memory(nil), c.delivered...)
}

type loopEnv struct {
	loop   *Loop
	llm    *scriptedLLM
	client *captureClient
	store  memory.Store
}

func setupLoop(t *testing.T, defs ...*actions.Action) *loopEnv {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	directory, err := actors.NewStore(db)
	if err != nil {
		t.Fatalf("new actor store: %v", err)
	}

	store := memory.NewMemStore(nil)
	composer := state.NewComposer(store, directory, testAgent, 0, nil)
	registry := actions.NewRegistry(testLogger())
	for _, d := range defs {
		registry.Register(d)
	}
	dispatcher := actions.NewDispatcher(registry, store, composer, time.Second, nil, testLogger())

	fake := &scriptedLLM{}
	client := &captureClient{}
	loop := NewLoop(testAgent, store, directory, composer, registry, dispatcher, fake, testLogger())
	loop.RegisterClient("api", client)

	return &loopEnv{loop: loop, llm: fake, client: client, store: store}
}

func (e *loopEnv) handle(t *testing.T, text string) {
	t.Helper()
	err := e.loop.HandleMessage(context.Background(), Inbound{
		RoomID: "room-1",
		Sender: testSender,
		Text:   text,
		Source: "api",
	})
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
}

func (e *loopEnv) memories(t *testing.T, mt memory.MemoryType) []*memory.Memory {
	t.Helper()
	out, err := e.store.GetMemories(context.Background(), memory.Query{RoomID: "room-1", Type: mt})
	if err != nil {
		t.Fatalf("get memories: %v", err)
	}
	return out
}

func TestHandleMessage_EndToEnd(t *testing.T) {
	handled := make(chan map[string]any, 1)
	def := &actions.Action{
		Name:        "profile_lookup",
		Description: "Look up a member profile by query",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []string{"query"},
		},
		Handler: func(_ context.Context, _ *memory.Memory, _ *state.State, params map[string]any) (any, error) {
			handled <- params
			return map[string]any{"name": "Sky Builder", "projects": 12}, nil
		},
		Enabled: true,
	}

	env := setupLoop(t, def)
	env.llm.replies = []string{
		`<thinking msgId="m">need the profile before answering</thinking>` +
			`<action name="profile_lookup">{"query": "thescoho"}</action>`,
		`<thinking msgId="m">result in hand, summarize it</thinking>` +
			`<response msgId="m">Sky Builder has 12 projects.</response>`,
	}

	env.handle(t, "find builder thescoho")

	select {
	case params := <-handled:
		if params["query"] != "thescoho" {
			t.Errorf("handler params = %v", params)
		}
	default:
		t.Fatal("action handler never ran")
	}

	delivered := env.client.messages()
	if len(delivered) != 1 {
		t.Fatalf("delivered %d messages, want exactly 1", len(delivered))
	}
	mc, ok := delivered[0].Message()
	if !ok || mc.Text != "Sky Builder has 12 projects." {
		t.Errorf("delivered text = %q", mc.Text)
	}

	var inboundID string
	for _, m := range env.memories(t, memory.TypeMessage) {
		if m.UserID == testSender.ID {
			inboundID = m.ID
		}
	}
	if inboundID == "" {
		t.Fatal("inbound message was not recorded")
	}
	if mc.InReplyTo != inboundID {
		t.Errorf("outbound InReplyTo = %q, want %q", mc.InReplyTo, inboundID)
	}

	thoughts := env.memories(t, memory.TypeThought)
	if len(thoughts) != 2 {
		t.Fatalf("thought memories = %d, want exactly 2", len(thoughts))
	}
	for _, th := range thoughts {
		tc, _ := th.Thought()
		if tc.MsgID != inboundID {
			t.Errorf("thought scoped to %q, want %q", tc.MsgID, inboundID)
		}
	}

	acts := env.memories(t, memory.TypeAction)
	if len(acts) != 2 {
		t.Fatalf("action memories = %d, want call + result", len(acts))
	}
	var sawResult bool
	for _, a := range acts {
		ac, _ := a.Action()
		if ac.Kind == memory.ActionResult {
			sawResult = true
			if ac.Error != "" {
				t.Errorf("result error = %q", ac.Error)
			}
			if !strings.Contains(string(ac.Result), "Sky Builder") {
				t.Errorf("result payload = %s", ac.Result)
			}
		}
	}
	if !sawResult {
		t.Error("no result memory recorded")
	}

	reqs := env.llm.requests()
	if len(reqs) != 2 {
		t.Fatalf("llm calls = %d, want 2", len(reqs))
	}
	if !strings.Contains(reqs[0].Prompt, "find builder thescoho") {
		t.Error("chat prompt missing the inbound message")
	}
	if !strings.Contains(reqs[0].Prompt, "Jo") {
		t.Error("chat prompt missing the sender's roster entry")
	}
	if !strings.Contains(reqs[1].Prompt, "Sky Builder") {
		t.Error("follow-up prompt missing the action result")
	}
}

func TestHandleMessage_DirectReply(t *testing.T) {
	env := setupLoop(t)
	env.llm.replies = []string{
		`<thinking>simple question</thinking><response>It is Tuesday.</response>`,
	}

	env.handle(t, "what day is it")

	if reqs := env.llm.requests(); len(reqs) != 1 {
		t.Fatalf("llm calls = %d, want 1", len(reqs))
	} else {
		if reqs[0].Tier != llm.TierLarge {
			t.Errorf("tier = %q, want %q", reqs[0].Tier, llm.TierLarge)
		}
		if !strings.Contains(reqs[0].System, persona.Default().Bio) {
			t.Error("system prompt missing the default persona bio")
		}
	}

	delivered := env.client.messages()
	if len(delivered) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(delivered))
	}
	if len(env.memories(t, memory.TypeThought)) != 1 {
		t.Error("expected one thought for the turn")
	}
}

func TestHandleMessage_JoinsResponses(t *testing.T) {
	env := setupLoop(t)
	env.llm.replies = []string{
		`<thinking>two parts</thinking><response>First.</response><response>Second.</response>`,
	}

	env.handle(t, "tell me both")

	delivered := env.client.messages()
	if len(delivered) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(delivered))
	}
	mc, _ := delivered[0].Message()
	if mc.Text != "First.\nSecond." {
		t.Errorf("joined text = %q", mc.Text)
	}
}

func TestHandleMessage_RoundBudget(t *testing.T) {
	var calls int
	var mu sync.Mutex
	def := &actions.Action{
		Name:        "refresh_feed",
		Description: "Refresh the feed",
		Handler: func(context.Context, *memory.Memory, *state.State, map[string]any) (any, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return "ok", nil
		},
		Enabled: true,
	}

	env := setupLoop(t, def)
	withCall := `<thinking>keep going</thinking><action name="refresh_feed">{}</action>`
	env.llm.replies = []string{withCall, withCall, withCall, withCall}

	env.handle(t, "refresh until done")

	if reqs := env.llm.requests(); len(reqs) != 4 {
		t.Fatalf("llm calls = %d, want 1 chat + 3 follow-ups", len(reqs))
	}

	var callMems, resultMems int
	for _, a := range env.memories(t, memory.TypeAction) {
		ac, _ := a.Action()
		switch ac.Kind {
		case memory.ActionCall:
			callMems++
		case memory.ActionResult:
			resultMems++
		}
	}
	if callMems != 3 || resultMems != 3 {
		t.Errorf("calls = %d, results = %d, want 3 and 3", callMems, resultMems)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("handler ran %d times, want 3", calls)
	}
}

func TestHandleMessage_MissingThinkingIsRecoverable(t *testing.T) {
	env := setupLoop(t)
	env.llm.replies = []string{`<response>Here you go.</response>`}

	env.handle(t, "hello")

	if len(env.client.messages()) != 1 {
		t.Fatal("response was not delivered")
	}
	if got := len(env.memories(t, memory.TypeThought)); got != 0 {
		t.Errorf("thought memories = %d, want 0", got)
	}
}

func TestHandleMessage_UnknownActionIsSkipped(t *testing.T) {
	env := setupLoop(t)
	env.llm.replies = []string{
		`<thinking>try something fancy</thinking><action name="figment_scan">{}</action>`,
	}

	env.handle(t, "do the thing")

	acts := env.memories(t, memory.TypeAction)
	if len(acts) != 1 {
		t.Fatalf("action memories = %d, want just the call", len(acts))
	}
	ac, _ := acts[0].Action()
	if ac.Kind != memory.ActionCall {
		t.Errorf("kind = %q, want call", ac.Kind)
	}
	// The follow-up round still runs; the script's fallback ends the turn.
	if reqs := env.llm.requests(); len(reqs) != 2 {
		t.Errorf("llm calls = %d, want 2", len(reqs))
	}
}

func TestHandleMessage_MalformedActionElement(t *testing.T) {
	def := &actions.Action{
		Name:        "profile_lookup",
		Description: "Look up a profile",
		Handler: func(context.Context, *memory.Memory, *state.State, map[string]any) (any, error) {
			t.Error("handler ran for a malformed element")
			return nil, nil
		},
		Enabled: true,
	}

	env := setupLoop(t, def)
	env.llm.replies = []string{
		`<thinking>hmm</thinking><action name="profile_lookup">{broken</action><response>I could not run that.</response>`,
	}

	env.handle(t, "look it up")

	if got := len(env.memories(t, memory.TypeAction)); got != 0 {
		t.Errorf("action memories = %d, want 0", got)
	}
	if len(env.client.messages()) != 1 {
		t.Error("sibling response was not delivered")
	}
	if reqs := env.llm.requests(); len(reqs) != 1 {
		t.Errorf("llm calls = %d, want 1", len(reqs))
	}
}

func TestHandleMessage_LLMFailureAbortsQuietly(t *testing.T) {
	env := setupLoop(t)
	env.llm.err = errors.New("model melted")

	err := env.loop.HandleMessage(context.Background(), Inbound{
		RoomID: "room-1",
		Sender: testSender,
		Text:   "hello",
		Source: "api",
	})
	if err == nil || !strings.Contains(err.Error(), "model melted") {
		t.Fatalf("err = %v, want the provider failure", err)
	}

	// The inbound message is kept; nothing was delivered.
	if got := len(env.memories(t, memory.TypeMessage)); got != 1 {
		t.Errorf("message memories = %d, want 1", got)
	}
	if len(env.client.messages()) != 0 {
		t.Error("delivery happened despite the aborted turn")
	}
}

func TestHandleMessage_DeliveryFailureDoesNotFailTurn(t *testing.T) {
	env := setupLoop(t)
	env.client.err = errors.New("socket closed")
	env.llm.replies = []string{`<thinking>t</thinking><response>Hi.</response>`}

	env.handle(t, "hello")

	// Outbound message persisted even though the transport refused it.
	if got := len(env.memories(t, memory.TypeMessage)); got != 2 {
		t.Errorf("message memories = %d, want inbound + outbound", got)
	}
}

func TestHandleMessage_FallbackClient(t *testing.T) {
	env := setupLoop(t)
	fallback := &captureClient{}
	env.loop.RegisterClient("", fallback)
	env.llm.replies = []string{`<thinking>t</thinking><response>Hi.</response>`}

	err := env.loop.HandleMessage(context.Background(), Inbound{
		RoomID: "room-1",
		Sender: testSender,
		Text:   "ping",
		Source: "carrier-pigeon",
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(fallback.messages()) != 1 {
		t.Error("fallback client did not receive the delivery")
	}
	if len(env.client.messages()) != 0 {
		t.Error("api client received a delivery for another source")
	}
}

func TestHandleMessage_Validation(t *testing.T) {
	tests := []struct {
		name string
		in   Inbound
	}{
		{"missing room", Inbound{Sender: testSender, Text: "hi"}},
		{"missing sender", Inbound{RoomID: "room-1", Text: "hi"}},
		{"blank text", Inbound{RoomID: "room-1", Sender: testSender, Text: "   "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupLoop(t)
			if err := env.loop.HandleMessage(context.Background(), tt.in); err == nil {
				t.Fatal("expected a validation error")
			}
			if len(env.llm.requests()) != 0 {
				t.Error("invalid inbound reached the LLM")
			}
		})
	}
}

type stubProvider struct {
	name    string
	text    string
	err     error
	explode bool
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Provide(context.Context, *Inbound, *state.State) (string, error) {
	if p.explode {
		panic("provider exploded")
	}
	return p.text, p.err
}

func TestHandleMessage_ProviderFanOut(t *testing.T) {
	env := setupLoop(t)
	env.loop.AddProvider(&stubProvider{name: "weather", text: "Oslo: snowing, -3C"})
	env.loop.AddProvider(&stubProvider{name: "news", err: errors.New("feed down")})
	env.loop.AddProvider(&stubProvider{name: "flaky", explode: true})

	env.handle(t, "how is the weather")

	reqs := env.llm.requests()
	if len(reqs) != 1 {
		t.Fatalf("llm calls = %d, want 1", len(reqs))
	}
	if !strings.Contains(reqs[0].Prompt, "Oslo: snowing") {
		t.Error("prompt missing the healthy provider's context")
	}
	if strings.Contains(reqs[0].Prompt, "feed down") {
		t.Error("failed provider's error leaked into the prompt")
	}
}

func TestHandleMessage_PersonaDocuments(t *testing.T) {
	env := setupLoop(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "persona.md"), []byte("Reeve tends the commons."), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "style.md"), []byte("Answer briefly."), 0o644); err != nil {
		t.Fatal(err)
	}
	env.loop.SetPersona(persona.NewLoader(dir))

	env.handle(t, "hello")

	reqs := env.llm.requests()
	if !strings.Contains(reqs[0].System, "tends the commons") {
		t.Error("system prompt missing the bio document")
	}
	if !strings.Contains(reqs[0].System, "Answer briefly.") {
		t.Error("system prompt missing the instruction document")
	}
}

func TestHandleMessage_EmitsTurnEvents(t *testing.T) {
	env := setupLoop(t)
	bus := events.New()
	env.loop.SetBus(bus)
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	env.llm.replies = []string{`<thinking>t</thinking><response>Hi.</response>`}
	env.handle(t, "hello")

	var kinds []string
drain:
	for {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
		default:
			break drain
		}
	}

	want := []string{events.KindTurnStart, events.KindLLMCall, events.KindLLMResponse, events.KindTurnComplete}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestHandleMessage_SerializesSameRoom(t *testing.T) {
	env := setupLoop(t)
	env.llm.entered = make(chan struct{}, 8)
	env.llm.gate = make(chan struct{})

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- env.loop.HandleMessage(context.Background(), Inbound{
			RoomID: "room-1", Sender: testSender, Text: "one", Source: "api",
		})
	}()

	select {
	case <-env.llm.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first turn never reached the LLM")
	}

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- env.loop.HandleMessage(context.Background(), Inbound{
			RoomID: "room-1", Sender: testSender, Text: "two", Source: "api",
		})
	}()

	select {
	case <-secondDone:
		t.Fatal("second turn finished while the first held the room")
	case <-time.After(100 * time.Millisecond):
	}

	close(env.llm.gate)
	for _, done := range []chan error{firstDone, secondDone} {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("turn failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("turn never finished")
		}
	}

	if got := len(env.memories(t, memory.TypeMessage)); got != 2 {
		t.Errorf("message memories = %d, want 2", got)
	}
}
