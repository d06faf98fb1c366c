package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nugget/reeve/internal/actors"
	"github.com/nugget/reeve/internal/memory"

	_ "modernc.org/sqlite"
)

var testAgent = actors.Actor{ID: "agent-1", Name: "Reeve", Username: "reeve"}

func setupComposer(t *testing.T, window int) (*Composer, memory.Store, *actors.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	roster, err := actors.NewStore(db)
	if err != nil {
		t.Fatalf("new actor store: %v", err)
	}
	store := memory.NewMemStore(nil)
	return NewComposer(store, roster, testAgent, window, nil), store, roster
}

func seedRoom(t *testing.T, roster *actors.Store, roomID string, people ...actors.Actor) {
	t.Helper()
	if err := roster.EnsureConnection(context.Background(), roomID, people...); err != nil {
		t.Fatalf("seed room: %v", err)
	}
}

func TestComposer_Compose(t *testing.T) {
	composer, store, roster := setupComposer(t, 0)
	ctx := context.Background()

	user := actors.Actor{ID: "user-1", Name: "Pat"}
	seedRoom(t, roster, "room-1", user, testAgent)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"first", "second", "third"} {
		m := memory.NewMessage("", "user-1", "room-1", memory.MessageContent{Text: text})
		m.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := store.CreateMemory(ctx, m, false); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}
	thought := memory.NewThought("agent-1", "user-1", "room-1", memory.ThoughtContent{MsgID: "m1", Text: "pondering"})
	if _, err := store.CreateMemory(ctx, thought, false); err != nil {
		t.Fatalf("seed thought: %v", err)
	}

	st, err := composer.Compose(ctx, "room-1")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	if st.Agent.ID != "agent-1" {
		t.Errorf("agent = %+v", st.Agent)
	}
	if st.Room.ID != "room-1" {
		t.Errorf("room = %+v", st.Room)
	}
	if len(st.Actors) != 2 {
		t.Errorf("expected 2 actors, got %d", len(st.Actors))
	}

	if len(st.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(st.Messages))
	}
	for i, want := range []string{"first", "second", "third"} {
		mc, _ := st.Messages[i].Message()
		if mc.Text != want {
			t.Errorf("messages[%d] = %q, want %q (chronological order)", i, mc.Text, want)
		}
	}

	if len(st.Thoughts) != 1 {
		t.Fatalf("expected 1 thought, got %d", len(st.Thoughts))
	}
	tc, _ := st.Thoughts[0].Thought()
	if tc.Text != "pondering" {
		t.Errorf("thought = %+v", tc)
	}

	if len(st.Actions.Calls) != 0 || len(st.Actions.Processing) != 0 {
		t.Errorf("expected no actions, got %+v", st.Actions)
	}
}

func TestComposer_ProcessingLifecycle(t *testing.T) {
	composer, store, roster := setupComposer(t, 0)
	ctx := context.Background()
	seedRoom(t, roster, "room-1", testAgent)

	call, err := store.CreateMemory(ctx,
		memory.NewActionCall("agent-1", "user-1", "room-1", "get_weather", "msg-1", json.RawMessage(`{"city":"Portland"}`)), false)
	if err != nil {
		t.Fatalf("seed call: %v", err)
	}

	st, err := composer.Compose(ctx, "room-1")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if !st.Actions.Processing[call.ID] {
		t.Errorf("call %s not in processing set: %+v", call.ID, st.Actions.Processing)
	}
	if _, ok := st.Actions.Calls[call.ID]; !ok {
		t.Errorf("call %s missing from calls map", call.ID)
	}
	if len(st.Actions.Results) != 0 {
		t.Errorf("unexpected results: %+v", st.Actions.Results)
	}

	if _, err := store.CreateMemory(ctx,
		memory.NewActionResult(call, json.RawMessage(`{"temp":12}`), ""), false); err != nil {
		t.Fatalf("seed result: %v", err)
	}

	st, err = composer.Refresh(ctx, st)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if st.Actions.Processing[call.ID] {
		t.Errorf("call %s still in processing after result", call.ID)
	}
	res, ok := st.Actions.Results[call.ID]
	if !ok {
		t.Fatalf("result for call %s missing: %+v", call.ID, st.Actions.Results)
	}
	ac, _ := res.Action()
	if string(ac.Result) != `{"temp":12}` {
		t.Errorf("result = %s", ac.Result)
	}
}

func TestComposer_WindowCapsMessages(t *testing.T) {
	composer, store, roster := setupComposer(t, 4)
	ctx := context.Background()
	seedRoom(t, roster, "room-1", testAgent)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 9; i++ {
		m := memory.NewMessage("", "user-1", "room-1", memory.MessageContent{Text: fmt.Sprintf("n%d", i)})
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if _, err := store.CreateMemory(ctx, m, false); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	st, err := composer.Compose(ctx, "room-1")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(st.Messages) != 4 {
		t.Fatalf("expected window of 4 messages, got %d", len(st.Messages))
	}
	// The newest four, oldest first.
	for i, want := range []string{"n5", "n6", "n7", "n8"} {
		mc, _ := st.Messages[i].Message()
		if mc.Text != want {
			t.Errorf("messages[%d] = %q, want %q", i, mc.Text, want)
		}
	}
}

func TestComposer_RefreshKeepsRoster(t *testing.T) {
	composer, _, roster := setupComposer(t, 0)
	ctx := context.Background()
	seedRoom(t, roster, "room-1", testAgent)

	st, err := composer.Compose(ctx, "room-1")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(st.Actors) != 1 {
		t.Fatalf("expected 1 actor, got %d", len(st.Actors))
	}

	// A new participant does not appear until the next full Compose.
	seedRoom(t, roster, "room-1", actors.Actor{ID: "user-2", Name: "Sam"})
	st, err = composer.Refresh(ctx, st)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(st.Actors) != 1 {
		t.Errorf("refresh re-fetched the roster: %d actors", len(st.Actors))
	}

	st, err = composer.Compose(ctx, "room-1")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(st.Actors) != 2 {
		t.Errorf("expected 2 actors after compose, got %d", len(st.Actors))
	}
}

func TestPartition_ResultWithoutVisibleCall(t *testing.T) {
	call := memory.NewActionCall("a", "u", "room-1", "ping", "msg-1", nil)
	call.ID = "call-1"
	result := memory.NewActionResult(call, json.RawMessage(`{}`), "")

	got := partition([]*memory.Memory{result})
	if len(got.Calls) != 0 {
		t.Errorf("calls = %+v", got.Calls)
	}
	if _, ok := got.Results["call-1"]; !ok {
		t.Errorf("result not keyed by call id: %+v", got.Results)
	}
	if len(got.Processing) != 0 {
		t.Errorf("processing = %+v", got.Processing)
	}
}

func TestState_ActorName(t *testing.T) {
	st := &State{
		Agent: testAgent,
		Actors: []actors.Actor{
			{ID: "user-1", Name: "Pat", Username: "pat"},
			{ID: "user-2", Username: "sam42"},
		},
	}

	tests := []struct {
		id   string
		want string
	}{
		{"user-1", "Pat"},
		{"user-2", "sam42"},
		{"agent-1", "Reeve"},
		{"stranger", "stranger"},
	}
	for _, tt := range tests {
		if got := st.ActorName(tt.id); got != tt.want {
			t.Errorf("ActorName(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}
