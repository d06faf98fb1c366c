package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemStore_CreateAndGet(t *testing.T) {
	store := NewMemStore(nil)
	ctx := context.Background()

	created, err := store.CreateMemory(ctx, NewMessage("a", "u", "room-1", MessageContent{Text: "hello"}), false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("create left fields unset: %+v", created)
	}

	got, err := store.GetMemoryByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got == nil {
		t.Fatal("memory not found after create")
	}
	mc, ok := got.Message()
	if !ok || mc.Text != "hello" {
		t.Errorf("content = %+v, ok = %v", mc, ok)
	}

	absent, err := store.GetMemoryByID(ctx, "no-such-id")
	if err != nil {
		t.Fatalf("get absent: %v", err)
	}
	if absent != nil {
		t.Errorf("expected nil for unknown id, got %+v", absent)
	}
}

func TestMemStore_NewestFirstWithCount(t *testing.T) {
	store := NewMemStore(nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		m := NewMessage("a", "u", "room-1", MessageContent{Text: fmt.Sprintf("n%d", i)})
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if _, err := store.CreateMemory(ctx, m, false); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := store.GetMemories(ctx, Query{RoomID: "room-1", Count: 3})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 memories, got %d", len(got))
	}
	for i, want := range []string{"n4", "n3", "n2"} {
		mc, _ := got[i].Message()
		if mc.Text != want {
			t.Errorf("got[%d] = %q, want %q", i, mc.Text, want)
		}
	}
}

func TestMemStore_UniqueAndResultSemantics(t *testing.T) {
	store := NewMemStore(nil)
	ctx := context.Background()

	first, err := store.CreateMemory(ctx, NewMessage("a", "u", "room-1", MessageContent{Text: "dup"}), true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := store.CreateMemory(ctx, NewMessage("a", "u", "room-1", MessageContent{Text: "dup"}), true)
	if err != nil {
		t.Fatalf("create duplicate: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate returned %s, want %s", second.ID, first.ID)
	}

	call, err := store.CreateMemory(ctx, NewActionCall("a", "u", "room-1", "ping", "msg-1", nil), false)
	if err != nil {
		t.Fatalf("create call: %v", err)
	}
	r1, err := store.CreateMemory(ctx, NewActionResult(call, json.RawMessage(`{"ok":true}`), ""), false)
	if err != nil {
		t.Fatalf("create result: %v", err)
	}
	r2, err := store.CreateMemory(ctx, NewActionResult(call, json.RawMessage(`{"ok":false}`), ""), false)
	if err != nil {
		t.Fatalf("create second result: %v", err)
	}
	if r2.ID != r1.ID {
		t.Errorf("second result stored as %s, want existing %s", r2.ID, r1.ID)
	}
}

func TestMemStore_ConcurrentCreates(t *testing.T) {
	store := NewMemStore(nil)
	ctx := context.Background()

	call, err := store.CreateMemory(ctx, NewActionCall("a", "u", "room-1", "ping", "msg-1", nil), false)
	if err != nil {
		t.Fatalf("create call: %v", err)
	}

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Half write messages, half race on the same result.
			if i%2 == 0 {
				m, err := store.CreateMemory(ctx, NewMessage("a", "u", "room-1", MessageContent{Text: fmt.Sprintf("m%d", i)}), false)
				if err != nil {
					t.Errorf("create message: %v", err)
					return
				}
				ids[i] = m.ID
				return
			}
			m, err := store.CreateMemory(ctx, NewActionResult(call, json.RawMessage(`{}`), ""), false)
			if err != nil {
				t.Errorf("create result: %v", err)
				return
			}
			ids[i] = m.ID
		}(i)
	}
	wg.Wait()

	winner := ids[1]
	for i := 3; i < len(ids); i += 2 {
		if ids[i] != winner {
			t.Errorf("result %d stored as %s, want %s", i, ids[i], winner)
		}
	}

	got, err := store.GetMemories(ctx, Query{RoomID: "room-1", Type: TypeAction})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	results := 0
	for _, m := range got {
		if ac, ok := m.Action(); ok && ac.Kind == ActionResult {
			results++
		}
	}
	if results != 1 {
		t.Errorf("expected exactly 1 result row, got %d", results)
	}
}
