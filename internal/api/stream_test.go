package api

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/reeve/internal/agent"
	"github.com/nugget/reeve/internal/events"
	"github.com/nugget/reeve/internal/memory"
)

var _ agent.Client = (*Server)(nil)

func dialWS(t *testing.T, baseURL, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventStream(t *testing.T) {
	env := setupServer(t)
	conn := dialWS(t, env.ts.URL, "/v1/events")

	// Subscription happens before the upgrade response is written, so
	// the dialer returning means we will see this event.
	env.bus.Emit("test", events.KindTurnStart, map[string]any{"room_id": "kitchen"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Kind != events.KindTurnStart {
		t.Errorf("kind = %q, want %q", got.Kind, events.KindTurnStart)
	}
	if got.Source != "test" || got.Data["room_id"] != "kitchen" {
		t.Errorf("event = %+v", got)
	}
}

func TestRoomStream(t *testing.T) {
	env := setupServer(t)
	conn := dialWS(t, env.ts.URL, "/v1/rooms/kitchen/stream")

	// The handler registers the subscriber after the upgrade, so wait
	// for it to appear before delivering.
	deadline := time.Now().Add(5 * time.Second)
	for len(env.server.roomConns("kitchen")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	out := memory.NewMessage("agent-1", "agent-1", "kitchen",
		memory.MessageContent{Text: "Coffee is on.", Source: "api"})
	out.ID = "mem-1"
	if _, err := env.server.DeliverMessage(context.Background(), out); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got struct {
		ID      string `json:"id"`
		RoomID  string `json:"roomId"`
		Content struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read message: %v", err)
	}
	if got.ID != "mem-1" || got.RoomID != "kitchen" || got.Content.Text != "Coffee is on." {
		t.Errorf("pushed message = %+v", got)
	}
}

func TestRoomStream_OtherRoomsQuiet(t *testing.T) {
	env := setupServer(t)
	conn := dialWS(t, env.ts.URL, "/v1/rooms/kitchen/stream")

	deadline := time.Now().Add(5 * time.Second)
	for len(env.server.roomConns("kitchen")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	other := memory.NewMessage("agent-1", "agent-1", "garage", memory.MessageContent{Text: "elsewhere"})
	if _, err := env.server.DeliverMessage(context.Background(), other); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if err := conn.ReadJSON(new(map[string]any)); err == nil {
		t.Error("kitchen subscriber received a garage message")
	}
}

func TestDeliverMessage_NoSubscribers(t *testing.T) {
	env := setupServer(t)

	m := memory.NewMessage("agent-1", "agent-1", "empty", memory.MessageContent{Text: "nobody listening"})
	got, err := env.server.DeliverMessage(context.Background(), m)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got != m {
		t.Error("delivery should return the message unchanged")
	}
}

func TestShutdownClosesStreams(t *testing.T) {
	env := setupServer(t)
	conn := dialWS(t, env.ts.URL, "/v1/rooms/kitchen/stream")

	deadline := time.Now().Add(5 * time.Second)
	for len(env.server.roomConns("kitchen")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := env.server.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("read should fail after shutdown closed the connection")
	}
}
