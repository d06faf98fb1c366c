// Package events provides a publish/subscribe event bus for runtime
// observability. Events flow from components (memory store, agent loop,
// dispatcher, gateways) to subscribers (WebSocket stream, web dashboard).
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceMemory identifies events from the memory store.
	SourceMemory = "memory"
	// SourceAgent identifies events from the orchestration loop.
	SourceAgent = "agent"
	// SourceActions identifies events from the action dispatcher.
	SourceActions = "actions"
	// SourceMail identifies events from the email gateway.
	SourceMail = "mail"
	// SourceMQTT identifies events from the MQTT gateway.
	SourceMQTT = "mqtt"
)

// Kind constants describe the type of event within a source.
const (
	// KindMemoryCreated signals a memory record was persisted.
	// Data: memory_id, room_id, type.
	KindMemoryCreated = "memory_created"

	// KindTurnStart signals the loop accepted an inbound message.
	// Data: room_id, message_id, source.
	KindTurnStart = "turn_start"
	// KindLLMCall signals the start of a generation round.
	// Data: room_id, round, tier.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a generation round.
	// Data: room_id, round, tier, tokens_in, tokens_out, calls,
	// responses.
	KindLLMResponse = "llm_response"
	// KindTurnComplete signals the loop finished a turn.
	// Data: room_id, message_id, rounds, elapsed_ms.
	KindTurnComplete = "turn_complete"

	// KindActionDispatch signals a batch of action calls started.
	// Data: room_id, count.
	KindActionDispatch = "action_dispatch"
	// KindActionDone signals one action call settled.
	// Data: room_id, call_id, result_id, ok.
	KindActionDone = "action_done"

	// KindPollStart signals the start of a mail poll cycle.
	// Data: folder.
	KindPollStart = "poll_start"
	// KindPollComplete signals the end of a mail poll cycle.
	// Data: folder, new_messages, refused.
	KindPollComplete = "poll_complete"
)

// Event represents a single runtime event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Emit stamps the current time and publishes an event assembled from
// the given source, kind, and data. It is the usual way components
// publish; Publish remains available for pre-built events.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
