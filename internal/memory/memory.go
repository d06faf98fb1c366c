// Package memory provides the append-only room memory store. Every
// durable fact in Reeve is a Memory: a conversation message, one of the
// agent's private thoughts, or an action call/result record. Memories
// are immutable once created — an action's completion is recorded as a
// new result memory referencing the call, never as an update.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MemoryType discriminates the three memory kinds.
type MemoryType string

const (
	TypeMessage MemoryType = "message"
	TypeThought MemoryType = "thought"
	TypeAction  MemoryType = "action"
)

// ActionKind discriminates the two phases of an action record.
type ActionKind string

const (
	ActionCall   ActionKind = "call"
	ActionResult ActionKind = "result"
)

// Memory is one immutable, room-scoped fact.
type Memory struct {
	ID        string         `json:"id"`
	Type      MemoryType     `json:"type"`
	AgentID   string         `json:"agentId"`
	UserID    string         `json:"userId"`
	RoomID    string         `json:"roomId"`
	CreatedAt time.Time      `json:"createdAt"`
	Content   Content        `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Content is the payload of a memory. The concrete type must match the
// memory's Type: MessageContent for TypeMessage, ThoughtContent for
// TypeThought, ActionContent for TypeAction.
type Content interface {
	isContent()
}

// MessageContent is one turn of conversation, from a user or the agent.
type MessageContent struct {
	Text        string   `json:"text"`
	Action      string   `json:"action,omitempty"`
	Source      string   `json:"source,omitempty"`
	InReplyTo   string   `json:"inReplyTo,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// ThoughtContent is the agent's private reasoning trace tied to the
// message that triggered it. Never shown to the user.
type ThoughtContent struct {
	MsgID string `json:"msgId"`
	Text  string `json:"text"`
}

// ActionContent records one phase of an asynchronous action: a call
// requested by the agent, or the result of executing that call. A
// result references its call's memory ID via CallID. Error is set when
// the handler failed; Result holds the handler's return value otherwise.
type ActionContent struct {
	Kind   ActionKind      `json:"kind"`
	Name   string          `json:"name"`
	MsgID  string          `json:"msgId"`
	CallID string          `json:"callId,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (MessageContent) isContent() {}
func (ThoughtContent) isContent() {}
func (ActionContent) isContent()  {}

// Message returns the message payload and true when this memory is a
// conversation message.
func (m *Memory) Message() (MessageContent, bool) {
	c, ok := m.Content.(MessageContent)
	return c, ok
}

// Thought returns the thought payload and true when this memory is a
// thought.
func (m *Memory) Thought() (ThoughtContent, bool) {
	c, ok := m.Content.(ThoughtContent)
	return c, ok
}

// Action returns the action payload and true when this memory is an
// action call or result.
func (m *Memory) Action() (ActionContent, bool) {
	c, ok := m.Content.(ActionContent)
	return c, ok
}

// NewMessage builds an unsaved message memory. The store assigns ID and
// CreatedAt on insert.
func NewMessage(agentID, userID, roomID string, content MessageContent) *Memory {
	return &Memory{
		Type:    TypeMessage,
		AgentID: agentID,
		UserID:  userID,
		RoomID:  roomID,
		Content: content,
	}
}

// NewThought builds an unsaved thought memory.
func NewThought(agentID, userID, roomID string, content ThoughtContent) *Memory {
	return &Memory{
		Type:    TypeThought,
		AgentID: agentID,
		UserID:  userID,
		RoomID:  roomID,
		Content: content,
	}
}

// NewActionCall builds an unsaved call-phase action memory.
func NewActionCall(agentID, userID, roomID, name, msgID string, params json.RawMessage) *Memory {
	return &Memory{
		Type:    TypeAction,
		AgentID: agentID,
		UserID:  userID,
		RoomID:  roomID,
		Content: ActionContent{
			Kind:   ActionCall,
			Name:   name,
			MsgID:  msgID,
			Params: params,
		},
	}
}

// NewActionResult builds an unsaved result-phase action memory for the
// given call memory. The call's name, msgId, and params are carried
// over so a result is self-describing.
func NewActionResult(call *Memory, result json.RawMessage, errText string) *Memory {
	ac, _ := call.Action()
	return &Memory{
		Type:    TypeAction,
		AgentID: call.AgentID,
		UserID:  call.UserID,
		RoomID:  call.RoomID,
		Content: ActionContent{
			Kind:   ActionResult,
			Name:   ac.Name,
			MsgID:  ac.MsgID,
			CallID: call.ID,
			Params: ac.Params,
			Result: result,
			Error:  errText,
		},
	}
}

// Query selects memories for one room. Results are ordered newest
// first. A zero Type matches all kinds (used by transcript views);
// composers query one kind at a time.
type Query struct {
	RoomID string
	Type   MemoryType
	// Count caps the number of rows returned. Zero means
	// DefaultQueryCount.
	Count int
	// Start and End bound CreatedAt when non-zero (inclusive start,
	// exclusive end).
	Start time.Time
	End   time.Time
	// Unique drops rows whose content text duplicates a newer row.
	Unique bool
}

// DefaultQueryCount caps unbounded queries so a long-lived room cannot
// grow a snapshot without limit.
const DefaultQueryCount = 64

// Store is the persistence port for memories. Implementations publish
// a memory_created event for every successful insert and enforce the
// one-result-per-call invariant.
type Store interface {
	// CreateMemory persists m, assigning ID (UUIDv7) and CreatedAt
	// when unset, and returns the stored record. With unique set, an
	// insert whose content text exactly matches an existing memory in
	// the same room and type is skipped and the existing record
	// returned. Creating a second result for the same call returns
	// the first result instead of inserting.
	CreateMemory(ctx context.Context, m *Memory, unique bool) (*Memory, error)

	// GetMemories returns memories matching q, newest first.
	GetMemories(ctx context.Context, q Query) ([]*Memory, error)

	// GetMemoryByID returns the memory with the given ID, or (nil,
	// nil) when no such memory exists.
	GetMemoryByID(ctx context.Context, id string) (*Memory, error)
}

// newID returns a UUIDv7 string. Version 7 IDs sort roughly by creation
// time, which keeps SQLite index pages warm for recency queries.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// prepare fills server-assigned fields and validates the type/content
// pairing. Shared by both store implementations.
func prepare(m *Memory) error {
	if m == nil {
		return fmt.Errorf("nil memory")
	}
	if m.RoomID == "" {
		return fmt.Errorf("memory missing roomId")
	}
	switch m.Type {
	case TypeMessage:
		if _, ok := m.Content.(MessageContent); !ok {
			return fmt.Errorf("message memory with %T content", m.Content)
		}
	case TypeThought:
		if _, ok := m.Content.(ThoughtContent); !ok {
			return fmt.Errorf("thought memory with %T content", m.Content)
		}
	case TypeAction:
		ac, ok := m.Content.(ActionContent)
		if !ok {
			return fmt.Errorf("action memory with %T content", m.Content)
		}
		if ac.Kind != ActionCall && ac.Kind != ActionResult {
			return fmt.Errorf("action memory with unknown kind %q", ac.Kind)
		}
		if ac.Kind == ActionResult && ac.CallID == "" {
			return fmt.Errorf("action result missing callId")
		}
	default:
		return fmt.Errorf("unknown memory type %q", m.Type)
	}
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return nil
}

// contentText extracts the deduplication key for a memory's content:
// the message or thought text. Action records never dedupe.
func contentText(c Content) string {
	switch v := c.(type) {
	case MessageContent:
		return v.Text
	case ThoughtContent:
		return v.Text
	default:
		return ""
	}
}

// resultCallID returns the callId when c is a result-phase action
// record, or "" otherwise.
func resultCallID(c Content) string {
	if ac, ok := c.(ActionContent); ok && ac.Kind == ActionResult {
		return ac.CallID
	}
	return ""
}

// encodeContent serializes a memory payload for storage.
func encodeContent(c Content) ([]byte, error) {
	return json.Marshal(c)
}

// decodeContent deserializes a stored payload according to the
// memory's type.
func decodeContent(t MemoryType, raw []byte) (Content, error) {
	switch t {
	case TypeMessage:
		var c MessageContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode message content: %w", err)
		}
		return c, nil
	case TypeThought:
		var c ThoughtContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode thought content: %w", err)
		}
		return c, nil
	case TypeAction:
		var c ActionContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode action content: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown memory type %q", t)
	}
}

