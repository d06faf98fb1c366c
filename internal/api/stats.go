package api

import (
	"sync"
	"time"

	"github.com/nugget/reeve/internal/buildinfo"
	"github.com/nugget/reeve/internal/events"
)

// Stats accumulates session counters from the event bus.
type Stats struct {
	mu           sync.Mutex
	turns        int64
	llmCalls     int64
	inputTokens  int64
	outputTokens int64
	actionCalls  int64
	memories     int64
}

// StatsSnapshot is the JSON shape of the stats endpoint.
type StatsSnapshot struct {
	Turns        int64  `json:"turns"`
	LLMCalls     int64  `json:"llm_calls"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	ActionCalls  int64  `json:"action_calls"`
	Memories     int64  `json:"memories"`
	Uptime       string `json:"uptime"`
	Version      string `json:"version"`
}

// Observe updates the counters from one bus event.
func (st *Stats) Observe(e events.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch e.Kind {
	case events.KindTurnComplete:
		st.turns++
	case events.KindLLMResponse:
		st.llmCalls++
		st.inputTokens += asInt64(e.Data["tokens_in"])
		st.outputTokens += asInt64(e.Data["tokens_out"])
	case events.KindActionDone:
		st.actionCalls++
	case events.KindMemoryCreated:
		st.memories++
	}
}

// Snapshot copies the counters for reporting.
func (st *Stats) Snapshot() StatsSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return StatsSnapshot{
		Turns:        st.turns,
		LLMCalls:     st.llmCalls,
		InputTokens:  st.inputTokens,
		OutputTokens: st.outputTokens,
		ActionCalls:  st.actionCalls,
		Memories:     st.memories,
		Uptime:       buildinfo.Uptime().Round(time.Second).String(),
		Version:      buildinfo.Version,
	}
}

// asInt64 tolerates the numeric types that survive an event Data map,
// including float64 from JSON round-trips.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
