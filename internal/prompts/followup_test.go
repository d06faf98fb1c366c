package prompts

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nugget/reeve/internal/actions"
	"github.com/nugget/reeve/internal/memory"
)

func TestFollowup(t *testing.T) {
	st, trigger := fixtureState()

	call := &memory.Memory{
		ID:        "call-1",
		Type:      memory.TypeAction,
		AgentID:   st.Agent.ID,
		UserID:    trigger.UserID,
		RoomID:    st.Room.ID,
		CreatedAt: trigger.CreatedAt.Add(time.Second),
		Content: memory.ActionContent{
			Kind:   memory.ActionCall,
			Name:   "weather_lookup",
			MsgID:  trigger.ID,
			Params: json.RawMessage(`{"city":"Oslo"}`),
		},
	}
	result := &memory.Memory{
		ID:        "res-1",
		Type:      memory.TypeAction,
		AgentID:   st.Agent.ID,
		UserID:    trigger.UserID,
		RoomID:    st.Room.ID,
		CreatedAt: trigger.CreatedAt.Add(2 * time.Second),
		Content: memory.ActionContent{
			Kind:   memory.ActionResult,
			Name:   "weather_lookup",
			MsgID:  trigger.ID,
			CallID: call.ID,
			Result: json.RawMessage(`{"temp":-3,"sky":"clear"}`),
		},
	}
	st.Actions.Calls[call.ID] = call
	st.Actions.Results[call.ID] = result

	st.Thoughts = append(st.Thoughts, &memory.Memory{
		ID:      "t-1",
		Type:    memory.TypeThought,
		RoomID:  st.Room.ID,
		Content: memory.ThoughtContent{MsgID: trigger.ID, Text: "need the forecast before answering"},
	})

	_, prompt := Followup(context.Background(), Input{
		State:         st,
		Message:       trigger,
		Actions:       []*actions.Action{fixtureAction()},
		PriorResponse: "Let me check.",
	})

	if !strings.Contains(prompt, `weather_lookup: {"temp":-3,"sky":"clear"}`) {
		t.Error("prompt should carry the action result payload")
	}
	if !strings.Contains(prompt, "need the forecast before answering") {
		t.Error("prompt should carry earlier thinking")
	}
	if !strings.Contains(prompt, "Let me check.") {
		t.Error("prompt should carry the prior response")
	}
	if !strings.Contains(prompt, `msgId="m-2"`) {
		t.Error("prompt should instruct tags with the triggering message id")
	}
	if strings.Contains(prompt, "{{") {
		t.Errorf("unrendered placeholder left in prompt:\n%s", prompt)
	}
}

func TestFollowup_ErrorResult(t *testing.T) {
	st, trigger := fixtureState()

	st.Actions.Results["call-9"] = &memory.Memory{
		ID:        "res-9",
		Type:      memory.TypeAction,
		RoomID:    st.Room.ID,
		CreatedAt: trigger.CreatedAt.Add(time.Second),
		Content: memory.ActionContent{
			Kind:   memory.ActionResult,
			Name:   "weather_lookup",
			MsgID:  trigger.ID,
			CallID: "call-9",
			Error:  "upstream timed out",
		},
	}

	_, prompt := Followup(context.Background(), Input{State: st, Message: trigger})

	if !strings.Contains(prompt, "weather_lookup: error: upstream timed out") {
		t.Error("prompt should surface the handler error")
	}
}

func TestFollowup_ScopedToTriggeringMessage(t *testing.T) {
	st, trigger := fixtureState()

	// A result and a thought from some other turn must not leak in.
	st.Actions.Results["call-8"] = &memory.Memory{
		ID:        "res-8",
		Type:      memory.TypeAction,
		RoomID:    st.Room.ID,
		CreatedAt: trigger.CreatedAt.Add(time.Second),
		Content: memory.ActionContent{
			Kind:   memory.ActionResult,
			Name:   "weather_lookup",
			MsgID:  "m-0",
			CallID: "call-8",
			Result: json.RawMessage(`{"stale":true}`),
		},
	}
	st.Thoughts = append(st.Thoughts, &memory.Memory{
		ID:      "t-8",
		Type:    memory.TypeThought,
		RoomID:  st.Room.ID,
		Content: memory.ThoughtContent{MsgID: "m-0", Text: "stale reasoning"},
	})

	_, prompt := Followup(context.Background(), Input{State: st, Message: trigger})

	if strings.Contains(prompt, "stale") {
		t.Error("results and thoughts from other messages leaked into the prompt")
	}
}
