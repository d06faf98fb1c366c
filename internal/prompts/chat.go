package prompts

import (
	"context"

	"github.com/nugget/reeve/internal/actions"
	"github.com/nugget/reeve/internal/memory"
	"github.com/nugget/reeve/internal/state"
	"github.com/nugget/reeve/internal/template"
)

// Input carries the dynamic parts of one generation round.
type Input struct {
	State   *state.State
	Message *memory.Memory // triggering message

	// Actions is the set offered to the model: the enabled subset for
	// the chat round, the full catalog for follow-up rounds.
	Actions []*actions.Action

	// Bio and Instructions come from the persona loader.
	Bio          string
	Instructions string

	// Provided holds context-provider output keyed by provider name.
	Provided map[string]string

	// PriorResponse is what the agent already said this turn.
	// Follow-up rounds only.
	PriorResponse string
}

// systemTemplate frames the agent's identity. Both rounds share it.
const systemTemplate = `You are {{agentName}} ({{agentUsername}}), taking part in a group conversation.

# About {{agentName}}
{{bio}}

# Operating instructions
{{instructions}}

Keep private reasoning inside <thinking> elements; it is never shown to
the room. Only <response> text reaches the other participants.`

// chatTemplate is the initial-round prompt: the model sees the room,
// the enabled actions, and the new message, and decides what to say
// and what to run.
const chatTemplate = `# Participants
{{actors}}

# Available actions
{{actions}}

# Context
{{providers}}

# Conversation so far
{{recentMessages}}

# New message from {{senderName}} (id: {{msgId}})
{{currentMessage}}

# Task
Decide how {{agentName}} handles the new message. Reply using only
these elements:

<thinking msgId="{{msgId}}">why you are proceeding this way</thinking>
<response msgId="{{msgId}}">text to send to the room</response>
<action name="some_action">{"param": "value"}</action>

Rules:
- Start with exactly one <thinking> element.
- Emit a <response> element for anything {{agentName}} should say.
  Multiple <response> elements are joined into one message.
- Request an action only when it is listed above. One <action> element
  per call; the body is a JSON object matching the action's params
  schema.
- When an action will produce information you need, request it and
  stop. You will be called again with the result. Do not guess.
- Anything outside these elements is discarded.`

// Chat renders the initial generation round.
func Chat(ctx context.Context, in Input) (system, prompt string) {
	system = template.Render(systemTemplate, identityVars(in))
	vars := template.Vars{
		"agentName":      in.State.Agent.Name,
		"senderName":     in.State.ActorName(in.Message.UserID),
		"msgId":          in.Message.ID,
		"actors":         orNone(FormatActors(in.State)),
		"actions":        in.Actions,
		"providers":      in.Provided,
		"recentMessages": orNone(FormatMessages(in.State, in.Message.ID)),
		"currentMessage": FormatMessage(in.State, in.Message),
	}
	prompt = template.RenderWith(chatTemplate, vars, formatter(ctx, in))
	return system, prompt
}

func identityVars(in Input) template.Vars {
	return template.Vars{
		"agentName":     fallback(in.State.Agent.Name, in.State.Agent.Username),
		"agentUsername": in.State.Agent.Username,
		"bio":           fallback(in.Bio, "(none)"),
		"instructions":  fallback(in.Instructions, "(none)"),
	}
}
