package prompts

import (
	"context"

	"github.com/nugget/reeve/internal/template"
)

// followupTemplate is the action-results prompt: the model sees the
// outcomes of the batch it requested and decides whether to respond
// further or run more actions.
const followupTemplate = `# Participants
{{actors}}

# Actions (full catalog)
{{actions}}

# Context
{{providers}}

# Conversation so far
{{recentMessages}}

# Triggering message from {{senderName}} (id: {{msgId}})
{{currentMessage}}

# What {{agentName}} already said this turn
{{priorResponse}}

# Earlier thinking this turn
{{thoughts}}

# Action results
{{actionResults}}

# Task
The requested actions have finished; their results are listed above.
Decide whether {{agentName}} should say anything more or run further
actions. Reply using only these elements:

<thinking msgId="{{msgId}}">what the results mean for the conversation</thinking>
<response msgId="{{msgId}}">text to send to the room</response>
<action name="some_action">{"param": "value"}</action>

Rules:
- Start with exactly one <thinking> element.
- Do not repeat or rephrase text {{agentName}} already sent.
- Emit <response> only if the results call for saying something.
- Request further actions only when genuinely needed. If nothing
  remains to do, reply with a single <thinking> element.
- Anything outside these elements is discarded.`

// Followup renders a follow-up generation round.
func Followup(ctx context.Context, in Input) (system, prompt string) {
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
		"priorResponse":  fallback(in.PriorResponse, "(nothing yet)"),
		"thoughts":       orNone(FormatThoughts(in.State, in.Message.ID)),
		"actionResults":  orNone(FormatResults(in.State, in.Message.ID)),
	}
	prompt = template.RenderWith(followupTemplate, vars, formatter(ctx, in))
	return system, prompt
}
