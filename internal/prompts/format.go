package prompts

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/reeve/internal/actions"
	"github.com/nugget/reeve/internal/memory"
	"github.com/nugget/reeve/internal/state"
	"github.com/nugget/reeve/internal/template"
)

// FormatMessage renders one conversation message as a transcript line.
// Non-message memories render as empty.
func FormatMessage(st *state.State, m *memory.Memory) string {
	mc, ok := m.Message()
	if !ok {
		return ""
	}
	line := fmt.Sprintf("%s %s: %s", m.CreatedAt.Format("Jan 2 15:04"), st.ActorName(m.UserID), mc.Text)
	if mc.Action != "" {
		line += fmt.Sprintf(" (%s)", mc.Action)
	}
	if len(mc.Attachments) > 0 {
		line += fmt.Sprintf(" [%d attachments]", len(mc.Attachments))
	}
	return line
}

// FormatMessages renders the room transcript, oldest first. The memory
// with the given ID is skipped; both prompts present the triggering
// message separately.
func FormatMessages(st *state.State, excludeID string) []string {
	var lines []string
	for _, m := range st.Messages {
		if m.ID == excludeID {
			continue
		}
		if line := FormatMessage(st, m); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// FormatActors renders the room roster.
func FormatActors(st *state.State) []string {
	var lines []string
	for _, a := range st.Actors {
		switch {
		case a.Name != "" && a.Username != "":
			lines = append(lines, fmt.Sprintf("%s (@%s)", a.Name, a.Username))
		case a.Name != "":
			lines = append(lines, a.Name)
		case a.Username != "":
			lines = append(lines, "@"+a.Username)
		default:
			lines = append(lines, a.ID)
		}
	}
	return lines
}

// FormatActions renders action definitions with their parameter
// schemas resolved against the live state.
func FormatActions(ctx context.Context, defs []*actions.Action, msg *memory.Memory, st *state.State) []string {
	var lines []string
	for _, a := range defs {
		entry := fmt.Sprintf("- %s: %s", a.Name, a.Description)
		if schema := a.Schema(ctx, msg, st); schema != nil {
			if js, err := json.Marshal(schema); err == nil {
				entry += fmt.Sprintf("\n  params: %s", js)
			}
		}
		lines = append(lines, entry)
	}
	return lines
}

// ActionNames joins action names for inline mention.
func ActionNames(defs []*actions.Action) string {
	names := make([]string, 0, len(defs))
	for _, a := range defs {
		names = append(names, a.Name)
	}
	return strings.Join(names, ", ")
}

// FormatThoughts renders the agent's earlier thoughts about one
// message, oldest first. An empty msgID includes every thought.
func FormatThoughts(st *state.State, msgID string) []string {
	var lines []string
	for _, m := range st.Thoughts {
		tc, ok := m.Thought()
		if !ok {
			continue
		}
		if msgID != "" && tc.MsgID != msgID {
			continue
		}
		lines = append(lines, "- "+tc.Text)
	}
	return lines
}

// FormatResults renders completed action outcomes for one message,
// oldest first. An empty msgID includes every result in the state
// window.
func FormatResults(st *state.State, msgID string) []string {
	var results []*memory.Memory
	for _, m := range st.Actions.Results {
		ac, ok := m.Action()
		if !ok {
			continue
		}
		if msgID != "" && ac.MsgID != msgID {
			continue
		}
		results = append(results, m)
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.Before(results[j].CreatedAt)
		}
		return results[i].ID < results[j].ID
	})

	var lines []string
	for _, m := range results {
		ac, _ := m.Action()
		switch {
		case ac.Error != "":
			lines = append(lines, fmt.Sprintf("- %s: error: %s", ac.Name, ac.Error))
		case len(ac.Result) > 0:
			lines = append(lines, fmt.Sprintf("- %s: %s", ac.Name, ac.Result))
		default:
			lines = append(lines, fmt.Sprintf("- %s: done", ac.Name))
		}
	}
	return lines
}

// FormatProvided renders context-provider output, sorted by provider
// name so prompt text is stable across runs.
func FormatProvided(provided map[string]string) []string {
	names := make([]string, 0, len(provided))
	for name, value := range provided {
		if value == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var lines []string
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("%s:\n%s", name, provided[name]))
	}
	return lines
}

// formatter is the template pre-pass that turns raw runtime values
// (action definitions, provider output) into renderable text.
func formatter(ctx context.Context, in Input) template.Formatter {
	return func(vars template.Vars) template.Vars {
		if defs, ok := vars["actions"].([]*actions.Action); ok {
			vars["actions"] = orNone(FormatActions(ctx, defs, in.Message, in.State))
		}
		if provided, ok := vars["providers"].(map[string]string); ok {
			vars["providers"] = orNone(FormatProvided(provided))
		}
		return vars
	}
}

// orNone substitutes a placeholder for empty sections so the prompt
// never shows a bare heading.
func orNone(lines []string) any {
	if len(lines) == 0 {
		return "(none)"
	}
	return lines
}

// fallback returns alt when s is empty.
func fallback(s, alt string) string {
	if s == "" {
		return alt
	}
	return s
}
