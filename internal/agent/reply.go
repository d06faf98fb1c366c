package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nugget/reeve/internal/template"
)

// actionCall is one requested call, parsed but not yet persisted.
type actionCall struct {
	name   string
	params json.RawMessage
}

// reply is the parsed form of one generation round.
type reply struct {
	thinking  []string
	responses []string
	calls     []actionCall
}

// parseReply extracts the reply vocabulary from raw model output:
// <thinking>, <response>, and <action name="...">{json}</action>
// elements. Free text outside the elements is discarded. Malformed
// elements are skipped and reported as errors for logging; they never
// abort the parse. The msgId attribute the model echoes is ignored —
// the loop already knows which message triggered the round.
func parseReply(text string) (reply, []error) {
	var r reply
	errs := template.Visit(text, map[string]template.Visitor{
		"thinking": func(n template.Node) error {
			body := strings.TrimSpace(n.Body)
			if body == "" {
				return fmt.Errorf("empty element")
			}
			r.thinking = append(r.thinking, body)
			return nil
		},
		"response": func(n template.Node) error {
			body := strings.TrimSpace(n.Body)
			if body == "" {
				return fmt.Errorf("empty element")
			}
			r.responses = append(r.responses, body)
			return nil
		},
		"action": func(n template.Node) error {
			name := n.Attr("name")
			if name == "" {
				return fmt.Errorf("missing name attribute")
			}
			body := strings.TrimSpace(n.Body)
			if body == "" {
				body = "{}"
			}
			var params map[string]any
			if err := json.Unmarshal([]byte(body), &params); err != nil {
				return fmt.Errorf("action %s body is not a JSON object: %w", name, err)
			}
			r.calls = append(r.calls, actionCall{name: name, params: json.RawMessage(body)})
			return nil
		},
	})
	return r, errs
}
