package fetch

import (
	"context"

	"github.com/nugget/reeve/internal/actions"
	"github.com/nugget/reeve/internal/config"
	"github.com/nugget/reeve/internal/memory"
	"github.com/nugget/reeve/internal/state"
)

// NewAction builds the bundled web_fetch action. The handler returns a
// *Result; the dispatcher serializes it into the action result memory.
func NewAction(cfg config.FetchConfig) *actions.Action {
	f := New(cfg.MaxBodyBytes)

	return &actions.Action{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its readable text content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL to fetch.",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"description": "Maximum characters of extracted text to return. Default: 50000.",
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, _ *memory.Memory, _ *state.State, params map[string]any) (any, error) {
			url, _ := params["url"].(string)
			// Validated params carry integers as int; raw JSON decodes
			// them as float64.
			maxChars := 0
			switch mc := params["max_chars"].(type) {
			case int:
				maxChars = mc
			case float64:
				maxChars = int(mc)
			}
			return f.Fetch(ctx, url, maxChars)
		},
		Enabled: true,
	}
}
