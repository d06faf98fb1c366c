// Package llm provides access to text-generation models.
//
// Providers (Ollama, Anthropic) speak the wire protocols. A Router
// composes them into a Client that resolves capability tiers to
// concrete provider+model pairs, so callers ask for "small" or
// "large" without naming what serves it.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Tier names a model capability class. Prompts request a tier; the
// Router decides which provider and model serve it.
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// ParseTier maps a config string to a Tier. The empty string maps to
// TierMedium.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierSmall, TierMedium, TierLarge:
		return t, nil
	case "":
		return TierMedium, nil
	default:
		return "", fmt.Errorf("unknown model tier %q", s)
	}
}

// Request is a single-shot generation request. The agent assembles
// complete prompts itself, so there is no chat history here: one
// system prompt, one user prompt.
type Request struct {
	System string   // system prompt, may be empty
	Prompt string   // user-role content
	Tier   Tier     // capability class; empty means TierMedium
	Stop   []string // stop sequences, passed through where the provider supports them
}

// Response is the unified response from any provider.
type Response struct {
	Text  string
	Model string

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int
}

// Client answers generation requests.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Ping(ctx context.Context) error
}

// Provider is a model host that can run a named model. Adapters
// implement this; the Router supplies the model name.
type Provider interface {
	Generate(ctx context.Context, model string, req Request) (*Response, error)
	Ping(ctx context.Context) error
}
