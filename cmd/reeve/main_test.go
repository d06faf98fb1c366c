package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nugget/reeve/internal/config"
	"github.com/nugget/reeve/internal/llm"
	"github.com/nugget/reeve/internal/memory"
)

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	err := run(context.Background(), &out, &errOut, []string{"bogus"})
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !strings.Contains(err.Error(), "bogus") {
		t.Errorf("error = %q, want it to name the command", err)
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	var out, errOut bytes.Buffer
	err := run(context.Background(), &out, &errOut, []string{"-frobnicate"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
	if !strings.Contains(err.Error(), "-frobnicate") {
		t.Errorf("error = %q, want it to name the flag", err)
	}
}

func TestRun_NoArgsPrintsUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(context.Background(), &out, &errOut, nil); err != nil {
		t.Fatalf("run with no args: %v", err)
	}
	if !strings.Contains(out.String(), "Usage: reeve") {
		t.Errorf("output missing usage text: %q", out.String())
	}
}

func TestRun_BadOutputFormat(t *testing.T) {
	var out, errOut bytes.Buffer
	err := run(context.Background(), &out, &errOut, []string{"-o", "yaml", "version"})
	if err == nil {
		t.Fatal("expected error for unknown output format")
	}
	if !strings.Contains(err.Error(), "yaml") {
		t.Errorf("error = %q, want it to name the format", err)
	}
}

func TestRunVersion_Text(t *testing.T) {
	var buf bytes.Buffer
	if err := runVersion(&buf, "text"); err != nil {
		t.Fatalf("runVersion: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Reeve") {
		t.Errorf("output missing product name: %q", out)
	}
	for _, field := range []string{"version:", "go_version:", "os:", "arch:"} {
		if !strings.Contains(out, field) {
			t.Errorf("output missing %q field", field)
		}
	}
}

func TestRunVersion_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := runVersion(&buf, "json"); err != nil {
		t.Fatalf("runVersion: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(buf.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, buf.String())
	}
	if info["version"] == "" {
		t.Error("version field empty")
	}
}

func TestAgentIdentity(t *testing.T) {
	tests := []struct {
		name         string
		agent        config.AgentConfig
		wantID       string
		wantName     string
		wantUsername string
	}{
		{
			name:         "configured",
			agent:        config.AgentConfig{Name: "Marvin", Username: "marvin"},
			wantID:       "agent:marvin",
			wantName:     "Marvin",
			wantUsername: "marvin",
		},
		{
			name:         "defaults",
			agent:        config.AgentConfig{},
			wantID:       "agent:reeve",
			wantName:     "Reeve",
			wantUsername: "reeve",
		},
		{
			name:         "name only",
			agent:        config.AgentConfig{Name: "Marvin"},
			wantID:       "agent:reeve",
			wantName:     "Marvin",
			wantUsername: "reeve",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := agentIdentity(&config.Config{Agent: tt.agent})
			if got.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", got.ID, tt.wantID)
			}
			if got.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", got.Name, tt.wantName)
			}
			if got.Username != tt.wantUsername {
				t.Errorf("Username = %q, want %q", got.Username, tt.wantUsername)
			}
		})
	}
}

func TestBuildLLM_TierRouting(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Anthropic.APIKey = "sk-test"
	cfg.LLM.Tiers = config.TiersConfig{
		Small:  config.TierConfig{Provider: "ollama", Model: "small-model"},
		Medium: config.TierConfig{Provider: "ollama", Model: "medium-model"},
		Large:  config.TierConfig{Provider: "anthropic", Model: "large-model"},
	}

	client, err := buildLLM(cfg, nil)
	if err != nil {
		t.Fatalf("buildLLM: %v", err)
	}
	router, ok := client.(*llm.Router)
	if !ok {
		t.Fatalf("buildLLM returned %T, want *llm.Router", client)
	}

	tests := []struct {
		tier         llm.Tier
		wantProvider string
		wantModel    string
	}{
		{llm.TierSmall, "ollama", "small-model"},
		{llm.TierMedium, "ollama", "medium-model"},
		{llm.TierLarge, "anthropic", "large-model"},
	}
	for _, tt := range tests {
		rt, err := router.Lookup(tt.tier)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", tt.tier, err)
		}
		if rt.Name != tt.wantProvider {
			t.Errorf("tier %s provider = %q, want %q", tt.tier, rt.Name, tt.wantProvider)
		}
		if rt.Model != tt.wantModel {
			t.Errorf("tier %s model = %q, want %q", tt.tier, rt.Model, tt.wantModel)
		}
	}
}

func TestBuildLLM_AnthropicRequiresKey(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Tiers.Large = config.TierConfig{Provider: "anthropic", Model: "large-model"}

	_, err := buildLLM(cfg, nil)
	if err == nil {
		t.Fatal("expected error when anthropic tier configured without api_key")
	}
	if !strings.Contains(err.Error(), "anthropic") {
		t.Errorf("error = %q, want it to name the provider", err)
	}
}

func TestBuildLLM_EmptyTierFallsBack(t *testing.T) {
	cfg := config.Default()
	// Only the medium tier names a model; small and large are blank.
	cfg.LLM.Tiers = config.TiersConfig{
		Medium: config.TierConfig{Provider: "ollama", Model: "the-model"},
	}

	client, err := buildLLM(cfg, nil)
	if err != nil {
		t.Fatalf("buildLLM: %v", err)
	}
	router := client.(*llm.Router)

	// An unrouted tier falls back to medium.
	rt, err := router.Lookup(llm.TierLarge)
	if err != nil {
		t.Fatalf("Lookup(large): %v", err)
	}
	if rt.Model != "the-model" {
		t.Errorf("large tier model = %q, want medium fallback %q", rt.Model, "the-model")
	}
}

func TestTimeoutHelpers(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.TimeoutSec = 30
	cfg.Actions.HandlerTimeoutSec = 0

	if got := llmTimeout(cfg); got != 30*time.Second {
		t.Errorf("llmTimeout = %v, want 30s", got)
	}
	// Zero passes through: the dispatcher applies its own default.
	if got := handlerTimeout(cfg); got != 0 {
		t.Errorf("handlerTimeout = %v, want 0", got)
	}
}

func TestPrintClient(t *testing.T) {
	var buf bytes.Buffer
	c := &printClient{w: &buf}

	msg := memory.NewMessage("agent-1", "agent-1", "cli", memory.MessageContent{Text: "hello there"})
	if _, err := c.DeliverMessage(context.Background(), msg); err != nil {
		t.Fatalf("DeliverMessage: %v", err)
	}
	if got := buf.String(); got != "hello there\n" {
		t.Errorf("output = %q, want %q", got, "hello there\n")
	}

	// Non-message memories print nothing.
	buf.Reset()
	thought := memory.NewThought("agent-1", "agent-1", "cli", memory.ThoughtContent{MsgID: "m1", Text: "private"})
	if _, err := c.DeliverMessage(context.Background(), thought); err != nil {
		t.Fatalf("DeliverMessage thought: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("thought delivery printed %q, want nothing", buf.String())
	}
}
