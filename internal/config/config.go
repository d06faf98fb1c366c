// Package config handles Reeve configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/reeve/config.yaml, /etc/reeve/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "reeve", "config.yaml"))
	}

	paths = append(paths, "/etc/reeve/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Reeve configuration.
type Config struct {
	Agent      AgentConfig   `yaml:"agent"`
	Listen     ListenConfig  `yaml:"listen"`
	LLM        LLMConfig     `yaml:"llm"`
	Actions    ActionsConfig `yaml:"actions"`
	MQTT       MQTTConfig    `yaml:"mqtt"`
	Mail       MailConfig    `yaml:"mail"`
	Memory     MemoryConfig  `yaml:"memory"`
	DataDir    string        `yaml:"data_dir"`
	PersonaDir string        `yaml:"persona_dir"`
	LogLevel   string        `yaml:"log_level"`
	LogFormat  string        `yaml:"log_format"` // "text" or "json"
}

// AgentConfig defines the agent's identity. Username is the stable
// lookup key in the actors store; Name is the display name used in
// prompts and transcripts.
type AgentConfig struct {
	Name     string `yaml:"name"`
	Username string `yaml:"username"`
}

// ListenConfig defines the HTTP gateway settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig defines text-generation provider settings and the
// tier-to-model routing table.
type LLMConfig struct {
	// TimeoutSec bounds a single generation call. Zero means the
	// default (120 seconds).
	TimeoutSec int             `yaml:"timeout_sec"`
	OllamaURL  string          `yaml:"ollama_url"`
	Anthropic  AnthropicConfig `yaml:"anthropic"`
	Tiers      TiersConfig     `yaml:"tiers"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// TiersConfig maps the three abstract model tiers to concrete
// provider/model pairs. Callers select a tier; this table decides
// what actually serves it.
type TiersConfig struct {
	Small  TierConfig `yaml:"small"`
	Medium TierConfig `yaml:"medium"`
	Large  TierConfig `yaml:"large"`
}

// TierConfig names the provider ("ollama" or "anthropic") and model
// that serve one tier.
type TierConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ActionsConfig defines action dispatch settings.
type ActionsConfig struct {
	// HandlerTimeoutSec bounds a single action handler invocation.
	// Zero means the default (60 seconds).
	HandlerTimeoutSec int `yaml:"handler_timeout_sec"`
	// Fetch configures the bundled web_fetch action.
	Fetch FetchConfig `yaml:"fetch"`
}

// FetchConfig defines the bundled web_fetch action's limits.
type FetchConfig struct {
	Enabled      bool  `yaml:"enabled"`
	MaxBodyBytes int64 `yaml:"max_body_bytes"` // default 2 MiB
}

// MQTTConfig defines the optional MQTT gateway.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. tls://mqtt.example.net:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // default "reeve"
	ClientID    string `yaml:"client_id"`    // default "reeve"
}

// MailConfig defines the optional email gateway.
type MailConfig struct {
	Enabled         bool       `yaml:"enabled"`
	PollIntervalSec int        `yaml:"poll_interval_sec"` // default 60
	IMAP            IMAPConfig `yaml:"imap"`
	SMTP            SMTPConfig `yaml:"smtp"`
	// TrustedSenders lists addresses allowed to reach the agent.
	// Empty means every sender is refused.
	TrustedSenders []string `yaml:"trusted_senders"`
}

// IMAPConfig defines the inbound mail connection.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"` // default 993
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Folder   string `yaml:"folder"` // default "INBOX"
}

// SMTPConfig defines the outbound mail connection.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"` // default 587
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// MemoryConfig defines state snapshot bounds.
type MemoryConfig struct {
	// Window caps how many recent memories of each kind a state
	// snapshot loads. Zero means the default (32).
	Window int `yaml:"window"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration suitable for a local Ollama
// setup with no gateways beyond HTTP.
func Default() *Config {
	return &Config{
		Agent:      AgentConfig{Name: "Reeve", Username: "reeve"},
		Listen:     ListenConfig{Port: 8420},
		DataDir:    ".",
		PersonaDir: "persona",
		LLM: LLMConfig{
			OllamaURL: "http://localhost:11434",
			Tiers: TiersConfig{
				Small:  TierConfig{Provider: "ollama", Model: "qwen3:4b"},
				Medium: TierConfig{Provider: "ollama", Model: "qwen3:32b"},
				Large:  TierConfig{Provider: "ollama", Model: "qwen3:32b"},
			},
		},
		MQTT: MQTTConfig{TopicPrefix: "reeve", ClientID: "reeve"},
		Mail: MailConfig{
			PollIntervalSec: 60,
			IMAP:            IMAPConfig{Port: 993, Folder: "INBOX"},
			SMTP:            SMTPConfig{Port: 587},
		},
	}
}

// DatabasePath returns the SQLite database location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "reeve.db")
}
