// Reeve is a conversational agent runtime.
//
// It turns an inbound room message into zero or more replies and zero
// or more asynchronous actions, with an LLM as the decision core.
// Messages arrive over the HTTP API, MQTT topics, or email; replies go
// back out the way they came in. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	reeve serve              Start the agent runtime
//	reeve init [dir]         Initialize a working directory with defaults
//	reeve ask <question>     Ask a single question (for testing)
//	reeve version            Print version and build information
//	reeve -o json version    Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/reeve/internal/actions"
	"github.com/nugget/reeve/internal/actors"
	"github.com/nugget/reeve/internal/agent"
	"github.com/nugget/reeve/internal/api"
	"github.com/nugget/reeve/internal/buildinfo"
	"github.com/nugget/reeve/internal/config"
	"github.com/nugget/reeve/internal/events"
	"github.com/nugget/reeve/internal/fetch"
	"github.com/nugget/reeve/internal/llm"
	"github.com/nugget/reeve/internal/mailgw"
	"github.com/nugget/reeve/internal/memory"
	"github.com/nugget/reeve/internal/mqtt"
	"github.com/nugget/reeve/internal/persona"
	"github.com/nugget/reeve/internal/state"
	"github.com/nugget/reeve/internal/web"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the reeve command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the gateways and the HTTP server.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: reeve ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// reeve is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Reeve - Conversational Agent Runtime")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: reeve [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the agent runtime")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/reeve/config.yaml, /etc/reeve/config.yaml")
	return nil
}

// runAsk handles the "reeve ask <question>" subcommand. It boots a
// minimal runtime (in-memory stores, no gateways) and processes a
// single question, printing the agent's replies to stdout. Useful for
// quick smoke tests and debugging without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Nothing to persist for a one-shot question: memories live in an
	// in-memory store, actors in an in-memory database.
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return fmt.Errorf("open in-memory database: %w", err)
	}
	defer db.Close()

	directory, err := actors.NewStore(db)
	if err != nil {
		return fmt.Errorf("create actor directory: %w", err)
	}
	store := memory.NewMemStore(nil)

	agentActor := agentIdentity(cfg)
	composer := state.NewComposer(store, directory, agentActor, cfg.Memory.Window, logger)

	registry := actions.NewRegistry(logger)
	if cfg.Actions.Fetch.Enabled {
		registry.Register(fetch.NewAction(cfg.Actions.Fetch))
	}
	dispatcher := actions.NewDispatcher(registry, store, composer, handlerTimeout(cfg), nil, logger)

	client, err := buildLLM(cfg, logger)
	if err != nil {
		return err
	}

	loop := agent.NewLoop(agentActor, store, directory, composer, registry, dispatcher, client, logger)
	loop.SetLLMTimeout(llmTimeout(cfg))
	loop.SetPersona(persona.NewLoader(cfg.PersonaDir))
	loop.AddProvider(agent.NewSourceNotes())
	loop.RegisterClient("cli", &printClient{w: stdout})

	err = loop.HandleMessage(ctx, agent.Inbound{
		RoomID: "cli",
		Sender: actors.Actor{ID: "operator", Name: "Operator"},
		Text:   question,
		Source: "cli",
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	return nil
}

// printClient is the client adapter for the ask subcommand: replies
// print to stdout as they are delivered.
type printClient struct {
	w io.Writer
}

func (c *printClient) DeliverMessage(_ context.Context, m *memory.Memory) (*memory.Memory, error) {
	if mc, ok := m.Message(); ok {
		fmt.Fprintln(c.w, mc.Text)
	}
	return m, nil
}

// runServe handles the "reeve serve" subcommand. It is the primary
// operating mode: loads config, opens the database, builds the
// orchestration loop with its action registry and persona, starts the
// enabled gateways, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT gateway publishes its retained "offline" status
//  3. The HTTP server drains in-flight requests and closes WebSockets
//  4. The database connection is closed via defer
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Reeve", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	// The initial Info-level text logger is used only for the startup
	// banner; everything after this point uses the configured settings.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			level, err = config.ParseLogLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
		}
		format, err := config.ParseLogFormat(cfg.LogFormat)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level, format)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"data_dir", cfg.DataDir,
	)

	// --- Data directory ---
	// All persistent state (the SQLite database for memories, actors,
	// rooms, and participants) lives under this directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Event bus ---
	// Everything observable (memory writes, turn lifecycle, LLM calls,
	// action dispatches) flows through here to the WebSocket event
	// stream and the session counters.
	bus := events.New()

	// --- Database ---
	// Memories and the actor directory share one SQLite file so a
	// backup is a single file copy.
	dbPath := cfg.DatabasePath()
	db, err := memory.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer db.Close()

	store, err := memory.NewSQLiteStore(db, bus, logger)
	if err != nil {
		return fmt.Errorf("create memory store: %w", err)
	}
	directory, err := actors.NewStore(db)
	if err != nil {
		return fmt.Errorf("create actor directory: %w", err)
	}
	logger.Info("database opened", "path", dbPath)

	// --- Agent identity ---
	// The agent is an actor like any other; rooms list it as a
	// participant and its outbound messages carry its actor ID.
	agentActor := agentIdentity(cfg)
	if err := directory.EnsureActor(ctx, agentActor); err != nil {
		return fmt.Errorf("ensure agent actor: %w", err)
	}

	// --- LLM providers ---
	// The tier router resolves small/medium/large to the configured
	// provider+model pairs.
	llmClient, err := buildLLM(cfg, logger)
	if err != nil {
		return err
	}

	// --- State composer ---
	composer := state.NewComposer(store, directory, agentActor, cfg.Memory.Window, logger)

	// --- Actions ---
	// Bundled actions register here; the dispatcher runs each batch of
	// requested calls concurrently and records their results.
	registry := actions.NewRegistry(logger)
	if cfg.Actions.Fetch.Enabled {
		registry.Register(fetch.NewAction(cfg.Actions.Fetch))
		logger.Info("web fetch enabled", "max_body_bytes", cfg.Actions.Fetch.MaxBodyBytes)
	}
	dispatcher := actions.NewDispatcher(registry, store, composer, handlerTimeout(cfg), bus, logger)

	// --- Persona ---
	// Markdown documents that shape the agent's identity. Loaded fresh
	// each turn, so edits land without a restart; a missing directory
	// falls back to the built-in persona.
	personaLoader := persona.NewLoader(cfg.PersonaDir)
	if docs, err := personaLoader.Docs(); err == nil && len(docs) > 0 {
		logger.Info("persona loaded", "dir", cfg.PersonaDir, "documents", len(docs))
	} else {
		logger.Info("no persona documents, using built-in persona", "dir", cfg.PersonaDir)
	}

	// --- Orchestration loop ---
	// The core state machine. Gateways feed it inbound messages; it
	// routes outbound messages back to whichever gateway the
	// conversation arrived on.
	loop := agent.NewLoop(agentActor, store, directory, composer, registry, dispatcher, llmClient, logger)
	loop.SetBus(bus)
	loop.SetLLMTimeout(llmTimeout(cfg))
	loop.SetPersona(personaLoader)
	loop.AddProvider(agent.NewSourceNotes())

	// --- API server ---
	// The HTTP gateway: message endpoints, memory queries, WebSocket
	// streams, and the operator web UI. It doubles as the client
	// adapter for the "api" source and the fallback for sources with
	// no adapter of their own.
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, agentActor, loop, store, logger)
	server.SetDirectory(directory)
	server.SetRegistry(registry)
	server.SetLLM(llmClient)
	server.SetBus(bus)
	server.SetWebUI(web.New(web.Config{
		BrandName: cfg.Agent.Name,
		Store:     store,
		Directory: directory,
		Registry:  registry,
		StatsFunc: func() web.Stats {
			snap := server.Stats().Snapshot()
			return web.Stats{
				Turns:        snap.Turns,
				LLMCalls:     snap.LLMCalls,
				InputTokens:  snap.InputTokens,
				OutputTokens: snap.OutputTokens,
				ActionCalls:  snap.ActionCalls,
				Memories:     snap.Memories,
			}
		},
		Logger: logger,
	}))
	loop.RegisterClient("api", server)
	loop.RegisterClient("", server)

	// --- MQTT gateway ---
	// Optional: subscribes to <prefix>/rooms/+/in and publishes replies
	// to the matching /out topic, with a retained availability topic.
	var mqttGW *mqtt.Gateway
	if cfg.MQTT.Enabled {
		mqttGW = mqtt.New(cfg.MQTT, loop, logger)
		loop.RegisterClient("mqtt", mqttGW)
		go func() {
			if err := mqttGW.Start(ctx); err != nil {
				logger.Error("mqtt gateway failed", "error", err)
			}
		}()
		logger.Info("mqtt gateway enabled", "broker", cfg.MQTT.Broker, "topic_prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt gateway disabled (not configured)")
	}

	// --- Mail gateway ---
	// Optional: polls an IMAP folder for unseen mail from trusted
	// senders and replies over SMTP in the same thread.
	var mailGW *mailgw.Gateway
	if cfg.Mail.Enabled {
		mailGW = mailgw.New(cfg.Mail, loop, logger)
		mailGW.SetBus(bus)
		loop.RegisterClient("mail", mailGW)
		go func() {
			if err := mailGW.Start(ctx); err != nil {
				logger.Error("mail gateway failed", "error", err)
			}
		}()
		logger.Info("mail gateway enabled", "host", cfg.Mail.IMAP.Host, "folder", cfg.Mail.IMAP.Folder)
	} else {
		logger.Info("mail gateway disabled (not configured)")
	}

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if mqttGW != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttGW.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if mailGW != nil {
			if err := mailGW.Stop(context.Background()); err != nil {
				logger.Error("mail shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Reeve stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text. All log output in Reeve goes through slog; this helper standardizes
// the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// agentIdentity derives the agent's actor record from config. The ID
// is stable across restarts so room history stays attached to it.
func agentIdentity(cfg *config.Config) actors.Actor {
	username := cfg.Agent.Username
	if username == "" {
		username = "reeve"
	}
	name := cfg.Agent.Name
	if name == "" {
		name = "Reeve"
	}
	return actors.Actor{
		ID:       "agent:" + username,
		Name:     name,
		Username: username,
	}
}

// buildLLM constructs the tier router over the configured providers.
// Each tier names a provider ("ollama" or "anthropic") and model; the
// Anthropic provider is only available when an API key is configured.
func buildLLM(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	providers := map[string]llm.Provider{
		"ollama": llm.NewOllamaClient(cfg.LLM.OllamaURL, logger),
	}
	if cfg.LLM.Anthropic.APIKey != "" {
		providers["anthropic"] = llm.NewAnthropicClient(cfg.LLM.Anthropic.APIKey, logger)
		logger.Info("Anthropic provider configured")
	}

	router := llm.NewRouter(logger)
	for tier, tc := range map[llm.Tier]config.TierConfig{
		llm.TierSmall:  cfg.LLM.Tiers.Small,
		llm.TierMedium: cfg.LLM.Tiers.Medium,
		llm.TierLarge:  cfg.LLM.Tiers.Large,
	} {
		if tc.Model == "" {
			continue
		}
		name := tc.Provider
		if name == "" {
			name = "ollama"
		}
		provider, ok := providers[name]
		if !ok {
			return nil, fmt.Errorf("tier %s names unknown provider %q (anthropic requires an api_key)", tier, name)
		}
		router.Set(tier, name, provider, tc.Model)
		logger.Info("model tier routed", "tier", string(tier), "provider", name, "model", tc.Model)
	}
	return router, nil
}

// llmTimeout returns the configured generation timeout, or zero to
// keep the loop's default.
func llmTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.LLM.TimeoutSec) * time.Second
}

// handlerTimeout returns the configured action handler timeout, or
// zero to keep the dispatcher's default.
func handlerTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Actions.HandlerTimeoutSec) * time.Second
}
