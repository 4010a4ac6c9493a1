// Command glitchcube runs the conversation service for the GlitchCube
// installation: an HTTP API that Home Assistant's conversation pipeline
// calls once per spoken turn, plus the background machinery around it
// (async intent execution, MQTT status publishing, persona management).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Wonderlux-Labs/glitchcube-agent/internal/api"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/buildinfo"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/config"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/fetch"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/homeassistant"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/llm"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/mqtt"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/orchestrator"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/persona"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/store"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/tools"
	"github.com/Wonderlux-Labs/glitchcube-agent/internal/worker"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], which keeps os.Exit, os.Stdout, and
// os.Args out of the application logic so tests can drive the full
// lifecycle.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals (flag.CommandLine), which makes
// it impossible to call run concurrently from tests, and the argument
// surface here is small enough that manual parsing stays readable.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
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
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return errors.New("usage: glitchcube ask <message>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
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
	// Stable field order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// glitchcube is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "GlitchCube - Conversational Art Installation Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: glitchcube [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the conversation API server")
	fmt.Fprintln(w, "  ask <msg>    Run a single turn from the command line (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/glitchcube/config.yaml, /etc/glitchcube/config.yaml")
	return nil
}

// newLogger creates a structured text logger writing to w at the given
// level. All log output goes through slog; this helper standardizes the
// handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty that exact path is used; otherwise [config.FindConfig]
// searches the default locations.
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

// runAsk handles the "glitchcube ask <message>" subcommand. It boots the
// pipeline without the HTTP server, MQTT, or the Home Assistant state
// cache and processes a single turn, printing the spoken response to
// stdout. Useful for smoke tests against a live model.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	message := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	db, err := store.Open(filepath.Join(cfg.DataDir, "glitchcube.db"))
	if err != nil {
		return fmt.Errorf("open conversation database: %w", err)
	}
	defer db.Close()

	// Home Assistant is optional for one-shots; without it the state
	// tools fail at call time, which the pipeline reports back to the
	// model as tool errors.
	var ha tools.HomeAssistant
	if cfg.HomeAssistant.URL != "" && cfg.HomeAssistant.Token != "" {
		ha = homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	}

	llmClient := llm.NewOpenRouterClient(cfg.LLM.BaseURL, cfg.LLM.APIKey,
		time.Duration(cfg.LLM.TimeoutSec)*time.Second, logger)

	personas, err := persona.NewStore(cfg.Personas.Dir, cfg.Personas.Current)
	if err != nil {
		return fmt.Errorf("load personas: %w", err)
	}

	registry := tools.NewRegistry(ha, db, fetch.NewFetcher())
	executor := worker.NewExecutor(db, registry, nil,
		cfg.Worker.QueueSize, time.Duration(cfg.Worker.IntentTimeoutSec)*time.Second, logger)
	go executor.Run(ctx)

	builder := persona.NewBuilder(db, nil, registry, cfg.Timezone)
	orch, err := orchestrator.New(db, personas, builder, llmClient, registry, executor,
		cfg.LLM.DefaultModel, logger)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	orch.SetAmendModel(cfg.LLM.AmendModel)

	result, err := orch.RunTurn(ctx, orchestrator.TurnRequest{
		SessionID: "cli",
		Message:   message,
		Context:   map[string]any{"device_id": "cli", "source": "ask"},
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, result.Response.SpeechText)
	return nil
}

// superviseWebSocket keeps the Home Assistant event stream alive: connect,
// subscribe to state_changed, then reconnect with exponential backoff
// every time the connection is lost. Returns when ctx is cancelled.
func superviseWebSocket(ctx context.Context, ws *homeassistant.WSClient, logger *slog.Logger) {
	const maxBackoff = time.Minute
	backoff := time.Second
	subscribed := false

	for {
		connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := ws.Reconnect(connCtx)
		if err == nil && !subscribed {
			// Only the first connection subscribes explicitly; reconnects
			// restore the tracked subscription inside Connect.
			if err = ws.Subscribe(connCtx, "state_changed"); err == nil {
				subscribed = true
				logger.Info("subscribed to state_changed events")
			}
		}
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Home Assistant WebSocket unavailable", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		select {
		case <-ctx.Done():
			_ = ws.Close()
			return
		case <-ws.Lost():
			logger.Warn("Home Assistant WebSocket connection lost, reconnecting")
		}
	}
}

// mqttStats adapts the running process to [mqtt.StatsSource]. Store
// errors degrade to zero values; status sensors are best-effort.
type mqttStats struct {
	model string
	db    *store.Store
}

func (m *mqttStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (m *mqttStats) Version() string       { return buildinfo.Version }
func (m *mqttStats) DefaultModel() string  { return m.model }

func (m *mqttStats) ActiveConversations() int {
	n, err := m.db.ActiveConversationCount()
	if err != nil {
		return 0
	}
	return n
}

func (m *mqttStats) LastTurnTime() time.Time {
	ts, err := m.db.LastTurnTime()
	if err != nil {
		return time.Time{}
	}
	return ts
}

// runServe handles the "glitchcube serve" subcommand, the primary
// operating mode: load config, open the conversation database, connect
// to Home Assistant and the MQTT broker, start the intent executor, and
// serve the conversation API until a shutdown signal arrives.
//
// Shutdown sequence:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT publisher marks the device offline and disconnects
//  3. The HTTP server drains in-flight requests
//  4. The database is closed via defer
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting GlitchCube",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.LLM.DefaultModel,
		"persona", cfg.Personas.Current,
	)

	// --- Signal handling ---
	// NotifyContext wraps the parent context before any background
	// goroutine starts, so SIGINT/SIGTERM cancellation flows through the
	// same ctx used by the supervisor, the worker, and the servers.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Conversation database ---
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "glitchcube.db")
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open conversation database %s: %w", dbPath, err)
	}
	defer db.Close()
	logger.Info("conversation database opened", "path", dbPath)

	// --- Personas ---
	personas, err := persona.NewStore(cfg.Personas.Dir, cfg.Personas.Current)
	if err != nil {
		return fmt.Errorf("load personas: %w", err)
	}
	if len(personas.List()) == 0 {
		logger.Warn("no personas found - every new session will fail until one is configured",
			"dir", cfg.Personas.Dir)
	}

	// --- Home Assistant ---
	// Optional but central. Without it the state tools are unavailable
	// and the prompt carries no house snapshot.
	var ha *homeassistant.Client
	var stateCache *homeassistant.StateCache
	if cfg.HomeAssistant.URL != "" && cfg.HomeAssistant.Token != "" {
		ha = homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		haWS := homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		stateCache = homeassistant.NewStateCache(cfg.HomeAssistant.WatchDomains, logger)

		// Startup must not depend on HA being up. Prime and subscribe
		// in the background and keep serving with an empty snapshot
		// until the connection lands. The supervisor reconnects with
		// backoff whenever the event stream dies.
		go stateCache.Run(ctx, haWS.Events())
		go func() {
			primeCtx, primeCancel := context.WithTimeout(ctx, 30*time.Second)
			if err := stateCache.Prime(primeCtx, ha); err != nil {
				logger.Warn("state cache prime failed", "error", err)
			}
			primeCancel()

			if haCfg, err := ha.GetConfig(ctx); err == nil {
				logger.Info("connected to Home Assistant",
					"url", cfg.HomeAssistant.URL,
					"version", haCfg.Version,
					"location", haCfg.LocationName,
				)
			}

			superviseWebSocket(ctx, haWS, logger)
		}()
		logger.Debug("Home Assistant configured", "url", cfg.HomeAssistant.URL)
	} else {
		logger.Warn("Home Assistant not configured - state tools will be unavailable")
	}

	// --- Model client ---
	llmClient := llm.NewOpenRouterClient(cfg.LLM.BaseURL, cfg.LLM.APIKey,
		time.Duration(cfg.LLM.TimeoutSec)*time.Second, logger)
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := llmClient.Ping(pingCtx); err != nil {
		logger.Warn("model endpoint not reachable at startup", "error", err)
	}
	pingCancel()

	// --- Tools ---
	var haTools tools.HomeAssistant
	if ha != nil {
		haTools = ha
	}
	registry := tools.NewRegistry(haTools, db, fetch.NewFetcher())
	logger.Info("tool registry initialized", "tools", registry.Names())

	// --- MQTT status publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}

		stats := &mqttStats{model: cfg.LLM.DefaultModel, db: db}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, stats, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Async intent executor ---
	var notifier worker.ResultNotifier
	if mqttPub != nil {
		notifier = mqttPub
	}
	executor := worker.NewExecutor(db, registry, notifier,
		cfg.Worker.QueueSize, time.Duration(cfg.Worker.IntentTimeoutSec)*time.Second, logger)
	go executor.Run(ctx)

	// --- Orchestrator ---
	var house persona.HouseState
	if stateCache != nil {
		house = stateCache
	}
	builder := persona.NewBuilder(db, house, registry, cfg.Timezone)
	orch, err := orchestrator.New(db, personas, builder, llmClient, registry, executor,
		cfg.LLM.DefaultModel, logger)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	orch.SetAmendModel(cfg.LLM.AmendModel)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, orch, db, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// The server blocks until shutdown or a fatal listener error.
	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("GlitchCube stopped")
	return nil
}
