// Wonderland connects the Alice voice agent to a shared virtual world.
//
// The agent joins the world as an avatar, keeps a WebSocket link to a
// voice backend, and turns backend state, nearby players, and chat into
// animation and pose changes. World and backend endpoints come from the
// environment (WS_URL, AGENT_NAME, AVATAR_PATH, ALICE_BACKEND_URL,
// CHARACTER_PATH, DEBUG) layered over an optional YAML file (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	wonderland [run]                  Join the world (default)
//	wonderland backend [-listen addr] Run the simulated voice backend
//	wonderland init [dir]             Write example config and character files
//	wonderland version                Print version and build information
//	wonderland -o json version        Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/wonderland-agent/internal/backend"
	"github.com/nugget/wonderland-agent/internal/buildinfo"
	"github.com/nugget/wonderland-agent/internal/character"
	"github.com/nugget/wonderland-agent/internal/config"
	"github.com/nugget/wonderland-agent/internal/coordinator"
	"github.com/nugget/wonderland-agent/internal/events"
	"github.com/nugget/wonderland-agent/internal/mqtt"
	"github.com/nugget/wonderland-agent/internal/proximity"
	"github.com/nugget/wonderland-agent/internal/transcript"
	"github.com/nugget/wonderland-agent/internal/voicesim"
	"github.com/nugget/wonderland-agent/internal/world"
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

// run is the real entry point for the wonderland command. All OS-level
// dependencies except the environment are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     the same orderly shutdown as SIGINT.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:]. We parse these manually rather than using the
//     flag package to avoid global state that interferes with parallel
//     tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
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
		case (args[i] == "-h" || args[i] == "-help" || args[i] == "--help") && command == "":
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
	case "", "run":
		return runAgent(ctx, stdout, stderr, configPath)
	case "backend":
		return runBackend(ctx, stdout, configPath, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "help":
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

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Wonderland - Alice voice agent for shared virtual worlds")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: wonderland [flags] [command] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run                 Join the world as Alice (default)")
	fmt.Fprintln(w, "  backend [-listen a] Run the simulated voice backend (default :8765)")
	fmt.Fprintln(w, "  init [dir]          Write example config and character files")
	fmt.Fprintln(w, "  version             Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  WS_URL, AGENT_NAME, AVATAR_PATH, ALICE_BACKEND_URL, CHARACTER_PATH, DEBUG")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/wonderland/config.yaml, /etc/wonderland/config.yaml")
	return nil
}

// runAgent joins the world and runs until a signal arrives or the world
// session ends.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The coordinator stops its timers and closes the backend socket
//  3. The world session is destroyed
//  4. MQTT publishes "offline" and the transcript is closed via defers
func runAgent(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg, cfgPath, err := loadConfig(configPath, os.LookupEnv)
	if err != nil {
		return err
	}

	{
		// Validate has already accepted the level.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	} else {
		logger.Info("no config file found, using defaults and environment")
	}
	logger.Info("starting wonderland agent", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	char := character.Load(cfg.CharacterPath, logger)
	printBanner(stdout, char.Name, character.Quotes[rand.IntN(len(character.Quotes))])

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()

	link, err := backend.NewLink(backend.Config{
		URL:               cfg.Backend.URL,
		ConnectTimeout:    cfg.Backend.ConnectTimeout,
		ReconnectInterval: cfg.Backend.ReconnectInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("backend link: %w", err)
	}

	client := world.NewClient(logger)
	coord := coordinator.New(coordinator.Config{
		CharacterPath: cfg.CharacterPath,
		Character:     char,
		Timings:       coordinator.Timings(cfg.Agent),
	}, client, link, bus, logger)

	logger.Info("connecting to world", "url", cfg.World.URL, "name", cfg.World.AgentName)
	if err := client.Init(ctx, world.Options{
		URL:    cfg.World.URL,
		Name:   cfg.World.AgentName,
		Avatar: cfg.World.AvatarPath,
	}); err != nil {
		return fmt.Errorf("connect %s to world: %w", char.Name, err)
	}
	fmt.Fprintf(stdout, "%s connected to the world. Press Ctrl+C to return from Wonderland.\n", char.Name)

	// --- Optional services ---

	if cfg.Transcript {
		store, err := openTranscript(cfg.DataDir)
		if err != nil {
			logger.Warn("transcript disabled", "error", err)
		} else {
			defer store.Close()
			go store.Record(ctx, bus, client.SessionID(), logger)
			logger.Info("transcript recording", "data_dir", cfg.DataDir, "session_id", client.SessionID())
		}
	}

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, &mqttStateAdapter{coord: coord}, bus, coord, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}
	defer func() {
		if mqttPub == nil {
			return
		}
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offlineCancel()
		if err := mqttPub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}()

	go forwardChat(ctx, client, coord)

	// --- World lifecycle ---

	watcher := proximity.New(proximity.Config{
		Interval: cfg.Proximity.Interval,
		Radius:   cfg.Proximity.Radius,
	}, client, coord.OnPlayerNearby, bus, logger)
	proxCtx, stopProximity := context.WithCancel(ctx)
	defer stopProximity()
	watching := false

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			stopAgent(coord, logger)
			if err := client.Destroy(); err != nil {
				logger.Debug("world close", "error", err)
			}
			logger.Info("wonderland agent stopped")
			return nil

		case ev := <-client.Lifecycle():
			bus.Emit(events.SourceWorld, events.KindLifecycle, map[string]any{
				"event":  string(ev.Kind),
				"reason": ev.Reason,
			})
			switch ev.Kind {
			case world.EventReady:
				logger.Info("agent connected and ready")
				switch err := coord.Start(ctx); {
				case errors.Is(err, coordinator.ErrStarted):
					logger.Debug("coordinator already running")
				case err != nil:
					logger.Error("failed to start coordinator", "error", err)
				}
				if !watching {
					watching = true
					go watcher.Run(proxCtx)
				}
			case world.EventKick:
				logger.Warn("agent kicked", "code", ev.Reason)
				stopAgent(coord, logger)
			case world.EventDisconnect:
				logger.Warn("agent disconnected", "reason", ev.Reason)
				stopAgent(coord, logger)
				if err := client.Destroy(); err != nil {
					logger.Debug("world close", "error", err)
				}
			case world.EventDestroy:
				stopProximity()
				logger.Info("world session ended")
				return nil
			}
		}
	}
}

func stopAgent(coord *coordinator.Coordinator, logger *slog.Logger) {
	if err := coord.Stop(); err != nil {
		logger.Warn("error stopping coordinator", "error", err)
	}
}

// forwardChat hands world chat to the coordinator until the session or
// ctx ends.
func forwardChat(ctx context.Context, client *world.Client, coord *coordinator.Coordinator) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case msg := <-client.Chat():
			coord.HandleChat(msg)
		}
	}
}

func openTranscript(dataDir string) (*transcript.Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return transcript.NewStore(filepath.Join(dataDir, "transcript.db"))
}

// runBackend serves the simulated voice backend until ctx is cancelled
// or a signal arrives.
func runBackend(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	addr := voicesim.DefaultAddr
	var think time.Duration
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-listen" && i+1 < len(args):
			addr = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-listen="):
			addr = strings.TrimPrefix(args[i], "-listen=")
		case args[i] == "-think" && i+1 < len(args):
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("invalid -think: %w", err)
			}
			think = d
			i++
		default:
			return fmt.Errorf("unknown backend flag: %s", args[i])
		}
	}

	cfg, _, err := loadConfig(configPath, os.LookupEnv)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stdout, level, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sim := voicesim.New(voicesim.Config{ThinkDelay: think}, logger)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: sim, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	logger.Info("simulated voice backend listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("simulated voice backend stopped")
	return nil
}

func printBanner(w io.Writer, name, quote string) {
	title := name + " in Wonderland"
	const width = 43
	pad := width - len([]rune(title))
	if pad < 2 {
		pad = 2
	}
	left := pad / 2
	fmt.Fprintln(w, "╭"+strings.Repeat("─", width)+"╮")
	fmt.Fprintln(w, "│"+strings.Repeat(" ", left)+title+strings.Repeat(" ", pad-left)+"│")
	fmt.Fprintln(w, "╰"+strings.Repeat("─", width)+"╯")
	fmt.Fprintf(w, "\n%q\n\n", quote)
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text.
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

// loadConfig locates and parses the YAML configuration file, then
// layers the environment on top and validates the result. A missing
// file is not an error unless explicit names one; defaults are used and
// the returned path is empty.
func loadConfig(explicit string, lookup func(string) (string, bool)) (*config.Config, string, error) {
	cfg := config.Default()
	cfgPath, err := config.FindConfig(explicit)
	switch {
	case errors.Is(err, config.ErrNoConfig):
		cfgPath = ""
	case err != nil:
		return nil, "", err
	default:
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	}

	cfg.ApplyEnv(lookup)
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, cfgPath, nil
}

// mqttStateAdapter bridges the coordinator and build info to the MQTT
// publisher's [mqtt.StateSource] interface.
type mqttStateAdapter struct {
	coord *coordinator.Coordinator
}

func (a *mqttStateAdapter) Uptime() time.Duration  { return buildinfo.Uptime() }
func (a *mqttStateAdapter) Version() string        { return buildinfo.Version }
func (a *mqttStateAdapter) Animation() string      { return a.coord.Animation() }
func (a *mqttStateAdapter) BackendConnected() bool { return a.coord.State().BackendConnected }
func (a *mqttStateAdapter) Interacting() bool      { return a.coord.IsInteracting() }
func (a *mqttStateAdapter) ActiveModel() string    { return a.coord.State().ActiveModel }
func (a *mqttStateAdapter) ChatMessages() int      { return len(a.coord.ChatHistory()) }
