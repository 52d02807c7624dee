// Skillbridge turns chat messages into skill CLI invocations.
//
// It subscribes to an MQTT topic for normalized chat events, runs the
// configured CLI tool for each one, classifies the tool's output into
// completion/continuation/escalation signals, and publishes results
// back to the chat transport. Long-running work gets periodic progress
// summaries; runaway continuation loops are cut off and handed to a
// human. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	skillbridge serve          Connect to the broker and run the bridge
//	skillbridge run <text>     One-shot invocation + classification (for testing)
//	skillbridge version        Print version and build information
//	skillbridge -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hollisb/skillbridge/internal/bridge"
	"github.com/hollisb/skillbridge/internal/buildinfo"
	"github.com/hollisb/skillbridge/internal/classify"
	"github.com/hollisb/skillbridge/internal/config"
	"github.com/hollisb/skillbridge/internal/events"
	"github.com/hollisb/skillbridge/internal/executor"
	"github.com/hollisb/skillbridge/internal/loop"
	"github.com/hollisb/skillbridge/internal/monitor"
	"github.com/hollisb/skillbridge/internal/mqtt"
	"github.com/hollisb/skillbridge/internal/web"
)

// shutdownTimeout bounds the graceful disconnect on exit.
const shutdownTimeout = 10 * time.Second

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

// run is the real entry point for the skillbridge command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the transport and background goroutines.
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
	case "run":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: skillbridge run <text>")
		}
		return runOnce(ctx, stdout, configPath, strings.Join(cmdArgs, " "), outputFmt)
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Skillbridge - chat to skill CLI bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: skillbridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Connect to the broker and run the bridge")
	fmt.Fprintln(w, "  run <text>   Invoke the skill tool once and print the classification")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./skillbridge.yaml, ~/.config/skillbridge/skillbridge.yaml,")
	fmt.Fprintln(w, "  /etc/skillbridge/skillbridge.yaml")
	return nil
}

// runOnce handles the "skillbridge run <text>" subcommand. It invokes
// the skill tool a single time with no conversation state and prints
// the classified outcome. Useful for checking executor and classifier
// config without a broker.
func runOnce(ctx context.Context, stdout io.Writer, configPath, text, outputFmt string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	runner := executor.New(executorConfig(cfg), logger)
	classifier := classify.New(classify.Options{FallbackExtraction: cfg.FallbackEnabled()})

	req := executor.NewRequest("cli-test", text)
	result, err := runner.RunWithRetry(ctx, req, cfg.Executor.MaxRetries)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	sig := classifier.Classify(text, result.Stdout)
	attachments := classify.ExtractAttachments(result.Stdout)

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"exit_code":   result.ExitCode,
			"duration_ms": result.Duration.Milliseconds(),
			"timed_out":   result.TimedOut,
			"signal":      sig,
			"attachments": attachments,
		})
	}

	fmt.Fprintln(stdout, sig.Summary)
	fmt.Fprintf(stdout, "\nkind=%s confidence=%.1f exit=%d duration=%s\n",
		sig.Kind, sig.Confidence, result.ExitCode, result.Duration.Truncate(time.Millisecond))
	for _, a := range attachments {
		fmt.Fprintf(stdout, "attachment: %s (%s)\n", a.Path, a.Kind)
	}
	return nil
}

// runServe handles the "skillbridge serve" subcommand. It is the
// primary operating mode: loads config, opens the conversation store,
// wires the bridge, connects to the MQTT broker, starts the progress
// monitor and the status web server, and blocks until a shutdown
// signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT client publishes "offline" and disconnects
//  3. The web server drains in-flight requests
//  4. The conversation store is closed via defer
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting skillbridge",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level. The initial
	// Info-level logger is used only for the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"executor", cfg.Executor.Path,
		"broker", cfg.MQTT.Broker,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Conversation store ---
	// SQLite-backed so loop depth and phase survive restarts.
	dbPath := cfg.DataDir + "/skillbridge.db"
	store, err := loop.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("open conversation database %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("conversation database opened", "path", dbPath)

	bus := events.New()

	controller := loop.NewController(loop.Config{
		MaxDepth:               cfg.Loop.MaxDepth,
		LowConfidenceThreshold: cfg.Loop.LowConfidenceThreshold,
		IdleTimeout:            cfg.SessionIdleTimeout(),
	}, store, logger, bus)

	runner := executor.New(executorConfig(cfg), logger)
	classifier := classify.New(classify.Options{FallbackExtraction: cfg.FallbackEnabled()})

	// --- MQTT transport ---
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("instance ID: %w", err)
	}

	br := bridge.New(bridge.Config{
		Runner:      runner,
		Classifier:  classifier,
		Controller:  controller,
		Logger:      logger,
		Bus:         bus,
		MaxAttempts: cfg.Executor.MaxRetries,
	})

	client := mqtt.New(cfg.MQTT, instanceID, br, logger, bus)
	br.SetSender(client)

	errCh := make(chan error, 3)

	go func() {
		if err := client.Start(ctx); err != nil {
			errCh <- fmt.Errorf("mqtt: %w", err)
		}
	}()

	// --- Progress monitor ---
	mon := monitor.New(monitor.Config{
		Enabled:  cfg.Progress.Enabled,
		Interval: cfg.ProgressInterval(),
		Tick:     cfg.ProgressTick(),
	}, controller, client, logger, bus)
	go mon.Start(ctx)

	// --- Status web server ---
	if cfg.Web.Enabled {
		webSrv := web.NewServer(cfg.Web, controller, logger, bus)
		go func() {
			if err := webSrv.Start(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	logger.Info("skillbridge ready")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := client.Stop(shutCtx); err != nil {
		logger.Warn("mqtt disconnect failed", "error", err)
	}
	return nil
}

// executorConfig maps the YAML executor section onto the runner config.
func executorConfig(cfg *config.Config) executor.Config {
	return executor.Config{
		Path:            cfg.Executor.Path,
		BaseArgs:        cfg.Executor.BaseArgs,
		AutoConfirmFlag: cfg.Executor.AutoConfirmFlag,
		Timeout:         cfg.ExecTimeout(),
		MaxRetries:      cfg.Executor.MaxRetries,
		RetryBaseDelay:  cfg.RetryBaseDelay(),
		MaxOutputBytes:  cfg.Executor.MaxOutputBytes,
	}
}

// newLogger builds the structured logger used across the process.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise, [config.FindConfig] searches the default locations.
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
