// Tickler is a conversational reminder assistant. People ask it, in
// plain language over chat, Signal or SMS, to remind them of things;
// it stores the reminders and texts them when they come due.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	tickler serve                      Start the API server, scheduler and phone surfaces
//	tickler ask [-user id] <message>   Run one message through the agent
//	tickler tick                       Run a single delivery tick and exit
//	tickler init [dir]                 Write an example config.yaml
//	tickler version                    Print version and build information
//	tickler -o json version            Output version information as JSON
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
	"strings"
	"syscall"
	"time"

	"github.com/nugget/tickler/internal/agent"
	"github.com/nugget/tickler/internal/api"
	"github.com/nugget/tickler/internal/buildinfo"
	"github.com/nugget/tickler/internal/config"
	signalcli "github.com/nugget/tickler/internal/signal"
)

// shutdownTimeout bounds how long in-flight HTTP requests may drain.
const shutdownTimeout = 15 * time.Second

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Cancelling ctx shuts everything down.
// Logs go to stdout; args is os.Args[1:], parsed by hand so that run
// holds no global flag state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
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
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
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
		return runAsk(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "tick":
		return runTick(ctx, stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		fmt.Fprintf(w, "  %-12s %s\n", k+":", info[k])
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Tickler - conversational reminders by text")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tickler [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                     Start the API server, scheduler and phone surfaces")
	fmt.Fprintln(w, "  ask [-user id] <message>  Run one message through the agent")
	fmt.Fprintln(w, "  tick                      Deliver due reminders once and exit")
	fmt.Fprintln(w, "  init [dir]                Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version                   Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runAsk runs one message through the agent for a configured user,
// without streaming, and prints the answer.
func runAsk(ctx context.Context, stdout io.Writer, configPath, outputFmt string, args []string) error {
	var userID string
	if len(args) >= 2 && args[0] == "-user" {
		userID = args[1]
		args = args[2:]
	}
	message := strings.TrimSpace(strings.Join(args, " "))
	if message == "" {
		return errors.New("usage: tickler ask [-user id] <message>")
	}

	cfg, logger, err := setup(stdout, configPath, slog.LevelWarn)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	user, err := a.resolveUser(userID)
	if err != nil {
		return err
	}

	resp, err := a.loop.Run(ctx, &agent.Request{
		UserID:      user.ID,
		PhoneNumber: user.Phone,
		Message:     message,
	}, nil)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintln(stdout, resp.Content)
	return nil
}

// runTick delivers due reminders once through the configured channel.
// Cron-driven deployments use it instead of the in-process scheduler.
func runTick(ctx context.Context, stdout io.Writer, configPath, outputFmt string) error {
	cfg, logger, err := setup(stdout, configPath, slog.LevelInfo)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var sig *signalcli.Client
	if cfg.Signal.Enabled && cfg.Notify.Channel == config.ChannelSignal {
		if sig, err = a.startSignal(ctx); err != nil {
			return err
		}
	}
	notifier, err := a.newNotifier(ctx, sig)
	if err != nil {
		return err
	}

	sched, err := a.newScheduler(ctx, notifier)
	if err != nil {
		return err
	}
	res := sched.Tick(ctx)
	if res.Err != nil {
		return fmt.Errorf("tick: %w", res.Err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if res.Skipped != "" {
		fmt.Fprintf(stdout, "tick skipped: %s\n", res.Skipped)
		return nil
	}
	fmt.Fprintf(stdout, "due %d, sent %d, failed %d\n", res.Due, res.Sent, res.Failed)
	return nil
}

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM, then stops the surfaces, drains HTTP and stops the scheduler.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, logger, err := setup(stdout, configPath, slog.LevelInfo)
	if err != nil {
		return err
	}
	logger.Info("starting Tickler", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// --- Signal ---
	var sig *signalcli.Client
	if cfg.Signal.Enabled {
		if sig, err = a.startSignal(ctx); err != nil {
			return err
		}
		bridge := signalcli.NewBridge(signalcli.BridgeConfig{
			Client:    sig,
			Runner:    a.loop,
			Directory: a.directory,
			Bus:       a.bus,
			Logger:    logger,
			RateLimit: cfg.Signal.RateLimit,
		})
		go bridge.Start(ctx)
	}

	// --- Delivery ---
	notifier, err := a.newNotifier(ctx, sig)
	if err != nil {
		return err
	}
	sched, err := a.newScheduler(ctx, notifier)
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	// --- HTTP ---
	server := api.NewServer(api.Config{
		Address:       cfg.Listen.Address,
		Port:          cfg.Listen.Port,
		Runner:        a.loop,
		Conversations: a.conversations,
		Reminders:     a.reminders,
		Notifier:      notifier,
		Directory:     a.directory,
		Bus:           a.bus,
		Logger:        logger,
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Tickler stopped")
	return nil
}

// setup loads and validates the configuration and builds the logger.
// fallback is the level used when the file sets none.
func setup(stdout io.Writer, configPath string, fallback slog.Level) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	level := fallback
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel) // validated above
	}
	logger := config.NewLogger(stdout, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)
	return cfg, logger, nil
}

// loadConfig locates and parses the YAML configuration file.
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
