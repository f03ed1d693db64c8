// Package cmd implements the CLI command structure for fanout.
package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/nibzard/fanout-go/internal/config"
	"github.com/nibzard/fanout-go/internal/engine"
	"github.com/nibzard/fanout-go/internal/logging"
	"github.com/nibzard/fanout-go/internal/runner"
	"github.com/nibzard/fanout-go/internal/task"
	"github.com/nibzard/fanout-go/internal/telemetry"
	"github.com/nibzard/fanout-go/internal/tracker"
)

// Version is set via ldflags at build time.
var Version = "dev"

// Run executes the fanout CLI.
func Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fanout", flag.ContinueOnError)
	fs.Usage = func() {
		printUsage(fs, os.Stderr)
	}
	help := fs.Bool("help", false, "Show help")
	fs.BoolVar(help, "h", false, "Show help")
	showVersion := fs.Bool("version", false, "Show version")
	fs.BoolVar(showVersion, "v", false, "Show version")

	cfg, err := config.Load(fs, args)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *help {
		printUsage(fs, os.Stdout)
		return nil
	}
	if *showVersion {
		return versionCommand()
	}

	subcommand := "execute"
	remainingArgs := fs.Args()
	if len(remainingArgs) > 0 && !strings.HasPrefix(remainingArgs[0], "-") {
		subcommand = remainingArgs[0]
		remainingArgs = remainingArgs[1:]
	}

	switch subcommand {
	case "execute":
		return executeCommand(ctx, cfg, remainingArgs)
	case "validate":
		return validateCommand(cfg, remainingArgs)
	case "version":
		return versionCommand()
	case "help", "--help", "-h":
		printUsage(fs, os.Stdout)
		return nil
	default:
		// An existing file path is shorthand for execute -f <path>.
		if fi, err := os.Stat(subcommand); err == nil && !fi.IsDir() {
			return executeCommand(ctx, cfg, append([]string{"-f", subcommand}, remainingArgs...))
		}
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", subcommand)
		printUsage(fs, os.Stderr)
		return fmt.Errorf("unknown command: %s", subcommand)
	}
}

// executeCommand runs a batch request read from a file or stdin.
func executeCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("fanout execute", flag.ContinueOnError)
	file := fs.String("f", "", "Request file (defaults to stdin)")
	fs.StringVar(file, "file", "", "Request file (defaults to stdin)")
	progress := fs.Bool("progress", false, "Stream progress events as NDJSON on stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	data, err := readRequest(*file)
	if err != nil {
		return err
	}
	req, err := engine.ParseRequest(data)
	if err != nil {
		return err
	}

	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	var notifier tracker.Notifier
	if *progress {
		notifier = tracker.NewWriterNotifier(os.Stderr)
	}

	manager := task.NewManager()
	proc := runner.New(runner.Config{
		Binary:         cfg.Binary,
		WorkDir:        cfg.WorkDir,
		DefaultTimeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}, subagentExecutor(cfg), logger)
	eng := engine.New(manager, proc, notifier, logger, engine.Options{
		MaxWorkers: cfg.MaxWorkers,
	})

	// A signal cancels through the execution registry so queued tasks are
	// failed while in-flight ones finish.
	go func() {
		<-ctx.Done()
		manager.CancelAllExecutions()
	}()

	resp, err := eng.Execute(context.Background(), req)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	fmt.Println(string(out))

	if resp.Stats.Failed > 0 {
		return fmt.Errorf("%s", resp.FailureSummary)
	}
	return nil
}

// validateCommand parses a request without running it.
func validateCommand(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("fanout validate", flag.ContinueOnError)
	file := fs.String("f", "", "Request file (defaults to stdin)")
	fs.StringVar(file, "file", "", "Request file (defaults to stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	data, err := readRequest(*file)
	if err != nil {
		return err
	}
	req, err := engine.ParseRequest(data)
	if err != nil {
		return err
	}
	fmt.Printf("request valid: %d task(s), %s mode\n", len(req.Tasks), req.Mode)
	return nil
}

func versionCommand() error {
	fmt.Printf("fanout %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
	return nil
}

// readRequest loads the request body from a file, or stdin when path is
// empty.
func readRequest(path string) ([]byte, error) {
	if path == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading request from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading request file: %w", err)
	}
	return data, nil
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `fanout runs batches of agent tasks sequentially or in parallel.

Usage:
  fanout [flags] [command]

Commands:
  execute     Run a batch request from a file or stdin (default)
  validate    Check a batch request without running it
  version     Print version information
  help        Show this help

Execute flags:
  -f, --file  Request file (defaults to stdin)
  --progress  Stream progress events as NDJSON on stderr

Global flags:
`)
	fs.SetOutput(w)
	fs.PrintDefaults()
}
