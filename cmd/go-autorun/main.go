// Package main provides the go-autorun CLI entry point.
//
// go-autorun runs automation tasks from a catalogue one at a time, waiting
// on an external process when a task's launcher exits before the real work
// is done.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/randomizedcoder/go-autorun/internal/config"
	"github.com/randomizedcoder/go-autorun/internal/logging"
	"github.com/randomizedcoder/go-autorun/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-autorun
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version and subcommands early (before flag parsing)
	if len(os.Args) > 1 {
		switch arg := os.Args[1]; arg {
		case "-version", "--version", "version":
			fmt.Printf("go-autorun %s\n", version)
			return 0
		case "history":
			return runHistory(os.Args[2:], os.Stdout)
		}
	}

	// Parse command-line flags
	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 2
	}

	// Initialize logger
	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, cfg.LogFormat, cfg.LogLevel)
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 2
	}

	logger.Info("starting",
		"version", version,
		"config", cfg.CatalogPath,
		"tasks", len(cfg.Tasks),
		"all", cfg.RunAll,
		"schedule", cfg.Schedule,
		"metrics_addr", cfg.MetricsAddr,
	)

	if !cfg.TUIEnabled {
		printBanner(cfg)
	}

	orch, err := orchestrator.New(cfg, version, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if err := orch.Run(context.Background()); err != nil {
		logger.Error("orchestrator_failed", "error", err)
		if errors.Is(err, orchestrator.ErrTasksFailed) {
			return 1
		}
		return 2
	}

	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                           go-autorun                              ║")
	fmt.Println("║       Serialized task runs with external completion tracking      ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Catalogue:   %s\n", cfg.CatalogPath)
	if cfg.Schedule != "" {
		fmt.Printf("  Schedule:    %s\n", cfg.Schedule)
	}
	if cfg.LogDir != "" {
		fmt.Printf("  Task logs:   %s (keep %d)\n", cfg.LogDir, cfg.MaxLogFiles)
	}
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	if cfg.HistoryPath != "" {
		fmt.Printf("  History:     %s\n", cfg.HistoryPath)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}
