// Command mosscap is an interactive LLM chat bot with function calling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/mosscap/internal/app"
	"github.com/MrWong99/mosscap/internal/config"
	"github.com/MrWong99/mosscap/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to an optional YAML configuration file; watched for log level changes")
	envPath := flag.String("env", "", "path to a .env file (default: .env in the working directory, if present)")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "mosscap: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// Logs go to stderr; stdout belongs to the chat.
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Load configuration ────────────────────────────────────────────────────
	var (
		cfg     *config.Config
		watcher *config.Watcher
		err     error
	)
	if *configPath != "" {
		watcher, err = config.NewWatcher(*configPath, app.OnConfigChange(&level))
		if err == nil {
			defer watcher.Stop()
			cfg = watcher.Current()
		}
	} else {
		cfg, err = config.Load("")
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "mosscap: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "mosscap: %v\n", err)
		}
		return 1
	}
	level.Set(cfg.LogLevel.Level())

	slog.Debug("mosscap starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	sessionID := uuid.New()
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SessionID:      sessionID.String(),
		LogSpans:       cfg.Telemetry.LogSpans,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	config.RegisterBuiltinProviders(reg)
	slog.Debug("registered providers", "llm", reg.LLMNames())

	application, err := app.New(ctx, cfg, reg, app.WithSessionID(sessionID))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(os.Stderr, cfg, application.Plugins())

	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("chat error", "err", runErr)
		return 1
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config, plugins []string) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║         Mosscap · startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "LLM", cfg.LLM.Provider.Name+" / "+cfg.LLM.Provider.Model)
	if n := len(cfg.LLM.Fallbacks); n > 0 {
		printRow(w, "LLM fallbacks", fmt.Sprint(n))
	}
	printRow(w, "Plugins", fmt.Sprint(len(plugins)))
	printRow(w, "MCP servers", fmt.Sprint(len(cfg.Plugins.MCP.Servers)))
	if cfg.History.PostgresDSN != "" {
		printRow(w, "History", "postgres")
	} else {
		printRow(w, "History", "(in memory)")
	}
	if cfg.Telemetry.ListenAddr != "" {
		printRow(w, "Telemetry", cfg.Telemetry.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", kind, value)
}
