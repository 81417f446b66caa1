// Package app wires all Mosscap subsystems into a running chat session.
//
// The App struct owns the full lifecycle: New creates the plugin registry,
// the conversation history and the kernel from the config, Run serves the
// interactive loop (plus the optional telemetry server) until the user
// leaves, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithProvider,
// WithArchiver, WithIO, ...). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/mosscap/internal/chat"
	"github.com/MrWong99/mosscap/internal/config"
	"github.com/MrWong99/mosscap/internal/health"
	"github.com/MrWong99/mosscap/internal/history"
	"github.com/MrWong99/mosscap/internal/history/postgres"
	"github.com/MrWong99/mosscap/internal/observe"
	"github.com/MrWong99/mosscap/internal/orchestrator"
	"github.com/MrWong99/mosscap/internal/plugin"
	"github.com/MrWong99/mosscap/internal/plugin/flighttracker"
	"github.com/MrWong99/mosscap/internal/plugin/mathplugin"
	"github.com/MrWong99/mosscap/internal/plugin/mcpplugin"
	"github.com/MrWong99/mosscap/internal/plugin/timeplugin"
	"github.com/MrWong99/mosscap/internal/resilience"
	"github.com/MrWong99/mosscap/pkg/provider/llm"
)

// Archiver is a history archive that can report its readiness.
// *postgres.Store implements it.
type Archiver interface {
	history.Archiver
	Ping(ctx context.Context) error
}

// App owns all subsystem lifetimes of one chat session.
type App struct {
	cfg       *config.Config
	providers *config.Registry

	// Injected or created in New.
	provider       llm.Provider
	archiver       Archiver
	metrics        *observe.Metrics
	metricsHandler http.Handler
	in             io.Reader
	out            io.Writer

	sessionID uuid.UUID
	startedAt time.Time
	mcpHost   *mcpplugin.Host
	plugins   *plugin.Registry
	history   *history.History
	kernel    *orchestrator.Kernel
	loop      *chat.Loop
	health    *health.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects an LLM provider instead of creating one from config.
func WithProvider(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithArchiver injects a history archive instead of connecting to
// history.postgres_dsn.
func WithArchiver(ar Archiver) Option {
	return func(a *App) { a.archiver = ar }
}

// WithIO replaces stdin and stdout for the chat loop.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.in = in
		a.out = out
	}
}

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithSessionID sets the session ID instead of generating one. main uses it
// to label telemetry before the App exists.
func WithSessionID(id uuid.UUID) Option {
	return func(a *App) { a.sessionID = id }
}

// WithMetricsHandler replaces the /metrics handler of the telemetry server.
// The default serves the default Prometheus gatherer.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// New creates an App by wiring all subsystems together. providers resolves
// cfg.LLM.Provider unless [WithProvider] is given.
//
// New performs all initialisation synchronously: provider construction,
// plugin registration including MCP server connection, history seeding and
// kernel assembly. On failure everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, providers *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		in:        os.Stdin,
		out:       os.Stdout,
		sessionID: uuid.New(),
		startedAt: time.Now(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.init(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	if err := a.initProvider(); err != nil {
		return fmt.Errorf("app: init provider: %w", err)
	}
	if err := a.initPlugins(ctx); err != nil {
		return fmt.Errorf("app: init plugins: %w", err)
	}
	if err := a.initHistory(ctx); err != nil {
		return fmt.Errorf("app: init history: %w", err)
	}

	p := a.cfg.LLM.Provider
	k, err := orchestrator.NewKernel(a.provider, a.plugins,
		a.cfg.LLM.Settings.ExecutionSettings(p.Model),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithProviderName(p.Name),
	)
	if err != nil {
		return fmt.Errorf("app: init kernel: %w", err)
	}
	a.kernel = k
	a.loop = chat.New(k, a.history, a.in, a.out)

	a.health = health.New()
	if a.archiver != nil {
		a.health.Add(health.Checker{Name: "history-db", Check: a.archiver.Ping})
	}
	if a.mcpHost != nil {
		a.health.Add(health.Checker{Name: "mcp", Check: a.mcpHost.Ping})
	}
	return nil
}

// initProvider creates the configured provider. With fallbacks configured
// every provider is put behind a circuit breaker in a [resilience.Fallback].
func (a *App) initProvider() error {
	if a.provider != nil {
		return nil
	}
	if a.providers == nil {
		return fmt.Errorf("no provider registry for %q", a.cfg.LLM.Provider.Name)
	}
	primary, err := a.providers.CreateLLM(a.cfg.LLM.Provider)
	if err != nil {
		return err
	}
	if len(a.cfg.LLM.Fallbacks) == 0 {
		a.provider = primary
		return nil
	}

	fb := resilience.NewFallback(providerLabel(a.cfg.LLM.Provider), primary,
		a.cfg.LLM.CircuitBreaker, resilience.WithMetrics(a.metrics))
	for i, entry := range a.cfg.LLM.Fallbacks {
		p, err := a.providers.CreateLLM(entry)
		if err != nil {
			return fmt.Errorf("fallback %d: %w", i, err)
		}
		fb.Add(providerLabel(entry), p)
	}
	slog.Info("llm fallbacks enabled", "states", fb.States())
	a.provider = fb
	return nil
}

func providerLabel(e config.ProviderEntry) string {
	return e.Name + "/" + e.Model
}

// initPlugins registers the built-in plugins, the flight tracker when an API
// key is configured and one plugin per MCP server.
func (a *App) initPlugins(ctx context.Context) error {
	a.plugins = plugin.NewRegistry()
	plugins := []plugin.Plugin{mathplugin.New(), timeplugin.New()}

	if ft := a.cfg.Plugins.FlightTracker; ft.APIKey != "" {
		var opts []flighttracker.Option
		if ft.BaseURL != "" {
			opts = append(opts, flighttracker.WithBaseURL(ft.BaseURL))
		}
		c, err := flighttracker.New(ft.APIKey, opts...)
		if err != nil {
			return err
		}
		plugins = append(plugins, c.Plugin())
	}

	if servers := a.cfg.Plugins.MCP.Servers; len(servers) > 0 {
		host := mcpplugin.NewHost()
		a.mcpHost = host
		a.closers = append(a.closers, host.Close)
		mcpPlugins, err := host.ConnectAll(ctx, servers)
		if err != nil {
			return err
		}
		plugins = append(plugins, mcpPlugins...)
	}

	for _, p := range plugins {
		if err := a.plugins.Register(p); err != nil {
			return err
		}
	}
	slog.Info("plugins registered", "plugins", a.plugins.Plugins())
	return nil
}

// initHistory connects the archive if configured and seeds the history with
// the persona and the example exchange.
func (a *App) initHistory(ctx context.Context) error {
	if a.archiver == nil && a.cfg.History.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, a.cfg.History.PostgresDSN, a.sessionID)
		if err != nil {
			return err
		}
		a.archiver = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		slog.Info("archiving chat history", "session_id", a.sessionID)
	}

	var opts []history.Option
	if a.archiver != nil {
		opts = append(opts, history.WithArchiver(a.archiver))
	}
	a.history = history.New(opts...)

	examples := make([]history.Message, 0, len(a.cfg.Chat.Examples))
	for _, ex := range a.cfg.Chat.Examples {
		examples = append(examples, history.Message{Role: ex.Role, Content: ex.Content})
	}
	a.history.Seed(a.cfg.Chat.SystemPrompt, examples...)
	return nil
}

// SessionID identifies this session in the history archive and the logs.
func (a *App) SessionID() uuid.UUID { return a.sessionID }

// Plugins returns the names of the registered plugins.
func (a *App) Plugins() []string { return a.plugins.Plugins() }

// History returns the conversation history of the session.
func (a *App) History() *history.History { return a.history }

// Handler returns the telemetry HTTP handler: /metrics, /healthz and /readyz.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mh := a.metricsHandler
	if mh == nil {
		mh = defaultMetricsHandler()
	}
	mux.Handle("GET /metrics", mh)
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// Run serves the chat loop and blocks until the user exits, input ends or ctx
// is cancelled. When telemetry.listen_addr is set the telemetry server runs
// alongside the loop and stops with it.
func (a *App) Run(ctx context.Context) error {
	ctx = observe.WithSession(ctx, a.sessionID.String())
	a.metrics.ActiveSessions.Add(ctx, 1)
	defer a.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	log := observe.Logger(ctx)
	log.Info("chat session started",
		"provider", a.cfg.LLM.Provider.Name,
		"model", a.cfg.LLM.Provider.Model,
	)
	defer func() {
		log.Info("chat session ended",
			"messages", a.history.Len(),
			"duration", time.Since(a.startedAt).Round(time.Millisecond),
		)
	}()

	if a.cfg.Telemetry.ListenAddr == "" {
		return a.loop.Run(ctx)
	}
	return serveAlongside(ctx, a.cfg.Telemetry.ListenAddr, a.Handler(), a.loop.Run)
}

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Debug("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
	})
	return shutdownErr
}
