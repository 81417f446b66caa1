package app_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/mosscap/internal/app"
	"github.com/MrWong99/mosscap/internal/chat"
	"github.com/MrWong99/mosscap/internal/config"
	"github.com/MrWong99/mosscap/internal/history"
	"github.com/MrWong99/mosscap/internal/observe"
	"github.com/MrWong99/mosscap/internal/plugin/flighttracker"
	"github.com/MrWong99/mosscap/pkg/provider/llm"
	llmmock "github.com/MrWong99/mosscap/pkg/provider/llm/mock"
)

// fakeArchiver records archived messages in memory.
type fakeArchiver struct {
	mu       sync.Mutex
	messages []history.Message
	pingErr  error
}

func (f *fakeArchiver) Archive(_ context.Context, _ int, m history.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeArchiver) Ping(context.Context) error { return f.pingErr }

func (f *fakeArchiver) archived() []history.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.messages)
}

// testConfig returns the default config on a local model so no credentials
// are needed.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.LLM.Provider = config.ProviderEntry{Name: "ollama", Model: "llama3.2"}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, config.NewRegistry(), opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	ar := &fakeArchiver{}
	a := newApp(t, testConfig(),
		app.WithProvider(&llmmock.Provider{}),
		app.WithArchiver(ar),
		app.WithIO(strings.NewReader(""), io.Discard),
	)

	if got := a.Plugins(); !slices.Equal(got, []string{"math", "time"}) {
		t.Errorf("Plugins() = %v, want [math time]", got)
	}
	msgs := a.History().Messages()
	if len(msgs) != 3 {
		t.Fatalf("seeded history has %d messages, want 3", len(msgs))
	}
	if msgs[0].Role != llm.RoleSystem || msgs[0].Content != config.DefaultSystemPrompt {
		t.Errorf("first message = %+v, want the persona", msgs[0])
	}
	if msgs[1].Role != llm.RoleUser || msgs[2].Role != llm.RoleAssistant {
		t.Errorf("example roles = %q, %q", msgs[1].Role, msgs[2].Role)
	}
	if got := len(ar.archived()); got != 3 {
		t.Errorf("archived %d seed messages, want 3", got)
	}
	if a.SessionID().String() == "" {
		t.Error("empty session id")
	}
}

func TestNew_FlightTrackerWhenKeySet(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Plugins.FlightTracker.APIKey = "aviationstack-key"
	a := newApp(t, cfg, app.WithProvider(&llmmock.Provider{}))

	if !slices.Contains(a.Plugins(), flighttracker.Name) {
		t.Errorf("Plugins() = %v, want %q registered", a.Plugins(), flighttracker.Name)
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	t.Run("unregistered provider", func(t *testing.T) {
		t.Parallel()
		_, err := app.New(context.Background(), testConfig(), config.NewRegistry(), app.WithMetrics(testMetrics(t)))
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Fatalf("New() error = %v, want ErrProviderNotRegistered", err)
		}
	})

	t.Run("unknown tool choice", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.LLM.Settings.ToolChoice = "math-Sqrt"
		_, err := app.New(context.Background(), cfg, config.NewRegistry(),
			app.WithMetrics(testMetrics(t)),
			app.WithProvider(&llmmock.Provider{}),
		)
		if err == nil || !strings.Contains(err.Error(), "kernel") {
			t.Fatalf("New() error = %v, want kernel error", err)
		}
	})
}

func TestApp_RunWhatIsThreePlusThree(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "math-Add", Arguments: `{"input":3,"amount":3}`}}},
		{Content: "3 + 3 = 6"},
	}}
	ar := &fakeArchiver{}
	var out bytes.Buffer
	a := newApp(t, testConfig(),
		app.WithProvider(p),
		app.WithArchiver(ar),
		app.WithIO(strings.NewReader("what is 3+3?\nexit\n"), &out),
	)

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !strings.Contains(out.String(), chat.AssistantPrompt+"3 + 3 = 6\n") {
		t.Errorf("output = %q", out.String())
	}
	if len(p.CompleteCalls) != 2 {
		t.Errorf("provider called %d times, want 2", len(p.CompleteCalls))
	}

	archived := ar.archived()
	if len(archived) != 5 {
		t.Fatalf("archived %d messages, want 5", len(archived))
	}
	if archived[3].Content != "what is 3+3?" || archived[4].Content != "3 + 3 = 6" {
		t.Errorf("turn archived as %+v, %+v", archived[3], archived[4])
	}
}

func TestApp_RunCancelled(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	a := newApp(t, testConfig(),
		app.WithProvider(&llmmock.Provider{}),
		app.WithIO(pr, io.Discard),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}
}

func TestApp_RunWithTelemetry(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Telemetry.ListenAddr = "127.0.0.1:0"
	a := newApp(t, cfg,
		app.WithProvider(&llmmock.Provider{}),
		app.WithIO(strings.NewReader("exit\n"), io.Discard),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("telemetry server kept Run() alive after the chat ended")
	}
}

func TestApp_Handler(t *testing.T) {
	t.Parallel()

	ar := &fakeArchiver{pingErr: errors.New("connection refused")}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "mosscap_chat_turns_total 0\n")
	})
	a := newApp(t, testConfig(),
		app.WithProvider(&llmmock.Provider{}),
		app.WithArchiver(ar),
		app.WithMetricsHandler(metrics),
	)
	h := a.Handler()

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/healthz", http.StatusOK, `"status":"ok"`},
		{"/readyz", http.StatusServiceUnavailable, `"history-db":"fail: connection refused"`},
		{"/metrics", http.StatusOK, "mosscap_chat_turns_total"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), app.WithProvider(&llmmock.Provider{}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for range 2 {
		if err := a.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown() error: %v", err)
		}
	}
}

func TestOnConfigChange(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	onChange := app.OnConfigChange(&level)

	old := config.Default()
	updated := config.Default()
	updated.LogLevel = config.LogDebug
	updated.LLM.Settings.Temperature = 0.1
	onChange(old, updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}

	onChange(updated, old)
	if level.Level() != slog.LevelInfo {
		t.Errorf("level = %v, want info", level.Level())
	}
}

func TestApp_RunFailsOverToFallback(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("503 service unavailable")}
	secondary := &llmmock.Provider{Responses: []*llm.CompletionResponse{{Content: "hello from groq"}}}
	reg := config.NewRegistry()
	reg.RegisterLLM("ollama", func(config.ProviderEntry) (llm.Provider, error) { return primary, nil })
	reg.RegisterLLM("groq", func(config.ProviderEntry) (llm.Provider, error) { return secondary, nil })

	cfg := testConfig()
	cfg.LLM.Fallbacks = []config.ProviderEntry{{Name: "groq", Model: "llama-3.1-8b-instant"}}

	var out bytes.Buffer
	a, err := app.New(context.Background(), cfg, reg,
		app.WithMetrics(testMetrics(t)),
		app.WithIO(strings.NewReader("hi\nexit\n"), &out),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !strings.Contains(out.String(), "hello from groq") {
		t.Errorf("output = %q, want the fallback answer", out.String())
	}
	if len(primary.CompleteCalls) != 1 || len(secondary.CompleteCalls) != 1 {
		t.Errorf("calls primary=%d secondary=%d, want 1 each", len(primary.CompleteCalls), len(secondary.CompleteCalls))
	}
}

func TestNew_FallbackNotRegistered(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterLLM("ollama", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })
	cfg := testConfig()
	cfg.LLM.Fallbacks = []config.ProviderEntry{{Name: "groq", Model: "llama-3.1-8b-instant"}}

	_, err := app.New(context.Background(), cfg, reg, app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("New() error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNew_WithSessionID(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("0d9a3c8e-5f43-4d4b-9a53-2a3c6f1e7b10")
	a := newApp(t, testConfig(), app.WithProvider(&llmmock.Provider{}), app.WithSessionID(id))
	if a.SessionID() != id {
		t.Errorf("SessionID() = %s, want %s", a.SessionID(), id)
	}
}
