package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/mosscap/internal/observe"
	"github.com/MrWong99/mosscap/pkg/provider/llm"
	llmmock "github.com/MrWong99/mosscap/pkg/provider/llm/mock"
)

func answering(text string) *llmmock.Provider {
	return &llmmock.Provider{Responses: []*llm.CompletionResponse{{Content: text}}}
}

func failing(msg string) *llmmock.Provider {
	return &llmmock.Provider{CompleteErr: errors.New(msg)}
}

func newTestFallback(t *testing.T, cfg BreakerConfig, primary llm.Provider, rest ...llm.Provider) *Fallback {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f := NewFallback("primary", primary, cfg, WithMetrics(m))
	names := []string{"secondary", "tertiary"}
	for i, p := range rest {
		f.Add(names[i], p)
	}
	return f
}

func TestFallback_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary, secondary := answering("from primary"), answering("from secondary")
	f := newTestFallback(t, BreakerConfig{}, primary, secondary)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from primary" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(secondary.CompleteCalls) != 0 {
		t.Errorf("secondary called %d times, want 0", len(secondary.CompleteCalls))
	}
}

func TestFallback_Failover(t *testing.T) {
	t.Parallel()
	primary, secondary := failing("primary down"), answering("from secondary")
	f := newTestFallback(t, BreakerConfig{}, primary, secondary)

	req := llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "what is 3+3?"}}}
	resp, err := f.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(secondary.CompleteCalls) != 1 || secondary.CompleteCalls[0].Req.Messages[0].Content != "what is 3+3?" {
		t.Errorf("secondary did not receive the same request: %+v", secondary.CompleteCalls)
	}
}

func TestFallback_AllFailed(t *testing.T) {
	t.Parallel()
	f := newTestFallback(t, BreakerConfig{}, failing("primary down"), failing("secondary down"))

	_, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	for _, want := range []string{"primary down", "secondary down"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	t.Parallel()
	primary, secondary := failing("primary down"), answering("from secondary")
	f := newTestFallback(t, BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}, primary, secondary)

	for range 3 {
		if _, err := f.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	if got := len(primary.CompleteCalls); got != 2 {
		t.Errorf("primary called %d times, want 2 before the breaker opened", got)
	}
	if got := f.States()["primary"]; got != StateOpen {
		t.Errorf("primary breaker = %v, want open", got)
	}
}

func TestFallback_CancelledDoesNotFailOver(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: context.Canceled}
	secondary := answering("from secondary")
	f := newTestFallback(t, BreakerConfig{}, primary, secondary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Complete(ctx, llm.CompletionRequest{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(secondary.CompleteCalls) != 0 {
		t.Error("cancelled request was sent to the fallback")
	}
}

func TestFallback_Capabilities(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 128000}}
	f := newTestFallback(t, BreakerConfig{}, primary, answering("x"))
	if got := f.Capabilities().ContextWindow; got != 128000 {
		t.Errorf("ContextWindow = %d, want the primary's", got)
	}
}
