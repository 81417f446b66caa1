package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/mosscap/internal/observe"
	"github.com/MrWong99/mosscap/pkg/provider/llm"
)

// ErrAllFailed is returned when every backend of a [Fallback] failed or had
// an open breaker.
var ErrAllFailed = errors.New("resilience: all llm providers failed")

type backend struct {
	name     string
	provider llm.Provider
	breaker  *Breaker
}

// Fallback implements [llm.Provider] over an ordered list of backends. A
// request goes to the primary first and moves down the list when a backend
// fails or its breaker is open.
type Fallback struct {
	cfg      BreakerConfig
	metrics  *observe.Metrics
	backends []backend
}

var _ llm.Provider = (*Fallback)(nil)

// FallbackOption configures a [Fallback].
type FallbackOption func(*Fallback)

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) FallbackOption {
	return func(f *Fallback) { f.metrics = m }
}

// NewFallback returns a Fallback whose only backend is primary. Every backend
// gets its own [Breaker] configured by cfg.
func NewFallback(primaryName string, primary llm.Provider, cfg BreakerConfig, opts ...FallbackOption) *Fallback {
	f := &Fallback{cfg: cfg}
	for _, o := range opts {
		o(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	f.Add(primaryName, primary)
	return f
}

// Add appends a backend. Backends are tried in the order they were added.
// Add must not be called concurrently with requests.
func (f *Fallback) Add(name string, p llm.Provider) {
	f.backends = append(f.backends, backend{name: name, provider: p, breaker: NewBreaker(name, f.cfg)})
}

// Complete sends req to the first backend that answers. Cancellation of ctx
// ends the request without trying further backends.
func (f *Fallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var errs []error
	for i, b := range f.backends {
		var resp *llm.CompletionResponse
		err := b.breaker.Do(func() error {
			var err error
			resp, err = b.provider.Complete(ctx, req)
			return err
		})
		if err == nil {
			if i > 0 {
				slog.Info("llm request served by fallback", "provider", b.name)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping llm provider, circuit open", "provider", b.name)
			continue
		}
		f.metrics.RecordProviderError(ctx, b.name, "failover")
		slog.Warn("llm provider failed, trying next", "provider", b.name, "err", err)
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// CountTokens asks the first backend whose breaker is not open.
func (f *Fallback) CountTokens(messages []llm.Message) (int, error) {
	for _, b := range f.backends {
		if b.breaker.State() != StateOpen {
			return b.provider.CountTokens(messages)
		}
	}
	return f.backends[0].provider.CountTokens(messages)
}

// Capabilities reports the primary's capabilities.
func (f *Fallback) Capabilities() llm.ModelCapabilities {
	return f.backends[0].provider.Capabilities()
}

// States returns the breaker state of every backend by name.
func (f *Fallback) States() map[string]State {
	states := make(map[string]State, len(f.backends))
	for _, b := range f.backends {
		states[b.name] = b.breaker.State()
	}
	return states
}
