package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/mosscap/pkg/provider/llm"
	"github.com/MrWong99/mosscap/pkg/provider/llm/anyllm"
	"github.com/MrWong99/mosscap/pkg/provider/llm/openai"
)

// ErrProviderNotRegistered is returned by [Registry.CreateLLM] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory builds a provider from its configuration entry.
type LLMFactory func(ProviderEntry) (llm.Provider, error)

// Registry maps provider names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]LLMFactory
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{llm: make(map[string]LLMFactory)}
}

// RegisterLLM registers factory under name, replacing any previous one.
func (r *Registry) RegisterLLM(name string, factory LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// LLMNames returns the registered provider names, sorted.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.llm))
	for name := range r.llm {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateLLM instantiates the provider registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// RegisterBuiltinProviders wires the providers that ship with Mosscap:
// azure-openai and openai through openai-go, and the any-llm-go backends.
func RegisterBuiltinProviders(r *Registry) {
	r.RegisterLLM(ProviderAzureOpenAI, func(e ProviderEntry) (llm.Provider, error) {
		opts := append(openAIOptions(e), openai.WithAzure(e.BaseURL, e.APIVersion))
		return openai.New(e.APIKey, e.Model, opts...)
	})
	r.RegisterLLM("openai", func(e ProviderEntry) (llm.Provider, error) {
		opts := openAIOptions(e)
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	})

	for _, backend := range anyllm.Backends {
		if backend == "openai" {
			continue
		}
		r.RegisterLLM(backend, func(e ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(backend, e.Model, opts...)
		})
	}
}

func openAIOptions(e ProviderEntry) []openai.Option {
	var opts []openai.Option
	if org := optString(e.Options, "organization"); org != "" {
		opts = append(opts, openai.WithOrganization(org))
	}
	if d, err := time.ParseDuration(optString(e.Options, "timeout")); err == nil && d > 0 {
		opts = append(opts, openai.WithTimeout(d))
	}
	return opts
}

// optString extracts a string value from a provider Options map. Returns ""
// if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
