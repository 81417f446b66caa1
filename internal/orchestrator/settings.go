package orchestrator

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/MrWong99/mosscap/internal/plugin"
	"github.com/MrWong99/mosscap/pkg/provider/llm"
)

// Defaults of [DefaultSettings].
const (
	DefaultServiceID             = "chat"
	DefaultMaxTokens             = 2000
	DefaultTemperature           = 0.7
	DefaultTopP                  = 0.8
	DefaultMaxAutoInvokeAttempts = 3
)

// ChatBotPlugin is the name under which the chat function itself is exposed.
// It is excluded from the tool catalog so the model cannot call back into the
// conversation.
const ChatBotPlugin = "ChatBot"

// ExecutionSettings are the model parameters and tool-calling policy applied
// to every request of a [Kernel]. They are built once at startup.
type ExecutionSettings struct {
	// ServiceID names the LLM service the settings belong to.
	ServiceID string

	// ModelID is the deployment or model name.
	ModelID string

	MaxTokens      int
	Temperature    float64
	TopP           float64
	CandidateCount int

	// ToolChoice is auto, none, required or a fully-qualified function name
	// such as "math-Add".
	ToolChoice llm.ToolChoice

	// AutoInvoke executes tool calls requested by the model and resubmits
	// their results. When false the calls are handed back to the caller.
	AutoInvoke bool

	// MaxAutoInvokeAttempts bounds the number of tool round trips per
	// invocation.
	MaxAutoInvokeAttempts int

	// IncludePlugins and ExcludePlugins filter the tool catalog. Exclude wins.
	IncludePlugins []string
	ExcludePlugins []string
}

// DefaultSettings returns the chat defaults for modelID.
func DefaultSettings(modelID string) ExecutionSettings {
	return ExecutionSettings{
		ServiceID:             DefaultServiceID,
		ModelID:               modelID,
		MaxTokens:             DefaultMaxTokens,
		Temperature:           DefaultTemperature,
		TopP:                  DefaultTopP,
		CandidateCount:        1,
		ToolChoice:            llm.ToolChoiceAuto,
		AutoInvoke:            true,
		MaxAutoInvokeAttempts: DefaultMaxAutoInvokeAttempts,
		ExcludePlugins:        []string{ChatBotPlugin},
	}
}

// Normalize fills zero values and resolves conflicting options.
//
// Auto-invoke can only follow one candidate, so with AutoInvoke enabled and
// CandidateCount > 1 both CandidateCount and MaxAutoInvokeAttempts are clamped
// to 1.
func (s ExecutionSettings) Normalize() ExecutionSettings {
	if s.ServiceID == "" {
		s.ServiceID = DefaultServiceID
	}
	if s.ToolChoice == "" {
		s.ToolChoice = llm.ToolChoiceAuto
	}
	if s.CandidateCount < 1 {
		s.CandidateCount = 1
	}
	if s.AutoInvoke && s.MaxAutoInvokeAttempts <= 0 {
		s.MaxAutoInvokeAttempts = DefaultMaxAutoInvokeAttempts
	}
	if s.AutoInvoke && s.CandidateCount > 1 {
		slog.Warn("orchestrator: auto-invoke requires a single candidate, clamping",
			"candidate_count", s.CandidateCount,
			"max_auto_invoke_attempts", s.MaxAutoInvokeAttempts,
		)
		s.CandidateCount = 1
		s.MaxAutoInvokeAttempts = 1
	}
	s.IncludePlugins = slices.Clone(s.IncludePlugins)
	s.ExcludePlugins = slices.Clone(s.ExcludePlugins)
	return s
}

// Filter returns the tool catalog filter described by the settings.
func (s ExecutionSettings) Filter() plugin.Filter {
	return plugin.Filter{Include: s.IncludePlugins, Exclude: s.ExcludePlugins}
}

// validate checks s against the tools that will actually be offered.
func (s ExecutionSettings) validate(tools []llm.ToolDefinition) error {
	if s.MaxTokens < 0 {
		return fmt.Errorf("orchestrator: max tokens must not be negative, got %d", s.MaxTokens)
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		return fmt.Errorf("orchestrator: temperature %v out of range [0, 2]", s.Temperature)
	}
	if s.TopP < 0 || s.TopP > 1 {
		return fmt.Errorf("orchestrator: top_p %v out of range [0, 1]", s.TopP)
	}
	if s.ToolChoice.IsFunction() {
		name := string(s.ToolChoice)
		if !slices.ContainsFunc(tools, func(t llm.ToolDefinition) bool { return t.Name == name }) {
			return fmt.Errorf("orchestrator: tool choice %q: %w", name, plugin.ErrFunctionNotFound)
		}
	}
	return nil
}
