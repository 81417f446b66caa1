// Package orchestrator drives one chat invocation: it renders the chat
// function's prompt, sends it to the LLM provider together with the tool
// catalog and, when auto-invoke is enabled, executes the requested tools and
// feeds their results back until the model answers in text.
//
// The auto-invoke loop is an explicit state machine:
//
//	StateAwaitingModel --text--------------------------> StateFinal
//	StateAwaitingModel --tool calls, auto-invoke off----> StateFinal (pending calls)
//	StateAwaitingModel --tool calls, attempts < max-----> StateResolvingTools
//	StateResolvingTools --results appended, attempts++--> StateAwaitingModel
//
// Once the attempt limit is reached the model is asked again without tools.
// If it still requests tools the invocation fails with
// [ErrAutoInvokeExhausted].
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/mosscap/internal/observe"
	"github.com/MrWong99/mosscap/internal/plugin"
	"github.com/MrWong99/mosscap/internal/prompt"
	"github.com/MrWong99/mosscap/pkg/provider/llm"
)

// ErrAutoInvokeExhausted is returned when the model keeps requesting tools
// after the auto-invoke attempt limit was reached.
var ErrAutoInvokeExhausted = errors.New("orchestrator: auto-invoke attempts exhausted")

// State is a step of the auto-invoke state machine.
type State int

const (
	StateAwaitingModel State = iota
	StateResolvingTools
	StateFinal
)

func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "awaiting_model"
	case StateResolvingTools:
		return "resolving_tools"
	case StateFinal:
		return "final"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Function is a prompt function invoked through the kernel.
type Function struct {
	Name       string
	PluginName string

	// Template uses {{$name}} placeholders filled from [Arguments].
	Template string
}

// ChatFunction is the conversational function: the rendered history followed
// by the new user input.
func ChatFunction() Function {
	return Function{Name: "Chat", PluginName: ChatBotPlugin, Template: prompt.ChatTemplate}
}

// Arguments are the template variables of one invocation.
type Arguments map[string]any

// Result is the outcome of [Kernel.Invoke].
type Result struct {
	// Text is the final assistant answer.
	Text string

	// ToolCalls holds calls the model requested but that were not executed
	// because auto-invoke is disabled.
	ToolCalls []llm.ToolCall

	// Attempts is the number of tool round trips performed.
	Attempts int

	// FinishReason of the last model response.
	FinishReason string

	// Usage summed over every request of the invocation.
	Usage llm.Usage
}

// String returns the answer text.
func (r *Result) String() string {
	if r == nil {
		return ""
	}
	return r.Text
}

// Option configures a [Kernel].
type Option func(*Kernel)

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithProviderName sets the provider label used in metrics and logs.
func WithProviderName(name string) Option {
	return func(k *Kernel) { k.providerName = name }
}

// Kernel ties an LLM provider to a plugin registry under fixed
// [ExecutionSettings]. It is safe for concurrent use as long as the provider
// and the registered plugins are.
type Kernel struct {
	provider     llm.Provider
	providerName string
	registry     *plugin.Registry
	settings     ExecutionSettings
	metrics      *observe.Metrics
}

// NewKernel normalises and validates settings. A tool choice naming a function
// that is not in the filtered catalog is an error.
func NewKernel(p llm.Provider, reg *plugin.Registry, settings ExecutionSettings, opts ...Option) (*Kernel, error) {
	if p == nil {
		return nil, errors.New("orchestrator: provider must not be nil")
	}
	if reg == nil {
		return nil, errors.New("orchestrator: registry must not be nil")
	}
	k := &Kernel{
		provider:     p,
		providerName: settings.ServiceID,
		registry:     reg,
		settings:     settings.Normalize(),
	}
	for _, o := range opts {
		o(k)
	}
	if k.metrics == nil {
		k.metrics = observe.DefaultMetrics()
	}
	tools := reg.Tools(k.settings.Filter())
	if err := k.settings.validate(tools); err != nil {
		return nil, err
	}
	return k, nil
}

// Settings returns the normalised execution settings.
func (k *Kernel) Settings() ExecutionSettings { return k.settings }

// invocation is the working state of one [Kernel.Invoke] call.
type invocation struct {
	messages []llm.Message
	tools    []llm.ToolDefinition
	attempts int
	usage    llm.Usage
	last     *llm.CompletionResponse
}

func (inv *invocation) result(pending bool) *Result {
	r := &Result{Attempts: inv.attempts, Usage: inv.usage}
	if inv.last != nil {
		r.Text = inv.last.Content
		r.FinishReason = inv.last.FinishReason
		if pending {
			r.ToolCalls = inv.last.ToolCalls
		}
	}
	return r
}

// Invoke renders fn with args and runs the auto-invoke state machine.
// Provider errors are returned wrapped and end the invocation.
func (k *Kernel) Invoke(ctx context.Context, fn Function, args Arguments) (*Result, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "kernel.invoke", trace.WithAttributes(
		attribute.String("function", plugin.FullName(fn.PluginName, fn.Name)),
		attribute.String("model", k.settings.ModelID),
	))

	inv := &invocation{
		messages: prompt.Parse(prompt.Render(fn.Template, args)),
		tools:    k.registry.Tools(k.settings.Filter()),
	}
	res, err := k.run(ctx, inv)

	status := "ok"
	if err != nil {
		status = "error"
	}
	k.metrics.RecordTurn(ctx, status, inv.attempts, time.Since(start))
	span.SetAttributes(attribute.Int("attempts", inv.attempts))
	observe.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (k *Kernel) run(ctx context.Context, inv *invocation) (*Result, error) {
	log := observe.Logger(ctx)
	state := StateAwaitingModel
	pending := false
	for {
		var err error
		next := state
		switch state {
		case StateAwaitingModel:
			next, pending, err = k.awaitModel(ctx, inv)
		case StateResolvingTools:
			next, err = k.resolveTools(ctx, inv)
		case StateFinal:
			return inv.result(pending), nil
		}
		if err != nil {
			return nil, err
		}
		log.Debug("kernel state transition", "from", state, "to", next, "attempts", inv.attempts)
		state = next
	}
}

// offerTools reports whether the next request carries the tool catalog.
func (k *Kernel) offerTools(inv *invocation) bool {
	if len(inv.tools) == 0 {
		return false
	}
	return !k.settings.AutoInvoke || inv.attempts < k.settings.MaxAutoInvokeAttempts
}

// toolChoice forces a tool only on the first round. Once tool results are in
// the conversation the model may answer in text.
func (k *Kernel) toolChoice(inv *invocation) llm.ToolChoice {
	c := k.settings.ToolChoice
	if inv.attempts > 0 && (c == llm.ToolChoiceRequired || c.IsFunction()) {
		return llm.ToolChoiceAuto
	}
	return c
}

func (k *Kernel) awaitModel(ctx context.Context, inv *invocation) (State, bool, error) {
	req := llm.CompletionRequest{
		Messages:       inv.messages,
		Temperature:    k.settings.Temperature,
		TopP:           k.settings.TopP,
		MaxTokens:      k.settings.MaxTokens,
		CandidateCount: k.settings.CandidateCount,
	}
	if k.offerTools(inv) {
		req.Tools = inv.tools
		req.ToolChoice = k.toolChoice(inv)
	}

	start := time.Now()
	resp, err := k.provider.Complete(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		k.metrics.RecordProviderRequest(ctx, k.providerName, "error", elapsed)
		k.metrics.RecordProviderError(ctx, k.providerName, "complete")
		return StateFinal, false, fmt.Errorf("orchestrator: complete: %w", err)
	}
	k.metrics.RecordProviderRequest(ctx, k.providerName, "ok", elapsed)
	k.metrics.RecordTokens(ctx, k.providerName, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	inv.usage = inv.usage.Add(resp.Usage)
	inv.last = resp

	switch {
	case len(resp.ToolCalls) == 0:
		return StateFinal, false, nil
	case !k.settings.AutoInvoke:
		return StateFinal, true, nil
	case inv.attempts >= k.settings.MaxAutoInvokeAttempts:
		return StateFinal, false, fmt.Errorf("%w after %d attempts", ErrAutoInvokeExhausted, inv.attempts)
	}
	return StateResolvingTools, false, nil
}

func (k *Kernel) resolveTools(ctx context.Context, inv *invocation) (State, error) {
	calls := inv.last.ToolCalls
	inv.messages = append(inv.messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   inv.last.Content,
		ToolCalls: calls,
	})
	for _, tc := range calls {
		if err := ctx.Err(); err != nil {
			return StateFinal, fmt.Errorf("orchestrator: resolve tools: %w", err)
		}
		inv.messages = append(inv.messages, llm.Message{
			Role:       llm.RoleTool,
			Name:       tc.Name,
			ToolCallID: tc.ID,
			Content:    k.invokeTool(ctx, tc),
		})
	}
	inv.attempts++
	return StateAwaitingModel, nil
}

// invokeTool runs one tool call. Failures are returned to the model as text
// so it can correct itself.
func (k *Kernel) invokeTool(ctx context.Context, tc llm.ToolCall) string {
	ctx, span := observe.StartSpan(ctx, "tool.invoke", trace.WithAttributes(
		attribute.String("tool", tc.Name),
		attribute.String("tool_call_id", tc.ID),
	))
	start := time.Now()
	out, err := k.registry.Invoke(ctx, tc.Name, tc.Arguments)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		observe.Logger(ctx).Warn("tool call failed", "tool", tc.Name, "err", err)
		out = "Error: " + err.Error()
	} else {
		observe.Logger(ctx).Debug("tool call succeeded", "tool", tc.Name, "duration", elapsed)
	}
	k.metrics.RecordToolCall(ctx, tc.Name, status, elapsed)
	observe.EndSpan(span, err)
	return out
}
