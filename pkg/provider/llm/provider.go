// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a hosted or local chat-completion API (Azure OpenAI,
// OpenAI, Anthropic, a local Ollama instance, ...) and exposes a uniform
// interface so the Mosscap kernel can request completions, offer tools, and
// read back tool calls without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Role names used in [Message.Role].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser], [RoleAssistant], or [RoleTool].
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the fully-qualified tool/function name (e.g. "math-Add").
	Name string

	// Arguments is the JSON-encoded arguments string exactly as the model sent it.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// ToolChoice controls whether and which tools the model may call.
// Besides the predefined modes, any other value names a single tool the model
// is forced to call.
type ToolChoice string

const (
	// ToolChoiceAuto lets the model decide whether to call a tool.
	ToolChoiceAuto ToolChoice = "auto"

	// ToolChoiceNone forbids tool calls.
	ToolChoiceNone ToolChoice = "none"

	// ToolChoiceRequired forces the model to call at least one tool.
	ToolChoiceRequired ToolChoice = "required"
)

// IsFunction reports whether c names a specific tool rather than a mode.
func (c ToolChoice) IsFunction() bool {
	switch c {
	case "", ToolChoiceAuto, ToolChoiceNone, ToolChoiceRequired:
		return false
	}
	return true
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool
}

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message typically drives
	// the response.
	Messages []Message

	// Tools is the set of tool definitions offered to the model. Empty means
	// the request is sent without any tool catalog.
	Tools []ToolDefinition

	// ToolChoice is only sent when Tools is non-empty. Empty means provider default.
	ToolChoice ToolChoice

	// Temperature controls output randomness in the range [0.0, 2.0].
	// Zero means provider default.
	Temperature float64

	// TopP is the nucleus-sampling probability mass. Zero means provider default.
	TopP float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int

	// CandidateCount is the number of completions requested. Zero or one both
	// request a single candidate; only the first candidate is read.
	CandidateCount int

	// SystemPrompt is an optional instruction injected before Messages.
	SystemPrompt string
}

// CompletionResponse is returned by [Provider.Complete].
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model. The caller
	// is responsible for executing them and appending the results.
	ToolCalls []ToolCall

	// FinishReason reports why generation stopped ("stop", "length",
	// "tool_calls", ...). May be empty if the backend does not report it.
	FinishReason string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens messages would consume in
	// the model's context window. The result need not be exact but should
	// not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata describing the underlying model.
	Capabilities() ModelCapabilities
}

// EstimateTokens approximates token usage with the ~4 characters per token
// heuristic plus a small per-message overhead. Providers without a native
// tokenizer use it for [Provider.CountTokens].
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		chars := len(m.Content) + len(m.Name)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
		total += (chars + 3) / 4
		total += 4
	}
	return total
}
