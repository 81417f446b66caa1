// Package openai provides an LLM provider backed by the OpenAI API or an
// Azure OpenAI deployment.
package openai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/mosscap/pkg/provider/llm"
)

// DefaultAzureAPIVersion is used when [WithAzure] is given an empty API version.
const DefaultAzureAPIVersion = "2024-06-01"

// Provider implements llm.Provider using the OpenAI chat completions API.
type Provider struct {
	client oai.Client
	model  string
	family modelFamily
}

// config holds optional configuration for the provider.
type config struct {
	baseURL         string
	organization    string
	timeout         time.Duration
	azureEndpoint   string
	azureAPIVersion string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithAzure routes requests to an Azure OpenAI resource. The model passed to
// [New] is then the deployment name, and the API key is sent in the Api-Key
// header instead of a bearer token.
func WithAzure(endpoint, apiVersion string) Option {
	return func(c *config) {
		c.azureEndpoint = endpoint
		c.azureAPIVersion = apiVersion
	}
}

// New constructs a new OpenAI LLM Provider. The client never retries: a
// failed request surfaces immediately to the caller.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.azureEndpoint != "" {
		version := cfg.azureAPIVersion
		if version == "" {
			version = DefaultAzureAPIVersion
		}
		reqOpts = append(reqOpts,
			azure.WithEndpoint(cfg.azureEndpoint, version),
			azure.WithAPIKey(apiKey),
		)
	} else {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
		if cfg.baseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
		}
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	// Requests are traced as client spans below the kernel.invoke span.
	reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
		Timeout:   cfg.timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}))

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model, family: familyOf(model)}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	choice := resp.Choices[0]
	result := &llm.CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// CountTokens implements llm.Provider with the tiktoken BPE encodings.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	n, err := llm.CountBPETokens(messages)
	if err != nil {
		return 0, fmt.Errorf("openai: count tokens: %w", err)
	}
	return n, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return p.family.caps
}

// modelFamily groups OpenAI models by name prefix. Reasoning models reject
// the sampling parameters and take max_completion_tokens instead of
// max_tokens.
type modelFamily struct {
	prefixes  []string
	caps      llm.ModelCapabilities
	reasoning bool
}

// defaultFamily applies to unknown models and to Azure deployment names that
// do not follow the model naming.
var defaultFamily = modelFamily{caps: llm.ModelCapabilities{
	ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsToolCalling: true,
}}

// families is matched in order, so longer prefixes come first.
var families = []modelFamily{
	{prefixes: []string{"gpt-4o"}, caps: llm.ModelCapabilities{
		ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsToolCalling: true, SupportsVision: true,
	}},
	{prefixes: []string{"gpt-4.1"}, caps: llm.ModelCapabilities{
		ContextWindow: 1_047_576, MaxOutputTokens: 32_768, SupportsToolCalling: true, SupportsVision: true,
	}},
	{prefixes: []string{"gpt-4-turbo"}, caps: llm.ModelCapabilities{
		ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsToolCalling: true, SupportsVision: true,
	}},
	{prefixes: []string{"gpt-4", "gpt4"}, caps: llm.ModelCapabilities{
		ContextWindow: 8_192, MaxOutputTokens: 4_096, SupportsToolCalling: true,
	}},
	{prefixes: []string{"gpt-35-turbo", "gpt-3.5-turbo"}, caps: llm.ModelCapabilities{
		ContextWindow: 16_385, MaxOutputTokens: 4_096, SupportsToolCalling: true,
	}},
	{prefixes: []string{"o1-mini"}, reasoning: true, caps: llm.ModelCapabilities{
		ContextWindow: 128_000, MaxOutputTokens: 65_536,
	}},
	{prefixes: []string{"o1", "o3", "o4"}, reasoning: true, caps: llm.ModelCapabilities{
		ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true,
	}},
}

func familyOf(model string) modelFamily {
	lower := strings.ToLower(model)
	for _, f := range families {
		for _, prefix := range f.prefixes {
			if strings.HasPrefix(lower, prefix) {
				return f
			}
		}
	}
	return defaultFamily
}

// buildParams converts a CompletionRequest into OpenAI SDK params.
func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion

	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}

	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}

	switch {
	case p.family.reasoning:
		if req.Temperature != 0 || req.TopP != 0 {
			slog.Debug("openai: sampling settings ignored by reasoning model", "model", p.model)
		}
		if req.MaxTokens > 0 {
			params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
		}
	default:
		if req.Temperature != 0 {
			params.Temperature = param.NewOpt(req.Temperature)
		}
		if req.TopP != 0 {
			params.TopP = param.NewOpt(req.TopP)
		}
		if req.MaxTokens > 0 {
			params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
		}
	}
	if req.CandidateCount > 1 {
		params.N = param.NewOpt(int64(req.CandidateCount))
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}
	if len(req.Tools) > 0 && req.ToolChoice != "" {
		params.ToolChoice = convertToolChoice(req.ToolChoice)
	}

	return params, nil
}

// convertToolChoice maps a tool choice mode or function name to the SDK union.
func convertToolChoice(c llm.ToolChoice) oai.ChatCompletionToolChoiceOptionUnionParam {
	if c.IsFunction() {
		return oai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &oai.ChatCompletionNamedToolChoiceParam{
				Function: oai.ChatCompletionNamedToolChoiceFunctionParam{Name: string(c)},
			},
		}
	}
	return oai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt(string(c))}
}

// convertMessage converts an llm.Message to an OpenAI SDK message param.
func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil

	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil

	case llm.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case llm.RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}
