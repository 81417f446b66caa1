package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/mosscap/internal/orchestrator"
	"github.com/MrWong99/mosscap/internal/plugin/mcpplugin"
	"github.com/MrWong99/mosscap/pkg/provider/llm"
	"github.com/MrWong99/mosscap/pkg/provider/llm/openai"
)

// Environment variables applied on top of the file configuration.
const (
	EnvAzureDeployment = "AZURE_OPENAI_DEPLOYMENT_NAME"
	EnvAzureAPIKey     = "AZURE_OPENAI_API_KEY"
	EnvAzureEndpoint   = "AZURE_OPENAI_ENDPOINT"
	EnvAzureAPIVersion = "AZURE_OPENAI_API_VERSION"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvFlightAPIKey    = "AVIATIONSTACK_API_KEY"
	EnvLogLevel        = "MOSSCAP_LOG_LEVEL"
	EnvPostgresDSN     = "MOSSCAP_POSTGRES_DSN"
	EnvTelemetryAddr   = "MOSSCAP_TELEMETRY_ADDR"
)

// ProviderAzureOpenAI is the default provider name.
const ProviderAzureOpenAI = "azure-openai"

// DefaultSystemPrompt is the Mosscap persona.
const DefaultSystemPrompt = `You are a chat bot. Your name is Mosscap and
you have one goal: figure out what people need.
Your full name, should you need to know it, is
Splendid Speckled Mosscap. You communicate
effectively, but you tend to answer with long
flowery prose. You are also a math wizard,
especially for adding and subtracting.
You also excel at joke telling, where your tone is often sarcastic.
Once you have the answer I am looking for,
you will return a full answer to me as soon as possible.`

// DefaultModel is the model label of the built-in chat settings. It is not a
// deployment name: the Azure deployment comes from AZURE_OPENAI_DEPLOYMENT_NAME.
const DefaultModel = "GPT4"

// Default returns the built-in configuration: the Mosscap persona on Azure
// OpenAI with the GPT4 chat settings.
func Default() *Config {
	s := orchestrator.DefaultSettings(DefaultModel)
	return &Config{
		LogLevel: LogInfo,
		LLM: LLMConfig{
			Provider: ProviderEntry{
				Name:       ProviderAzureOpenAI,
				APIVersion: openai.DefaultAzureAPIVersion,
			},
			Settings: SettingsConfig{
				ServiceID:             s.ServiceID,
				ModelID:               s.ModelID,
				MaxTokens:             s.MaxTokens,
				Temperature:           s.Temperature,
				TopP:                  s.TopP,
				CandidateCount:        s.CandidateCount,
				ToolChoice:            s.ToolChoice,
				AutoInvoke:            s.AutoInvoke,
				MaxAutoInvokeAttempts: s.MaxAutoInvokeAttempts,
				ExcludePlugins:        s.ExcludePlugins,
			},
		},
		Chat: ChatConfig{
			SystemPrompt: DefaultSystemPrompt,
			Examples: []ExampleMessage{
				{Role: llm.RoleUser, Content: "Hi there, who are you?"},
				{Role: llm.RoleAssistant, Content: "I am Mosscap, a chat bot. I'm trying to figure out what people need."},
			},
		},
	}
}

// LoadOption configures [Load] and [LoadFromReader].
type LoadOption func(*loadOptions)

type loadOptions struct {
	getenv func(string) string
}

// WithGetenv replaces [os.Getenv] as the source of the environment overlay.
func WithGetenv(getenv func(string) string) LoadOption {
	return func(o *loadOptions) { o.getenv = getenv }
}

func newLoadOptions(opts []LoadOption) loadOptions {
	o := loadOptions{getenv: os.Getenv}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// LoadDotEnv loads variables from the .env file at path into the process
// environment. Variables already set are not overwritten. An empty path means
// ".env" in the working directory, which may be absent.
func LoadDotEnv(path string) error {
	optional := path == ""
	if optional {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load env file %q: %w", path, err)
	}
	return nil
}

// Load reads the YAML file at path over [Default], applies the environment
// and validates the result. An empty path uses the defaults alone.
func Load(path string, opts ...LoadOption) (*Config, error) {
	if path == "" {
		o := newLoadOptions(opts)
		cfg := Default()
		ApplyEnv(cfg, o.getenv)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over [Default], applies the environment
// and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader, opts ...LoadOption) (*Config, error) {
	o := newLoadOptions(opts)
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, o.getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays non-empty environment variables onto cfg. The Azure
// variables only apply to the azure-openai provider.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	p := &cfg.LLM.Provider
	switch p.Name {
	case ProviderAzureOpenAI:
		set(&p.Model, EnvAzureDeployment)
		set(&p.APIKey, EnvAzureAPIKey)
		set(&p.BaseURL, EnvAzureEndpoint)
		set(&p.APIVersion, EnvAzureAPIVersion)
	case "openai":
		if p.APIKey == "" {
			set(&p.APIKey, EnvOpenAIAPIKey)
		}
	}
	set(&cfg.Plugins.FlightTracker.APIKey, EnvFlightAPIKey)
	set(&cfg.History.PostgresDSN, EnvPostgresDSN)
	set(&cfg.Telemetry.ListenAddr, EnvTelemetryAddr)
	if v := getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = LogLevel(v)
	}
}

// validateProvider checks one provider entry. The environment variable names
// are only mentioned for the primary provider, the only one they apply to.
func validateProvider(prefix string, p ProviderEntry, primary bool) []error {
	var errs []error
	hint := func(env string) string {
		if primary {
			return " (" + env + ")"
		}
		return ""
	}
	if p.Name == "" {
		return append(errs, fmt.Errorf("%s.name is required", prefix))
	}
	if p.Model == "" {
		if p.Name == ProviderAzureOpenAI {
			errs = append(errs, fmt.Errorf("%s.model%s is required for azure-openai", prefix, hint(EnvAzureDeployment)))
		} else {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
	}
	if p.Name == ProviderAzureOpenAI {
		if p.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key%s is required for azure-openai", prefix, hint(EnvAzureAPIKey)))
		}
		if p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url%s is required for azure-openai", prefix, hint(EnvAzureEndpoint)))
		}
	}
	return errs
}

var pluginName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Validate checks cfg and returns every problem found joined into one error.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	errs = append(errs, validateProvider("llm.provider", cfg.LLM.Provider, true)...)
	for i, fb := range cfg.LLM.Fallbacks {
		errs = append(errs, validateProvider(fmt.Sprintf("llm.fallbacks[%d]", i), fb, false)...)
	}
	if cb := cfg.LLM.CircuitBreaker; cb.MaxFailures < 0 || cb.ResetTimeout < 0 || cb.HalfOpenMax < 0 {
		errs = append(errs, errors.New("llm.circuit_breaker values must not be negative"))
	}

	s := cfg.LLM.Settings
	if s.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.settings.max_tokens %d must not be negative", s.MaxTokens))
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.settings.temperature %.2f is out of range [0, 2]", s.Temperature))
	}
	if s.TopP < 0 || s.TopP > 1 {
		errs = append(errs, fmt.Errorf("llm.settings.top_p %.2f is out of range [0, 1]", s.TopP))
	}
	if s.CandidateCount < 0 {
		errs = append(errs, fmt.Errorf("llm.settings.candidate_count %d must not be negative", s.CandidateCount))
	}
	if s.MaxAutoInvokeAttempts < 0 {
		errs = append(errs, fmt.Errorf("llm.settings.max_auto_invoke_attempts %d must not be negative", s.MaxAutoInvokeAttempts))
	}

	if cfg.Chat.SystemPrompt == "" {
		errs = append(errs, errors.New("chat.system_prompt is required"))
	}
	for i, ex := range cfg.Chat.Examples {
		if !slices.Contains([]string{llm.RoleUser, llm.RoleAssistant}, ex.Role) {
			errs = append(errs, fmt.Errorf("chat.examples[%d].role %q is invalid; valid values: user, assistant", i, ex.Role))
		}
	}

	seen := make(map[string]int, len(cfg.Plugins.MCP.Servers))
	for i, srv := range cfg.Plugins.MCP.Servers {
		prefix := fmt.Sprintf("plugins.mcp.servers[%d]", i)
		switch {
		case srv.Name == "":
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		case !pluginName.MatchString(srv.Name):
			errs = append(errs, fmt.Errorf("%s.name %q may only contain letters, digits and underscores", prefix, srv.Name))
		default:
			if prev, ok := seen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of plugins.mcp.servers[%d]", prefix, srv.Name, prev))
			}
			seen[srv.Name] = i
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcpplugin.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcpplugin.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}
