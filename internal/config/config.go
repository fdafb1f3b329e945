// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the arch gateway.
type Config struct {
	Server        ServerConfig              `koanf:"server"`
	Providers     map[string]ProviderConfig `koanf:"providers"`
	PromptTargets []PromptTargetConfig      `koanf:"prompt_targets"`
	PromptGateway PromptGatewayConfig       `koanf:"prompt_gateway"`
	Overrides     OverridesConfig           `koanf:"overrides"`
	Tracing       TracingConfig             `koanf:"tracing"`
	Tokenizer     TokenizerConfig           `koanf:"tokenizer"`
}

// TokenizerConfig locates the BPE vocabulary file internal/tokencount
// loads for token accounting.
type TokenizerConfig struct {
	VocabPath string `koanf:"vocab_path"`
}

// PromptGatewayConfig holds the settings for the intent-resolution state
// machine (C7): the global system prompt prepended when no prompt
// target is matched, and how to reach the function-calling model.
type PromptGatewayConfig struct {
	SystemPrompt string        `koanf:"system_prompt"`
	FCModel      FCModelConfig `koanf:"fc_model"`
}

// FCModelConfig locates the function-calling model server that C7 calls
// out to for intent resolution.
type FCModelConfig struct {
	Name    string        `koanf:"name"`
	BaseURL string        `koanf:"base_url"`
	Path    string        `koanf:"path"`
	Model   string        `koanf:"model"`
	Timeout time.Duration `koanf:"timeout"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	RedisAddr    string        `koanf:"redis_addr"`
}

// ProviderConfig holds the settings for a single LLM provider.
//
// Interface names the wire dialect the provider speaks — "openai"
// (handled directly by internal/egress), or "google"/"anthropic"
// (handled via the internal/provider adapters). Default marks the
// provider the selector (C4) falls back to when no hint is given and no
// routing header is present; at most one provider should set it.
type ProviderConfig struct {
	APIKey     string          `koanf:"api_key"`
	BaseURL    string          `koanf:"base_url"`
	Port       int             `koanf:"port"`
	Interface  string          `koanf:"interface"`
	Models     []string        `koanf:"models"`
	Default    bool            `koanf:"default"`
	RateLimits []RateLimitRule `koanf:"rate_limits"`
}

// RateLimitRule configures a per-(model, selector) token-bucket limit.
type RateLimitRule struct {
	Model           string        `koanf:"model"`
	SelectorKey     string        `koanf:"selector_key"`
	TokensPerWindow int64         `koanf:"tokens_per_window"`
	Window          time.Duration `koanf:"window"`
}

// PromptTargetConfig declares one developer-defined intent: a name, an
// HTTP endpoint template, its parameters, and dispatch behavior.
type PromptTargetConfig struct {
	Name                      string            `koanf:"name"`
	Default                   bool              `koanf:"default"`
	SystemPrompt              string            `koanf:"system_prompt"`
	Endpoint                  EndpointConfig    `koanf:"endpoint"`
	Parameters                []ParameterConfig `koanf:"parameters"`
	AutoLLMDispatchOnResponse *bool             `koanf:"auto_llm_dispatch_on_response"`
}

// EndpointConfig is the HTTP target a prompt target's tool call resolves
// to.
type EndpointConfig struct {
	Name        string            `koanf:"name"`
	BaseURL     string            `koanf:"base_url"`
	Path        string            `koanf:"path"`
	Method      string            `koanf:"method"`
	HTTPHeaders map[string]string `koanf:"http_headers"`
	Timeout     time.Duration     `koanf:"timeout"`
}

// ParameterConfig describes one path/query/body parameter a prompt
// target's endpoint accepts.
type ParameterConfig struct {
	Name     string `koanf:"name"`
	Type     string `koanf:"type"`
	Required bool   `koanf:"required"`
	Default  string `koanf:"default"`
}

// OverridesConfig toggles agent-orchestrator behavior.
type OverridesConfig struct {
	UseAgentOrchestrator  bool `koanf:"use_agent_orchestrator"`
	OptimizeContextWindow bool `koanf:"optimize_context_window"`
}

// TracingConfig controls span emission.
type TracingConfig struct {
	TraceArchInternal bool `koanf:"trace_arch_internal"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	// "." is koanf's internal nested-key delimiter (e.g. "server.port").
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Layer environment variables on top. Any env var starting with
	// "ARCHGW_" can override a config value:
	//   ARCHGW_SERVER_PORT -> server.port
	if err := k.Load(env.Provider("ARCHGW_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "ARCHGW_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in provider API keys and
	// prompt-target static header values.
	for name, p := range cfg.Providers {
		p.APIKey = expandEnv(p.APIKey)
		cfg.Providers[name] = p
	}
	for i, pt := range cfg.PromptTargets {
		for h, v := range pt.Endpoint.HTTPHeaders {
			pt.Endpoint.HTTPHeaders[h] = expandEnv(v)
		}
		cfg.PromptTargets[i] = pt
	}

	return &cfg, nil
}

// expandEnv resolves a single "${VAR_NAME}" placeholder to the named
// environment variable's value. Values that aren't of that shape are
// returned unchanged.
func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

// DefaultPromptTarget returns the prompt target marked default, if one
// is configured.
func (c *Config) DefaultPromptTarget() (PromptTargetConfig, bool) {
	for _, pt := range c.PromptTargets {
		if pt.Default {
			return pt, true
		}
	}
	return PromptTargetConfig{}, false
}

// PromptTarget looks up a prompt target by name.
func (c *Config) PromptTarget(name string) (PromptTargetConfig, bool) {
	for _, pt := range c.PromptTargets {
		if pt.Name == name {
			return pt, true
		}
	}
	return PromptTargetConfig{}, false
}

// AutoDispatch reports whether pt's API response should be injected into
// the LLM automatically, defaulting to true when unset.
func (pt PromptTargetConfig) AutoDispatch() bool {
	if pt.AutoLLMDispatchOnResponse == nil {
		return true
	}
	return *pt.AutoLLMDispatchOnResponse
}
