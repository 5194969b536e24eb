package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/floegence/flowerpilot/internal/ai/llm"
)

// AIConfig selects the provider protocol and tunes the orchestration loop.
//
// Notes:
//   - Secrets (api keys) must never be stored in this config. Keys are managed via a separate local secrets file.
//   - Field names are snake_case to match the rest of the config surface.
type AIConfig struct {
	// Protocol is one of "chat_completions" | "responses" | "messages".
	Protocol string `json:"protocol" yaml:"protocol" toml:"protocol"`

	// BaseURL overrides the provider endpoint (example: "https://api.openai.com/v1").
	// When empty, the protocol default applies.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty" toml:"base_url,omitempty"`

	Model string `json:"model" yaml:"model" toml:"model"`

	// Stream defaults to true.
	Stream *bool `json:"stream,omitempty" yaml:"stream,omitempty" toml:"stream,omitempty"`

	// MaxTokens caps the reply. 0 leaves it to the provider, except for the
	// messages protocol which always sends one.
	MaxTokens int64 `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" toml:"max_tokens,omitempty"`

	// MaxRounds bounds request/tool rounds per turn. Defaults to 64.
	MaxRounds int `json:"max_rounds,omitempty" yaml:"max_rounds,omitempty" toml:"max_rounds,omitempty"`

	// SystemPrompt is appended to the builtin prompt.
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty" toml:"system_prompt,omitempty"`

	// BodyOverrides patch every request body after it is built.
	BodyOverrides []llm.BodyOverride `json:"body_overrides,omitempty" yaml:"body_overrides,omitempty" toml:"body_overrides,omitempty"`

	Retry *AIRetryConfig `json:"retry,omitempty" yaml:"retry,omitempty" toml:"retry,omitempty"`

	// RequestTimeoutMS bounds each attempt's wait for response headers. 0 disables it.
	RequestTimeoutMS int64 `json:"request_timeout_ms,omitempty" yaml:"request_timeout_ms,omitempty" toml:"request_timeout_ms,omitempty"`
}

type AIRetryConfig struct {
	// BaseDelayMS is the first backoff wait. Defaults to 500.
	BaseDelayMS int64 `json:"base_delay_ms,omitempty" yaml:"base_delay_ms,omitempty" toml:"base_delay_ms,omitempty"`
	// DeadlineMS bounds all attempts of one request. Defaults to 60000.
	DeadlineMS int64 `json:"deadline_ms,omitempty" yaml:"deadline_ms,omitempty" toml:"deadline_ms,omitempty"`
}

const (
	defaultAIStream      = true
	defaultAIMaxRounds   = 64
	maxAIMaxRounds       = 512
	defaultAIBaseDelayMS = 500
	defaultAIDeadlineMS  = 60_000

	defaultOpenAIBaseURL    = "https://api.openai.com/v1"
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
)

func (c *AIConfig) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	var errs []error

	if _, err := llm.ParseProtocol(c.Protocol); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Model) == "" {
		errs = append(errs, errors.New("missing model"))
	}
	if baseURL := strings.TrimSpace(c.BaseURL); baseURL != "" {
		u, err := url.Parse(baseURL)
		switch {
		case err != nil || u == nil:
			errs = append(errs, fmt.Errorf("invalid base_url: %w", err))
		case strings.ToLower(u.Scheme) != "http" && strings.ToLower(u.Scheme) != "https":
			errs = append(errs, fmt.Errorf("invalid base_url scheme %q", u.Scheme))
		case strings.TrimSpace(u.Host) == "":
			errs = append(errs, errors.New("invalid base_url host"))
		}
	}
	if c.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("invalid max_tokens %d", c.MaxTokens))
	}
	if c.MaxRounds < 0 || c.MaxRounds > maxAIMaxRounds {
		errs = append(errs, fmt.Errorf("invalid max_rounds %d (must be in [0,%d])", c.MaxRounds, maxAIMaxRounds))
	}
	for i, o := range c.BodyOverrides {
		if strings.TrimSpace(o.Path) == "" {
			errs = append(errs, fmt.Errorf("body_overrides[%d]: missing path", i))
		}
	}
	if c.Retry != nil {
		if c.Retry.BaseDelayMS < 0 {
			errs = append(errs, fmt.Errorf("invalid retry.base_delay_ms %d", c.Retry.BaseDelayMS))
		}
		if c.Retry.DeadlineMS < 0 {
			errs = append(errs, fmt.Errorf("invalid retry.deadline_ms %d", c.Retry.DeadlineMS))
		}
	}
	if c.RequestTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("invalid request_timeout_ms %d", c.RequestTimeoutMS))
	}
	return errors.Join(errs...)
}

// EffectiveProtocol assumes Validate() has passed.
func (c *AIConfig) EffectiveProtocol() llm.Protocol {
	if c == nil {
		return llm.ProtocolChatCompletions
	}
	p, err := llm.ParseProtocol(c.Protocol)
	if err != nil {
		return llm.ProtocolChatCompletions
	}
	return p
}

func (c *AIConfig) EffectiveBaseURL() string {
	if c != nil {
		if v := strings.TrimSpace(c.BaseURL); v != "" {
			return strings.TrimRight(v, "/")
		}
	}
	if c.EffectiveProtocol() == llm.ProtocolMessages {
		return defaultAnthropicBaseURL
	}
	return defaultOpenAIBaseURL
}

func (c *AIConfig) EffectiveStream() bool {
	if c == nil || c.Stream == nil {
		return defaultAIStream
	}
	return *c.Stream
}

func (c *AIConfig) EffectiveMaxRounds() int {
	if c == nil || c.MaxRounds <= 0 {
		return defaultAIMaxRounds
	}
	if c.MaxRounds > maxAIMaxRounds {
		return maxAIMaxRounds
	}
	return c.MaxRounds
}

func (c *AIConfig) EffectiveBaseDelay() time.Duration {
	if c == nil || c.Retry == nil || c.Retry.BaseDelayMS <= 0 {
		return defaultAIBaseDelayMS * time.Millisecond
	}
	return time.Duration(c.Retry.BaseDelayMS) * time.Millisecond
}

func (c *AIConfig) EffectiveDeadline() time.Duration {
	if c == nil || c.Retry == nil || c.Retry.DeadlineMS <= 0 {
		return defaultAIDeadlineMS * time.Millisecond
	}
	return time.Duration(c.Retry.DeadlineMS) * time.Millisecond
}

func (c *AIConfig) EffectiveRequestTimeout() time.Duration {
	if c == nil || c.RequestTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// APIKeyEnvVars lists the environment variables consulted for the API key,
// most specific first.
func (c *AIConfig) APIKeyEnvVars() []string {
	vars := []string{"FLOWERPILOT_API_KEY"}
	if c.EffectiveProtocol() == llm.ProtocolMessages {
		return append(vars, "ANTHROPIC_API_KEY")
	}
	return append(vars, "OPENAI_API_KEY")
}
