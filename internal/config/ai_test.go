package config

import (
	"strings"
	"testing"
	"time"

	"github.com/floegence/flowerpilot/internal/ai/llm"
)

func TestAIConfigValidate_ReportsAllProblems(t *testing.T) {
	t.Parallel()

	cfg := &AIConfig{
		Protocol:      "grpc",
		BaseURL:       "ftp://example.com",
		MaxRounds:     -1,
		BodyOverrides: []llm.BodyOverride{{Path: " "}},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"unsupported protocol", "missing model", "invalid base_url scheme", "invalid max_rounds", "body_overrides[0]: missing path"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("err=%q, want substring %q", err.Error(), want)
		}
	}
}

func TestAIConfigValidate_OK(t *testing.T) {
	t.Parallel()

	cfg := &AIConfig{Protocol: "messages", Model: "claude-sonnet-4-5", BaseURL: "https://gateway.local/v1/"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := cfg.EffectiveBaseURL(); got != "https://gateway.local/v1" {
		t.Fatalf("base url=%q", got)
	}
}

func TestAIConfig_Defaults(t *testing.T) {
	t.Parallel()

	var nilCfg *AIConfig
	if nilCfg.EffectiveProtocol() != llm.ProtocolChatCompletions {
		t.Fatalf("nil protocol=%q", nilCfg.EffectiveProtocol())
	}

	cfg := &AIConfig{Protocol: "Messages", Model: "m"}
	if cfg.EffectiveProtocol() != llm.ProtocolMessages {
		t.Fatalf("protocol=%q", cfg.EffectiveProtocol())
	}
	if cfg.EffectiveBaseURL() != defaultAnthropicBaseURL {
		t.Fatalf("base url=%q", cfg.EffectiveBaseURL())
	}
	if !cfg.EffectiveStream() {
		t.Fatalf("stream=false, want true by default")
	}
	if cfg.EffectiveMaxRounds() != 64 {
		t.Fatalf("max rounds=%d", cfg.EffectiveMaxRounds())
	}
	if cfg.EffectiveBaseDelay() != 500*time.Millisecond || cfg.EffectiveDeadline() != time.Minute {
		t.Fatalf("retry=%s/%s", cfg.EffectiveBaseDelay(), cfg.EffectiveDeadline())
	}
	if cfg.EffectiveRequestTimeout() != 0 {
		t.Fatalf("request timeout=%s", cfg.EffectiveRequestTimeout())
	}
	if got := cfg.APIKeyEnvVars(); len(got) != 2 || got[1] != "ANTHROPIC_API_KEY" {
		t.Fatalf("env vars=%v", got)
	}

	off := false
	cfg = &AIConfig{Protocol: "responses", Model: "m", Stream: &off, MaxRounds: 9000, Retry: &AIRetryConfig{BaseDelayMS: 10, DeadlineMS: 2000}}
	if cfg.EffectiveStream() || cfg.EffectiveMaxRounds() != maxAIMaxRounds {
		t.Fatalf("stream=%v max rounds=%d", cfg.EffectiveStream(), cfg.EffectiveMaxRounds())
	}
	if cfg.EffectiveBaseDelay() != 10*time.Millisecond || cfg.EffectiveDeadline() != 2*time.Second {
		t.Fatalf("retry=%s/%s", cfg.EffectiveBaseDelay(), cfg.EffectiveDeadline())
	}
	if cfg.EffectiveBaseURL() != defaultOpenAIBaseURL {
		t.Fatalf("base url=%q", cfg.EffectiveBaseURL())
	}
}
