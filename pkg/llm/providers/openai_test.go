package providers

import (
	"testing"

	"github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
)

func TestNewOpenAIProvider_RequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIProvider("")
	if err == nil {
		t.Error("expected error for empty API key, got nil")
	}
}

func TestNewOpenAIProvider(t *testing.T) {
	p, err := NewOpenAIProvider("test-api-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("expected name 'openai', got %q", p.Name())
	}
	if p.baseURL != openAIAPIBaseURL {
		t.Errorf("expected openai base url, got %q", p.baseURL)
	}
}

func TestNewOpenRouterProvider(t *testing.T) {
	p, err := NewOpenRouterProvider("test-api-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "openrouter" {
		t.Errorf("expected name 'openrouter', got %q", p.Name())
	}
	if p.baseURL != openRouterAPIBaseURL {
		t.Errorf("expected openrouter base url, got %q", p.baseURL)
	}
	caps := p.Capabilities()
	if len(caps.Models) != 0 {
		t.Error("openrouter's catalog is queried out-of-band; static Models should be empty")
	}
}

func TestOpenAIProvider_Capabilities(t *testing.T) {
	p, err := NewOpenAIProvider("test-api-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	caps := p.Capabilities()
	if !caps.Streaming {
		t.Error("expected streaming support")
	}

	hasFast, hasBalanced, hasStrategic := false, false, false
	for _, model := range caps.Models {
		switch model.Tier {
		case llm.ModelTierFast:
			hasFast = true
		case llm.ModelTierBalanced:
			hasBalanced = true
		case llm.ModelTierStrategic:
			hasStrategic = true
		}
	}
	if !hasFast || !hasBalanced || !hasStrategic {
		t.Error("not all model tiers are represented in OpenAI models")
	}
}

func TestOpenAIModels(t *testing.T) {
	for _, model := range openAIModels {
		if model.ID == "" {
			t.Error("found model with empty ID")
		}
		if model.Name == "" {
			t.Error("found model with empty Name")
		}
		if model.MaxTokens <= 0 {
			t.Errorf("model %s has invalid MaxTokens: %d", model.ID, model.MaxTokens)
		}
	}
}

func TestMapOpenAIFinishReason(t *testing.T) {
	cases := map[string]llm.FinishReason{
		"stop":           llm.FinishReasonStop,
		"length":         llm.FinishReasonLength,
		"content_filter": llm.FinishReasonContentFilter,
		"":               llm.FinishReasonStop,
	}
	for in, want := range cases {
		if got := mapOpenAIFinishReason(in); got != want {
			t.Errorf("mapOpenAIFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&errors.ProviderError{Provider: "openai", StatusCode: 429}) {
		t.Error("expected 429 to be retryable")
	}
	if !IsRetryable(&errors.ProviderError{Provider: "openai", StatusCode: 503}) {
		t.Error("expected 503 to be retryable")
	}
	if IsRetryable(&errors.ProviderError{Provider: "openai", StatusCode: 400}) {
		t.Error("expected 400 to not be retryable")
	}
}
