package config

import (
	"testing"

	"github.com/helpful-bits/plantocode-orchestrator/pkg/money"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func TestResolveCascadeOrder(t *testing.T) {
	r := NewResolver(
		map[TaskKind]ModelConfig{
			"implementation-plan": {ModelID: "server-default-model", Temperature: floatPtr(0.2)},
		},
		ModelConfig{},
		nil,
	)

	// Server default only.
	got, err := r.Resolve("implementation-plan", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.ModelID != "server-default-model" {
		t.Errorf("expected server default, got %q", got.ModelID)
	}

	// Session setting overrides server default.
	session := ModelConfig{ModelID: "session-model"}
	got, err = r.Resolve("implementation-plan", nil, &session)
	if err != nil {
		t.Fatal(err)
	}
	if got.ModelID != "session-model" {
		t.Errorf("expected session override, got %q", got.ModelID)
	}
	if got.Temperature == nil || *got.Temperature != 0.2 {
		t.Error("expected server default temperature to survive when session setting doesn't override it")
	}

	// Payload override beats both.
	payload := ModelConfig{ModelID: "payload-model", MaxOutputTokens: intPtr(512)}
	got, err = r.Resolve("implementation-plan", &payload, &session)
	if err != nil {
		t.Fatal(err)
	}
	if got.ModelID != "payload-model" {
		t.Errorf("expected payload override, got %q", got.ModelID)
	}
	if got.MaxOutputTokens == nil || *got.MaxOutputTokens != 512 {
		t.Error("expected payload max_output_tokens to apply")
	}
}

func TestResolveMissingTaskUsesSecondaryFallback(t *testing.T) {
	r := NewResolver(
		map[TaskKind]ModelConfig{},
		ModelConfig{ModelID: "fallback-model"},
		nil,
	)
	got, err := r.Resolve("unregistered-task", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.ModelID != "fallback-model" {
		t.Errorf("expected secondary fallback, got %q", got.ModelID)
	}
}

func TestResolveMissingTaskAndFallbackIsConfigError(t *testing.T) {
	r := NewResolver(map[TaskKind]ModelConfig{}, ModelConfig{}, nil)
	_, err := r.Resolve("unregistered-task", nil, nil)
	if err == nil {
		t.Fatal("expected config error when no default and no fallback exist")
	}
}

func TestPricingMissingModelIsConfigError(t *testing.T) {
	r := NewResolver(nil, ModelConfig{}, map[string]Pricing{})
	_, err := r.Pricing("unknown-model")
	if err == nil {
		t.Fatal("expected config error for unpriced model")
	}
}

func TestPricingCost(t *testing.T) {
	p := Pricing{
		InputPerMillion:  money.FromFloat(3.00),
		OutputPerMillion: money.FromFloat(15.00),
	}
	cost := p.Cost(1_000_000, 1_000_000)
	want := money.FromFloat(18.00)
	if cost.Cmp(want) != 0 {
		t.Errorf("cost = %s, want %s", cost, want)
	}
}
