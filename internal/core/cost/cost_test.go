package cost

import (
	"testing"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

type fakeTable map[string]models.ModelPricing

func (f fakeTable) Lookup(model string) (models.ModelPricing, bool) {
	p, ok := f[model]
	return p, ok
}

func TestCalculate_KnownModel(t *testing.T) {
	prices := fakeTable{
		"gpt-4": {
			InputPer1kTokens:     0.03,
			OutputPer1kTokens:    0.06,
			CacheCreatePer1kUnit: 0.01,
			CacheReadPer1kUnit:   0.005,
		},
	}

	result := Calculate(prices, nil, "gpt-4", Tokens{Input: 1000, Output: 500, CacheCreate: 200, CacheRead: 400})

	if result.Total.IsZero() {
		t.Fatalf("expected non-zero total")
	}
	if result.Formatted[0] != '$' {
		t.Fatalf("expected formatted cost to start with $, got %q", result.Formatted)
	}

	parsed, err := ParseFormatted(result.Formatted)
	if err != nil {
		t.Fatalf("ParseFormatted: %v", err)
	}
	if !parsed.Equal(result.Total) {
		t.Fatalf("round-trip mismatch: formatted %s parsed to %s, want %s", result.Formatted, parsed, result.Total)
	}
}

func TestCalculate_UnknownModelCostsZero(t *testing.T) {
	result := Calculate(fakeTable{}, nil, "unknown-model", Tokens{Input: 1000, Output: 1000})
	if !result.Total.IsZero() {
		t.Fatalf("expected zero cost for unknown model, got %s", result.Total)
	}
	if result.Formatted != "$0.000000" {
		t.Fatalf("expected zero-formatted cost, got %q", result.Formatted)
	}
}

func TestCalculate_ZeroTokensZeroCost(t *testing.T) {
	prices := fakeTable{"gpt-4": {InputPer1kTokens: 0.03, OutputPer1kTokens: 0.06}}
	result := Calculate(prices, nil, "gpt-4", Tokens{})
	if !result.Total.IsZero() {
		t.Fatalf("expected zero cost for zero tokens, got %s", result.Total)
	}
}

func TestParseFormatted_Malformed(t *testing.T) {
	if _, err := ParseFormatted("0.000000"); err == nil {
		t.Fatalf("expected error for missing leading $")
	}
	if _, err := ParseFormatted(""); err == nil {
		t.Fatalf("expected error for empty string")
	}
}

func TestCalculate_RoundsToSixDecimals(t *testing.T) {
	prices := fakeTable{"m": {InputPer1kTokens: 0.0000001}}
	result := Calculate(prices, nil, "m", Tokens{Input: 1})
	if result.Total.Exponent() < -6 {
		t.Fatalf("expected total rounded to 6 decimal places, got exponent %d", result.Total.Exponent())
	}
}
