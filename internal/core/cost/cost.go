// Package cost implements C3, the pure cost calculator of spec.md §4.1.
//
// Grounded on the teacher's ChatHandler.calculateCost (internal/gateway/handlers/chat.go),
// which multiplies token counts by a per-1k price fetched from Postgres.
// Generalized from float64 to shopspring/decimal so totals are exact to
// the 6 fractional digits the invariant requires, and extended from
// input/output-only to the four token categories spec.md §3 names.
package cost

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// Tokens is the token breakdown a request is costed against.
type Tokens struct {
	Input       int64
	Output      int64
	CacheCreate int64
	CacheRead   int64
}

// CategoryCosts breaks the total down by token category, each a decimal
// USD amount.
type CategoryCosts struct {
	Input       decimal.Decimal
	Output      decimal.Decimal
	CacheCreate decimal.Decimal
	CacheRead   decimal.Decimal
}

// Result is the return value of Calculate.
type Result struct {
	Categories CategoryCosts
	Total      decimal.Decimal
	Formatted  string // "$X.XXXXXX"
}

// PriceTable resolves a model to its per-1k-token prices. It is an
// external collaborator per spec.md §1 (price-table loading is out of
// scope); Calculate only consumes it.
type PriceTable interface {
	Lookup(model string) (models.ModelPricing, bool)
}

// Logger is the minimal logging seam Calculate needs to report unknown
// models, satisfied by *logger.Logger without importing it directly (kept
// decoupled so cost stays a pure, dependency-light package).
type Logger interface {
	Warn(format string, args ...interface{})
}

// Calculate is the pure stateless function of spec.md §4.1: deterministic,
// side-effect-free given prices and tokens. Unknown models yield zero cost
// and are logged through the provided logger (nil is tolerated, dropping
// the log line, for tests that don't care).
func Calculate(prices PriceTable, log Logger, model string, t Tokens) Result {
	pricing, ok := prices.Lookup(model)
	if !ok {
		if log != nil {
			log.Warn("no pricing entry for model %q, costing as zero", model)
		}
		zero := decimal.Zero
		return Result{
			Categories: CategoryCosts{Input: zero, Output: zero, CacheCreate: zero, CacheRead: zero},
			Total:      zero,
			Formatted:  format(zero),
		}
	}

	thousand := decimal.NewFromInt(1000)
	inputCost := decimal.NewFromInt(t.Input).Div(thousand).Mul(decimal.NewFromFloat(pricing.InputPer1kTokens))
	outputCost := decimal.NewFromInt(t.Output).Div(thousand).Mul(decimal.NewFromFloat(pricing.OutputPer1kTokens))
	cacheCreateCost := decimal.NewFromInt(t.CacheCreate).Div(thousand).Mul(decimal.NewFromFloat(pricing.CacheCreatePer1kUnit))
	cacheReadCost := decimal.NewFromInt(t.CacheRead).Div(thousand).Mul(decimal.NewFromFloat(pricing.CacheReadPer1kUnit))

	total := inputCost.Add(outputCost).Add(cacheCreateCost).Add(cacheReadCost).Round(6)

	return Result{
		Categories: CategoryCosts{
			Input:       inputCost.Round(6),
			Output:      outputCost.Round(6),
			CacheCreate: cacheCreateCost.Round(6),
			CacheRead:   cacheReadCost.Round(6),
		},
		Total:     total,
		Formatted: format(total),
	}
}

func format(d decimal.Decimal) string {
	return fmt.Sprintf("$%s", d.StringFixed(6))
}

// ParseFormatted inverts Formatted back to a decimal, used by the
// round-trip property test in spec.md §8.
func ParseFormatted(s string) (decimal.Decimal, error) {
	if len(s) == 0 || s[0] != '$' {
		return decimal.Decimal{}, fmt.Errorf("cost: malformed formatted value %q", s)
	}
	return decimal.NewFromString(s[1:])
}
