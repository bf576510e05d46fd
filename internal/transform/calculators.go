package transform

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quantfabric/etl-core/internal/core"
)

// =============================================================================
// METRIC CALCULATORS
// Each calculator declares its required canonical inputs. When inputs are
// missing the calculator is skipped (not failed) and the skip is recorded in
// the quality report. The exact ratio catalog is a pluggable business rule.
// =============================================================================

// Calculator derives one financial metric from canonical fields.
type Calculator interface {
	// Name is the metric name in the computed metrics mapping.
	Name() string
	// Requires lists the canonical fields the calculator needs.
	Requires() []string
	// Compute derives the metric. It is only called with all required
	// fields present.
	Compute(fields map[string]core.CanonicalValue) (core.MetricValue, error)
	// Bounds returns the plausibility range for the metric. A computed
	// value outside the bounds counts against the quality score.
	Bounds() (min, max decimal.Decimal, bounded bool)
}

// Ratio is a generic numerator/denominator calculator covering most
// profitability, liquidity, and valuation ratios.
type Ratio struct {
	MetricName  string
	Numerator   string
	Denominator string
	Unit        string
	// NonNegative rejects negative results as implausible.
	NonNegative bool
	// Max caps plausible values; zero means unbounded above.
	Max decimal.Decimal
}

// Name returns the metric name.
func (r Ratio) Name() string { return r.MetricName }

// Requires lists the numerator and denominator fields.
func (r Ratio) Requires() []string { return []string{r.Numerator, r.Denominator} }

// Compute divides numerator by denominator.
func (r Ratio) Compute(fields map[string]core.CanonicalValue) (core.MetricValue, error) {
	num := fields[r.Numerator]
	den := fields[r.Denominator]
	if num.Kind != core.KindNumber || den.Kind != core.KindNumber {
		return core.MetricValue{}, fmt.Errorf("%s: inputs must be numeric", r.MetricName)
	}
	if den.Number.IsZero() {
		return core.MetricValue{}, fmt.Errorf("%s: division by zero", r.MetricName)
	}
	value := num.Number.DivRound(den.Number, 8)
	return core.MetricValue{Value: value, Unit: r.Unit, Confidence: 1}, nil
}

// Bounds returns the plausibility range.
func (r Ratio) Bounds() (decimal.Decimal, decimal.Decimal, bool) {
	if !r.NonNegative && r.Max.IsZero() {
		return decimal.Decimal{}, decimal.Decimal{}, false
	}
	max := r.Max
	if max.IsZero() {
		// Effectively unbounded above.
		max = decimal.New(1, 12)
	}
	return decimal.Zero, max, true
}

// DefaultCalculators returns the standard ratio set: profitability,
// liquidity, and valuation.
func DefaultCalculators() []Calculator {
	return []Calculator{
		Ratio{MetricName: "net_margin", Numerator: "net_income", Denominator: "revenue", Unit: "ratio"},
		Ratio{MetricName: "current_ratio", Numerator: "current_assets", Denominator: "current_liabilities", Unit: "ratio", NonNegative: true},
		Ratio{MetricName: "debt_to_equity", Numerator: "total_debt", Denominator: "total_equity", Unit: "ratio", NonNegative: true},
		Ratio{MetricName: "price_earnings", Numerator: "close", Denominator: "eps", Unit: "ratio"},
		Ratio{MetricName: "return_on_equity", Numerator: "net_income", Denominator: "total_equity", Unit: "ratio"},
	}
}
