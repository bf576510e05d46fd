package transform

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfabric/etl-core/internal/core"
)

// Result is one transformation pass over a raw record stream.
type Result struct {
	Records []core.TransformedRecord
	Metrics core.TransformMetrics
	Report  *QualityReport
}

// Engine applies a rule set to raw records.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a transformation engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger.With("component", "transform")}
}

// Transform normalizes, enriches, and scores the raw records. Records with
// structural errors that prevent safe storage are excluded from the output;
// low-quality records are flagged and forwarded. Given the same input order
// and rule set, output is byte-identical across invocations.
func (e *Engine) Transform(raws []core.RawRecord, rules *RuleSet) (*Result, error) {
	if rules == nil {
		return nil, core.Errorf(core.CodeConfigInvalid, false, "rule set is required")
	}

	start := time.Now()
	result := &Result{Report: newQualityReport()}
	result.Metrics.Input = len(raws)

	deduped := dedupe(raws, result.Report)
	for _, raw := range deduped {
		record, invalid := e.transformOne(raw, rules, result.Report)
		if invalid != "" {
			result.Metrics.Invalid++
			result.Report.InvalidRecords = append(result.Report.InvalidRecords, invalid)
			continue
		}
		if record.LowQuality {
			result.Metrics.LowQuality++
			result.Report.LowQuality++
		}
		result.Records = append(result.Records, record)
	}

	result.Metrics.Output = len(result.Records)
	result.Metrics.Duration = time.Since(start)
	e.logger.Info("transform finished", "metrics", result.Metrics, "ruleset", rules.Version)
	return result, nil
}

// dedupe keeps the last capture per (provider, entity, timestamp), preserving
// first-seen order. The merged upstream order is deterministic, so this is too.
func dedupe(raws []core.RawRecord, report *QualityReport) []core.RawRecord {
	type dedupeKey struct {
		provider string
		entity   string
		captured int64
	}
	index := make(map[dedupeKey]int, len(raws))
	out := make([]core.RawRecord, 0, len(raws))
	for _, raw := range raws {
		key := dedupeKey{raw.Provider, raw.EntityKey, raw.CapturedAt.UnixNano()}
		if at, seen := index[key]; seen {
			out[at] = raw
			report.Duplicates++
			continue
		}
		index[key] = len(out)
		out = append(out, raw)
	}
	return out
}

// transformOne maps one raw record onto the canonical schema. The second
// return value is non-empty when the record is invalid and must be excluded.
func (e *Engine) transformOne(raw core.RawRecord, rules *RuleSet, report *QualityReport) (core.TransformedRecord, string) {
	record := core.TransformedRecord{
		EntityKey: raw.EntityKey,
		Provider:  raw.Provider,
		AsOf:      raw.CapturedAt.UTC().Format("2006-01-02"),
		Fields:    make(map[string]core.CanonicalValue),
	}
	if raw.EntityKey == "" {
		return record, fmt.Sprintf("%s: record without entity key", raw.Provider)
	}

	mappings, _ := rules.MappingsFor(raw.Provider)
	consumed := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		rawValue, present := raw.Payload[m.Source]
		if !present {
			if m.Required {
				return record, fmt.Sprintf("%s/%s: required field %s missing", raw.Provider, raw.EntityKey, m.describe())
			}
			continue
		}
		consumed[m.Source] = true

		value, err := coerce(rawValue, m.Kind, m.Scale)
		if err != nil {
			record.ValidationErrors = append(record.ValidationErrors,
				fmt.Sprintf("%s: %v", m.describe(), err))
			if m.Required {
				return record, fmt.Sprintf("%s/%s: required field %s: %v", raw.Provider, raw.EntityKey, m.describe(), err)
			}
			continue
		}
		record.Fields[m.Canonical] = value
	}

	// Unmapped provider fields are preserved, not dropped silently.
	for name, value := range raw.Payload {
		if consumed[name] {
			continue
		}
		if record.Extra == nil {
			record.Extra = make(map[string]string)
		}
		record.Extra[name] = formatAny(value)
	}

	computed, attempted := e.computeMetrics(&record, rules, report)
	record.Metrics = computed
	record.QualityScore = score(rules, record.Fields, attempted)
	if rules.MinQualityScore > 0 && record.QualityScore < rules.MinQualityScore {
		record.LowQuality = true
	}
	return record, ""
}

// attemptCounts tracks metric computations: attempted includes failures and
// bound violations, passed excludes both.
type attemptCounts struct {
	attempted int
	passed    int
}

// computeMetrics runs the calculators against the record's canonical fields.
func (e *Engine) computeMetrics(record *core.TransformedRecord, rules *RuleSet, report *QualityReport) (map[string]core.MetricValue, attemptCounts) {
	var counts attemptCounts
	metrics := make(map[string]core.MetricValue)

	for _, calc := range rules.Calculators {
		if missing := missingInputs(calc, record.Fields); len(missing) > 0 {
			report.recordSkip(calc.Name())
			continue
		}
		counts.attempted++

		value, err := calc.Compute(record.Fields)
		if err != nil {
			report.recordFailure(calc.Name())
			continue
		}
		if min, max, bounded := calc.Bounds(); bounded {
			if value.Value.LessThan(min) || value.Value.GreaterThan(max) {
				report.recordViolation(calc.Name())
				metrics[calc.Name()] = value
				continue
			}
		}
		counts.passed++
		metrics[calc.Name()] = value
	}
	return metrics, counts
}

func missingInputs(calc Calculator, fields map[string]core.CanonicalValue) []string {
	var missing []string
	for _, name := range calc.Requires() {
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// score is fieldCoverage x plausibilityFraction per the quality model.
func score(rules *RuleSet, fields map[string]core.CanonicalValue, counts attemptCounts) float64 {
	coverage := 1.0
	if len(rules.ExpectedFields) > 0 {
		present := 0
		for _, name := range rules.ExpectedFields {
			if _, ok := fields[name]; ok {
				present++
			}
		}
		coverage = float64(present) / float64(len(rules.ExpectedFields))
	}

	plausibility := 1.0
	if counts.attempted > 0 {
		plausibility = float64(counts.passed) / float64(counts.attempted)
	}
	return coverage * plausibility
}

// coerce converts a raw payload value into a canonical value.
func coerce(value any, kind core.ValueKind, scale decimal.Decimal) (core.CanonicalValue, error) {
	switch kind {
	case core.KindNumber:
		num, err := toDecimal(value)
		if err != nil {
			return core.CanonicalValue{}, err
		}
		if !scale.IsZero() {
			num = num.Mul(scale)
		}
		return core.NumberValue(num), nil
	case core.KindDate:
		switch v := value.(type) {
		case string:
			parsed, err := time.Parse("2006-01-02", v)
			if err != nil {
				if parsed, err = time.Parse(time.RFC3339, v); err != nil {
					return core.CanonicalValue{}, fmt.Errorf("cannot parse date %q", v)
				}
			}
			return core.DateValue(parsed), nil
		case time.Time:
			return core.DateValue(v), nil
		}
		return core.CanonicalValue{}, fmt.Errorf("cannot coerce %T to date", value)
	default:
		if s, ok := value.(string); ok {
			return core.TextValue(s), nil
		}
		return core.TextValue(formatAny(value)), nil
	}
}

func toDecimal(value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case string:
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("cannot parse number %q", v)
		}
		return parsed, nil
	}
	return decimal.Decimal{}, fmt.Errorf("cannot coerce %T to number", value)
}

// formatAny stringifies extra-bucket values deterministically.
func formatAny(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
