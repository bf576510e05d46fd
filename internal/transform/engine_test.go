package transform_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfabric/etl-core/internal/core"
	"github.com/quantfabric/etl-core/internal/transform"
)

func testRules(t *testing.T) *transform.RuleSet {
	t.Helper()
	rules := &transform.RuleSet{
		Version: "test-1",
		Mappings: map[string][]transform.FieldMapping{
			"fundamentals": {
				{Source: "netIncome", Canonical: "net_income", Kind: core.KindNumber, Required: true},
				{Source: "totalRevenue", Canonical: "revenue", Kind: core.KindNumber, Scale: decimal.NewFromInt(1000)},
				{Source: "currency", Canonical: "currency", Kind: core.KindText},
				{Source: "reportDate", Canonical: "report_date", Kind: core.KindDate},
			},
		},
		ExpectedFields:  []string{"net_income", "revenue"},
		MinQualityScore: 0.6,
		Calculators:     transform.DefaultCalculators(),
	}
	if err := rules.Validate(); err != nil {
		t.Fatalf("test rule set invalid: %v", err)
	}
	return rules
}

func fundamentalsRaw(key string, payload map[string]any) core.RawRecord {
	return core.RawRecord{
		Provider:   "fundamentals",
		EntityKey:  key,
		CapturedAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		Payload:    payload,
	}
}

func TestEngine_Unit_MapsCanonicalFields(t *testing.T) {
	engine := transform.NewEngine(nil)
	result, err := engine.Transform([]core.RawRecord{
		fundamentalsRaw("AAPL", map[string]any{
			"netIncome":    25000.0,
			"totalRevenue": 100.0, // provider reports thousands
			"currency":     "USD",
			"reportDate":   "2026-02-28",
			"fiscalHint":   "Q1",
		}),
	}, testRules(t))
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(result.Records))
	}
	rec := result.Records[0]

	if got := rec.Fields["net_income"]; !got.Number.Equal(decimal.NewFromInt(25000)) {
		t.Errorf("net_income = %s", got.Number)
	}
	if got := rec.Fields["revenue"]; !got.Number.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("scale not applied: revenue = %s", got.Number)
	}
	if got := rec.Fields["currency"]; got.Text != "USD" {
		t.Errorf("currency = %q", got.Text)
	}
	if got := rec.Fields["report_date"]; got.Date != "2026-02-28" {
		t.Errorf("report_date = %q", got.Date)
	}
	// Unmapped provider fields survive in the extra bucket.
	if got := rec.Extra["fiscalHint"]; got != "Q1" {
		t.Errorf("extra bucket lost unmapped field: %q", got)
	}
	if _, mapped := rec.Fields["fiscalHint"]; mapped {
		t.Error("unmapped field leaked into canonical fields")
	}
}

func TestEngine_Unit_Deterministic(t *testing.T) {
	raws := []core.RawRecord{
		fundamentalsRaw("AAPL", map[string]any{"netIncome": 25000.0, "totalRevenue": 100.0, "currency": "USD"}),
		fundamentalsRaw("MSFT", map[string]any{"netIncome": 9000.5, "totalRevenue": 60.0, "extra1": true, "extra2": 42}),
	}
	rules := testRules(t)
	engine := transform.NewEngine(nil)

	first, err := engine.Transform(raws, rules)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	second, err := engine.Transform(raws, rules)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	a, _ := json.Marshal(first.Records)
	b, _ := json.Marshal(second.Records)
	if string(a) != string(b) {
		t.Error("repeated transformation is not byte-identical")
	}
	for i := range first.Records {
		if first.Records[i].QualityScore != second.Records[i].QualityScore {
			t.Errorf("quality score differs for %s", first.Records[i].EntityKey)
		}
	}
}

func TestEngine_Unit_RequiredFieldMissingInvalidates(t *testing.T) {
	engine := transform.NewEngine(nil)
	result, err := engine.Transform([]core.RawRecord{
		fundamentalsRaw("AAPL", map[string]any{"totalRevenue": 100.0}),
		fundamentalsRaw("MSFT", map[string]any{"netIncome": 9000.5, "totalRevenue": 60.0}),
	}, testRules(t))
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	if result.Metrics.Invalid != 1 {
		t.Errorf("expected 1 invalid record, got %d", result.Metrics.Invalid)
	}
	if len(result.Records) != 1 || result.Records[0].EntityKey != "MSFT" {
		t.Fatalf("invalid record must be excluded without dropping valid ones: %+v", result.Records)
	}
	if len(result.Report.InvalidRecords) != 1 {
		t.Errorf("exclusion not reported: %+v", result.Report.InvalidRecords)
	}
}

func TestEngine_Unit_OptionalCoercionFailureIsRecordScoped(t *testing.T) {
	engine := transform.NewEngine(nil)
	result, err := engine.Transform([]core.RawRecord{
		fundamentalsRaw("AAPL", map[string]any{
			"netIncome":    25000.0,
			"totalRevenue": "not-a-number",
		}),
	}, testRules(t))
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatal("optional coercion failure must not invalidate the record")
	}
	rec := result.Records[0]
	if len(rec.ValidationErrors) != 1 {
		t.Errorf("coercion failure not recorded: %+v", rec.ValidationErrors)
	}
	if _, ok := rec.Fields["revenue"]; ok {
		t.Error("failed field must not be stored")
	}
}

func TestEngine_Unit_LowQualityFlaggedNotDropped(t *testing.T) {
	engine := transform.NewEngine(nil)
	// Only one of the two expected fields: coverage 0.5 < 0.6 threshold.
	result, err := engine.Transform([]core.RawRecord{
		fundamentalsRaw("AAPL", map[string]any{"netIncome": 25000.0}),
	}, testRules(t))
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatal("low-quality record must be forwarded, not dropped")
	}
	rec := result.Records[0]
	if !rec.LowQuality {
		t.Errorf("expected low_quality flag at score %f", rec.QualityScore)
	}
	if result.Metrics.LowQuality != 1 {
		t.Errorf("low-quality metric not incremented: %+v", result.Metrics)
	}
}

func TestEngine_Unit_DedupeKeepsLastCapture(t *testing.T) {
	first := fundamentalsRaw("AAPL", map[string]any{"netIncome": 1.0, "totalRevenue": 1.0})
	second := fundamentalsRaw("AAPL", map[string]any{"netIncome": 2.0, "totalRevenue": 1.0})

	engine := transform.NewEngine(nil)
	result, err := engine.Transform([]core.RawRecord{first, second}, testRules(t))
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatalf("duplicates must collapse, got %d records", len(result.Records))
	}
	if got := result.Records[0].Fields["net_income"]; !got.Number.Equal(decimal.NewFromInt(2)) {
		t.Errorf("expected the later capture to win, got %s", got.Number)
	}
	if result.Report.Duplicates != 1 {
		t.Errorf("duplicate not reported: %d", result.Report.Duplicates)
	}
}

func TestEngine_Unit_CalculatorSkippedOnMissingInputs(t *testing.T) {
	engine := transform.NewEngine(nil)
	result, err := engine.Transform([]core.RawRecord{
		fundamentalsRaw("AAPL", map[string]any{"netIncome": 25000.0, "totalRevenue": 100.0}),
	}, testRules(t))
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	rec := result.Records[0]

	if _, ok := rec.Metrics["net_margin"]; !ok {
		t.Error("net_margin should compute from net_income and revenue")
	}
	if _, ok := rec.Metrics["current_ratio"]; ok {
		t.Error("current_ratio must be skipped without balance sheet fields")
	}
	if result.Report.SkippedCalculators["current_ratio"] != 1 {
		t.Errorf("skip not recorded: %+v", result.Report.SkippedCalculators)
	}
}

func TestEngine_Unit_DivisionByZeroRecordedNotFatal(t *testing.T) {
	engine := transform.NewEngine(nil)
	result, err := engine.Transform([]core.RawRecord{
		fundamentalsRaw("AAPL", map[string]any{"netIncome": 25000.0, "totalRevenue": 0.0}),
	}, testRules(t))
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	rec := result.Records[0]
	if _, ok := rec.Metrics["net_margin"]; ok {
		t.Error("failed metric must not be stored")
	}
	if result.Report.ComputeFailures["net_margin"] != 1 {
		t.Errorf("compute failure not recorded: %+v", result.Report.ComputeFailures)
	}
}

func TestEngine_Unit_EmptyEntityKeyInvalid(t *testing.T) {
	engine := transform.NewEngine(nil)
	result, err := engine.Transform([]core.RawRecord{
		fundamentalsRaw("", map[string]any{"netIncome": 1.0}),
	}, testRules(t))
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if result.Metrics.Invalid != 1 || len(result.Records) != 0 {
		t.Errorf("record without entity key must be invalid: %+v", result.Metrics)
	}
}

func TestRuleSet_Unit_ValidateRejectsBadRules(t *testing.T) {
	cases := []struct {
		name  string
		rules transform.RuleSet
	}{
		{"missing version", transform.RuleSet{Mappings: map[string][]transform.FieldMapping{
			"p": {{Source: "a", Canonical: "b", Kind: core.KindNumber}},
		}}},
		{"no mappings", transform.RuleSet{Version: "v1"}},
		{"unknown kind", transform.RuleSet{Version: "v1", Mappings: map[string][]transform.FieldMapping{
			"p": {{Source: "a", Canonical: "b", Kind: core.ValueKind("blob")}},
		}}},
		{"duplicate canonical", transform.RuleSet{Version: "v1", Mappings: map[string][]transform.FieldMapping{
			"p": {
				{Source: "a", Canonical: "b", Kind: core.KindNumber},
				{Source: "c", Canonical: "b", Kind: core.KindNumber},
			},
		}}},
	}
	for _, tc := range cases {
		if err := tc.rules.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
