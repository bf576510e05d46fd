// Package core defines the shared data model for the ETL engine: raw and
// transformed records, data versions, per-stage metrics, loading strategies,
// and the error taxonomy. All pipeline stages communicate through these types.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RAW RECORDS
// =============================================================================

// Provenance identifies where a raw record came from.
type Provenance struct {
	SourceName string `json:"sourceName"`
	RequestID  string `json:"requestId,omitempty"`
}

// RawRecord is an untyped record as fetched from a provider. Immutable once
// created; produced by a collector and consumed by the transformer.
type RawRecord struct {
	Provider   string         `json:"provider"`
	EntityKey  string         `json:"entityKey"`
	CapturedAt time.Time      `json:"capturedAt"`
	Payload    map[string]any `json:"payload"`
	Source     Provenance     `json:"source"`
}

// =============================================================================
// CANONICAL VALUES
// =============================================================================

// ValueKind discriminates canonical field values.
type ValueKind string

const (
	KindNumber ValueKind = "number"
	KindText   ValueKind = "text"
	KindDate   ValueKind = "date"
)

// CanonicalValue is a typed field value in the canonical schema.
// Exactly one of Number/Text/Date is meaningful, selected by Kind.
type CanonicalValue struct {
	Kind   ValueKind       `json:"kind"`
	Number decimal.Decimal `json:"number,omitempty"`
	Text   string          `json:"text,omitempty"`
	Date   string          `json:"date,omitempty"` // ISO date, normalized UTC
}

// NumberValue builds a numeric canonical value.
func NumberValue(d decimal.Decimal) CanonicalValue {
	return CanonicalValue{Kind: KindNumber, Number: d}
}

// TextValue builds a string canonical value.
func TextValue(s string) CanonicalValue {
	return CanonicalValue{Kind: KindText, Text: s}
}

// DateValue builds a date canonical value from a timestamp, normalized to UTC.
func DateValue(t time.Time) CanonicalValue {
	return CanonicalValue{Kind: KindDate, Date: t.UTC().Format("2006-01-02")}
}

// Equal compares two canonical values by kind and content.
func (v CanonicalValue) Equal(o CanonicalValue) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Number.Equal(o.Number)
	case KindDate:
		return v.Date == o.Date
	default:
		return v.Text == o.Text
	}
}

// =============================================================================
// TRANSFORMED RECORDS
// =============================================================================

// MetricValue is a computed financial metric with unit and confidence.
type MetricValue struct {
	Value      decimal.Decimal `json:"value"`
	Unit       string          `json:"unit"`
	Confidence float64         `json:"confidence"`
}

// TransformedRecord is a normalized, enriched record in the canonical schema.
// Never mutated after creation; a new record supersedes an old one.
type TransformedRecord struct {
	EntityKey string                    `json:"entityKey"`
	Provider  string                    `json:"provider"`
	AsOf      string                    `json:"asOf"` // capture date, ISO
	Fields    map[string]CanonicalValue `json:"fields"`
	// Extra preserves unmapped provider fields under their original names.
	Extra            map[string]string      `json:"extra,omitempty"`
	Metrics          map[string]MetricValue `json:"metrics,omitempty"`
	QualityScore     float64                `json:"qualityScore"`
	LowQuality       bool                   `json:"lowQuality,omitempty"`
	ValidationErrors []string               `json:"validationErrors,omitempty"`
}
