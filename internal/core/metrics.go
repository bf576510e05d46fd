package core

import (
	"log/slog"
	"time"
)

// =============================================================================
// PER-STAGE METRICS
// Created per run, read-only afterward.
// =============================================================================

// CollectionMetrics summarizes one collector run.
type CollectionMetrics struct {
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

// Throughput returns records per second, or zero for an empty run.
func (m CollectionMetrics) Throughput() float64 {
	if m.Duration <= 0 {
		return 0
	}
	return float64(m.Succeeded) / m.Duration.Seconds()
}

// LogValue implements slog.LogValuer for structured logging.
func (m CollectionMetrics) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("attempted", m.Attempted),
		slog.Int("succeeded", m.Succeeded),
		slog.Int("failed", m.Failed),
		slog.Int("skipped", m.Skipped),
		slog.Duration("duration", m.Duration),
	)
}

// TransformMetrics summarizes one transformation pass.
type TransformMetrics struct {
	Input      int           `json:"input"`
	Output     int           `json:"output"`
	Invalid    int           `json:"invalid"`
	LowQuality int           `json:"lowQuality"`
	Duration   time.Duration `json:"duration"`
}

// LogValue implements slog.LogValuer for structured logging.
func (m TransformMetrics) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("input", m.Input),
		slog.Int("output", m.Output),
		slog.Int("invalid", m.Invalid),
		slog.Int("lowQuality", m.LowQuality),
		slog.Duration("duration", m.Duration),
	)
}

// LoadingMetrics summarizes one backend load.
type LoadingMetrics struct {
	Attempted int           `json:"attempted"`
	Inserted  int           `json:"inserted"`
	Updated   int           `json:"updated"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Succeeded returns the number of records persisted by the load.
func (m LoadingMetrics) Succeeded() int { return m.Inserted + m.Updated }

// Throughput returns persisted records per second, or zero for an empty run.
func (m LoadingMetrics) Throughput() float64 {
	if m.Duration <= 0 {
		return 0
	}
	return float64(m.Succeeded()) / m.Duration.Seconds()
}

// LogValue implements slog.LogValuer for structured logging.
func (m LoadingMetrics) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("attempted", m.Attempted),
		slog.Int("inserted", m.Inserted),
		slog.Int("updated", m.Updated),
		slog.Int("skipped", m.Skipped),
		slog.Int("failed", m.Failed),
		slog.Duration("duration", m.Duration),
	)
}
