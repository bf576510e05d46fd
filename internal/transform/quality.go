package transform

// QualityReport aggregates data-quality observations for one transform pass.
type QualityReport struct {
	// SkippedCalculators counts, per metric, records where required inputs
	// were missing and the calculator was skipped.
	SkippedCalculators map[string]int `json:"skippedCalculators,omitempty"`
	// BoundViolations counts, per metric, computed values outside the
	// calculator's plausibility bounds.
	BoundViolations map[string]int `json:"boundViolations,omitempty"`
	// ComputeFailures counts, per metric, calculator errors such as
	// division by zero.
	ComputeFailures map[string]int `json:"computeFailures,omitempty"`
	// Duplicates is the number of raw records superseded by a later
	// capture of the same provider/entity/date.
	Duplicates int `json:"duplicates,omitempty"`
	// LowQuality is the number of forwarded records flagged below the
	// minimum quality score.
	LowQuality int `json:"lowQuality,omitempty"`
	// InvalidRecords carries one message per excluded record.
	InvalidRecords []string `json:"invalidRecords,omitempty"`
}

func newQualityReport() *QualityReport {
	return &QualityReport{
		SkippedCalculators: make(map[string]int),
		BoundViolations:    make(map[string]int),
		ComputeFailures:    make(map[string]int),
	}
}

// recordSkip notes a skipped calculator.
func (q *QualityReport) recordSkip(metric string) {
	q.SkippedCalculators[metric]++
}

// recordViolation notes a plausibility bound violation.
func (q *QualityReport) recordViolation(metric string) {
	q.BoundViolations[metric]++
}

// recordFailure notes a calculator compute error.
func (q *QualityReport) recordFailure(metric string) {
	q.ComputeFailures[metric]++
}
