// Package core provides the shared data models used across the pipeline.
// These models are implementation-agnostic and can be consumed by both
// provider collectors and the loading services.
//
// Structure:
//
//	records.go   - Raw and transformed record models, scopes
//	version.go   - Content-addressed data versions
//	strategy.go  - Load strategy enumeration
//	errors.go    - Error taxonomy and classification
//	retry.go     - Retry policy with exponential backoff
//	metrics.go   - Per-stage counters
package core
