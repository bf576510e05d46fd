package loader

import (
	"sort"

	"github.com/quantfabric/etl-core/internal/core"
)

// ReconcileResult is the outcome of applying a strategy to an existing set.
type ReconcileResult struct {
	// Records is the resulting persisted set, sorted by record key for
	// deterministic storage.
	Records []core.TransformedRecord
	Metrics core.LoadingMetrics
	Errors  []RecordError
}

// Reconcile applies a loading strategy to a backend's existing record set.
// Set-based backends (archive, cache, object store) persist the returned set
// wholesale; the relational backend implements the same semantics in SQL.
func Reconcile(existing, incoming []core.TransformedRecord, strategy core.LoadingStrategy) (*ReconcileResult, error) {
	res := &ReconcileResult{}
	res.Metrics.Attempted = len(incoming)

	byKey := make(map[string]int, len(existing))
	out := append([]core.TransformedRecord(nil), existing...)
	for i, r := range existing {
		byKey[RecordKey(r)] = i
	}

	switch strategy {
	case core.StrategyInsertOnly:
		for _, r := range incoming {
			key := RecordKey(r)
			if _, exists := byKey[key]; exists {
				res.Metrics.Failed++
				res.Errors = append(res.Errors, RecordError{
					Key:     key,
					Code:    core.CodeLoadFailed,
					Message: "key already exists",
				})
				continue
			}
			byKey[key] = len(out)
			out = append(out, r)
			res.Metrics.Inserted++
		}

	case core.StrategyUpdateOnly:
		for _, r := range incoming {
			at, exists := byKey[RecordKey(r)]
			if !exists {
				res.Metrics.Skipped++
				continue
			}
			out[at] = r
			res.Metrics.Updated++
		}

	case core.StrategyUpsert:
		for _, r := range incoming {
			key := RecordKey(r)
			if at, exists := byKey[key]; exists {
				out[at] = r
				res.Metrics.Updated++
				continue
			}
			byKey[key] = len(out)
			out = append(out, r)
			res.Metrics.Inserted++
		}

	case core.StrategyReplace:
		// Old data is fully superseded, never merged field by field.
		out = out[:0]
		byKey = make(map[string]int, len(incoming))
		for _, r := range incoming {
			key := RecordKey(r)
			if at, exists := byKey[key]; exists {
				// Last writer wins within the incoming batch.
				out[at] = r
				continue
			}
			byKey[key] = len(out)
			out = append(out, r)
			res.Metrics.Inserted++
		}

	case core.StrategyAppend:
		// Log-style targets keep every row, collisions included.
		out = append(out, incoming...)
		res.Metrics.Inserted += len(incoming)

	case core.StrategyIncremental:
		for _, r := range incoming {
			key := RecordKey(r)
			newHash, err := HashRecord(r)
			if err != nil {
				return nil, err
			}
			at, exists := byKey[key]
			if !exists {
				byKey[key] = len(out)
				out = append(out, r)
				res.Metrics.Inserted++
				continue
			}
			oldHash, err := HashRecord(out[at])
			if err != nil {
				return nil, err
			}
			if oldHash == newHash {
				res.Metrics.Skipped++
				continue
			}
			out[at] = r
			res.Metrics.Updated++
		}

	default:
		return nil, core.Errorf(core.CodeConfigInvalid, false, "unknown loading strategy: %q", strategy)
	}

	sortRecords(out)
	res.Records = out
	return res, nil
}

// sortRecords orders a persisted set deterministically. Append-style
// duplicates keep their relative insertion order.
func sortRecords(records []core.TransformedRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.EntityKey != b.EntityKey {
			return a.EntityKey < b.EntityKey
		}
		if a.AsOf != b.AsOf {
			return a.AsOf < b.AsOf
		}
		return a.Provider < b.Provider
	})
}
