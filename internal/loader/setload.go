package loader

import (
	"context"

	"github.com/quantfabric/etl-core/internal/core"
)

// setStore is the storage primitive behind set-based backends: the archive,
// cache, and object store persist a scope's record set wholesale rather than
// row by row.
type setStore interface {
	// readSet returns the scope's current record set, nil when absent.
	readSet(ctx context.Context, scope core.Scope) ([]core.TransformedRecord, error)
	// writeSet atomically replaces the scope's record set and head version.
	writeSet(ctx context.Context, scope core.Scope, records []core.TransformedRecord, version *core.DataVersion, batchSize int) error
	// headVersion returns the scope's latest version, nil when absent.
	headVersion(ctx context.Context, scope core.Scope) (*core.DataVersion, error)
}

// runSetLoad implements the shared load flow for set-based backends:
// quality filter, strategy reconciliation, change detection by content hash,
// and an atomic set swap when the content actually changed.
func runSetLoad(ctx context.Context, backendName string, store setStore, req *LoadRequest) (*LoadResult, error) {
	result := &LoadResult{Backend: backendName}

	kept, dropped := FilterQuality(req.Records, req.MinQuality)
	result.Metrics.Skipped += dropped

	existing, err := store.readSet(ctx, req.Scope)
	if err != nil {
		return nil, err
	}

	rec, err := Reconcile(existing, kept, req.Strategy)
	if err != nil {
		return nil, err
	}
	mergeMetrics(&result.Metrics, rec.Metrics)
	result.Errors = rec.Errors

	hash, err := HashSet(rec.Records)
	if err != nil {
		return nil, err
	}

	head, err := store.headVersion(ctx, req.Scope)
	if err != nil {
		return nil, err
	}
	if req.ExpectedVersion != "" {
		headID := ""
		if head != nil {
			headID = head.ID
		}
		if headID != req.ExpectedVersion {
			return nil, core.Errorf(core.CodeVersionConflict, false,
				"scope %s: head version %q does not match expected %q", req.Scope.Key(), headID, req.ExpectedVersion)
		}
	}
	if head != nil && head.ID == hash {
		// Content unchanged: zero writes, no new DataVersion.
		result.Metrics.Skipped += result.Metrics.Inserted + result.Metrics.Updated
		result.Metrics.Inserted = 0
		result.Metrics.Updated = 0
		return result, nil
	}

	version := NewVersion(hash, len(rec.Records), req.SourceTag, map[string]string{
		"strategy": string(req.Strategy),
	})
	if err := store.writeSet(ctx, req.Scope, rec.Records, version, req.BatchSize); err != nil {
		return nil, err
	}
	result.Version = version
	return result, nil
}

func mergeMetrics(into *core.LoadingMetrics, from core.LoadingMetrics) {
	into.Attempted += from.Attempted
	into.Inserted += from.Inserted
	into.Updated += from.Updated
	into.Skipped += from.Skipped
	into.Failed += from.Failed
}
