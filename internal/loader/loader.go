// Package loader persists transformed records into storage backends behind a
// uniform Load/Validate/Version contract. Backends are selected independently
// of the loading strategy; every successful load produces a content-addressed
// DataVersion used for change detection and incremental diffing.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/quantfabric/etl-core/internal/core"
	"github.com/quantfabric/etl-core/pkg/contenthash"
)

// =============================================================================
// BACKEND CONTRACT
// =============================================================================

// LoadRequest asks a backend to persist a record set into one scope.
type LoadRequest struct {
	Scope    core.Scope
	Records  []core.TransformedRecord
	Strategy core.LoadingStrategy
	// SourceTag labels the resulting DataVersion (e.g. run id).
	SourceTag string
	// BatchSize chunks backend writes; zero uses the backend default.
	BatchSize int
	// MinQuality drops records scoring below it before persisting. Zero
	// keeps everything, including low_quality-flagged records.
	MinQuality float64
	// ExpectedVersion guards incremental loads: when set, the load fails
	// with E_VERSION_CONFLICT if the scope's head version differs at write
	// time (concurrent modification).
	ExpectedVersion string
}

// RecordError is a per-record load failure.
type RecordError struct {
	Key     string
	Code    core.ErrorCode
	Message string
}

// LoadResult reports one backend load. Version is nil when an incremental
// load found the content unchanged and wrote nothing.
type LoadResult struct {
	Backend string
	Metrics core.LoadingMetrics
	Version *core.DataVersion
	Errors  []RecordError
}

// Backend is a storage target for transformed records.
type Backend interface {
	// Name identifies the backend in results and configuration.
	Name() string
	// Load persists the request's records per its strategy. Batch loads
	// into transactional backends are atomic per scope.
	Load(ctx context.Context, req *LoadRequest) (*LoadResult, error)
	// Validate checks connectivity and schema readiness.
	Validate(ctx context.Context) error
	// Version returns the latest DataVersion for a scope, or nil when the
	// scope has never been loaded.
	Version(ctx context.Context, scope core.Scope) (*core.DataVersion, error)
	// Close releases backend resources.
	Close() error
}

// =============================================================================
// MULTI-BACKEND LOADER
// =============================================================================

// Loader fans one load out to several backends. Connectivity failures are
// retried per backend; a failing backend never blocks the others.
type Loader struct {
	mu       sync.RWMutex
	backends map[string]Backend
	retry    core.RetryPolicy
	logger   *slog.Logger
}

// New creates a loader over the given backends.
func New(retry core.RetryPolicy, logger *slog.Logger, backends ...Backend) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		backends: make(map[string]Backend, len(backends)),
		retry:    retry,
		logger:   logger.With("component", "loader"),
	}
	for _, b := range backends {
		l.backends[b.Name()] = b
	}
	return l
}

// Register adds or replaces a backend.
func (l *Loader) Register(b Backend) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backends[b.Name()] = b
}

// Backend returns a registered backend by name.
func (l *Loader) Backend(name string) (Backend, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.backends[name]
	return b, ok
}

// Targets returns the registered backend names, sorted.
func (l *Loader) Targets() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Sorted(maps.Keys(l.backends))
}

// Load persists the records into every requested target concurrently.
// Per-backend results are returned even when some targets fail; the error
// aggregates backend-scoped failures only.
func (l *Loader) Load(ctx context.Context, req *LoadRequest, targets []string) (map[string]*LoadResult, error) {
	if req == nil {
		return nil, core.Errorf(core.CodeConfigInvalid, false, "load request is required")
	}
	if len(targets) == 0 {
		return nil, core.Errorf(core.CodeConfigInvalid, false, "at least one target backend is required")
	}

	results := make(map[string]*LoadResult, len(targets))
	var (
		mu   sync.Mutex
		merr *multierror.Error
	)

	g := &errgroup.Group{}
	for _, target := range targets {
		g.Go(func() error {
			backend, ok := l.Backend(target)
			if !ok {
				mu.Lock()
				merr = multierror.Append(merr, core.Errorf(core.CodeConfigInvalid, false, "unknown backend: %s", target))
				mu.Unlock()
				return nil
			}

			res, err := l.loadOne(ctx, backend, req)
			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				results[target] = res
			}
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("backend %s: %w", target, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, merr.ErrorOrNil()
}

// loadOne runs one backend load under the connectivity retry policy.
func (l *Loader) loadOne(ctx context.Context, backend Backend, req *LoadRequest) (*LoadResult, error) {
	var result *LoadResult
	err := l.retry.Do(ctx, func(ctx context.Context) error {
		res, err := backend.Load(ctx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		code, _ := core.Classify(err)
		if code == core.CodeVersionConflict || code == core.CodeCancelled {
			return nil, err
		}
		l.logger.Error("backend load failed", "backend", backend.Name(), "scope", req.Scope.Key(), "error", err)
		return nil, core.NewError(core.CodeLoadFailed, false, err)
	}
	l.logger.Info("backend load finished", "backend", backend.Name(), "scope", req.Scope.Key(), "metrics", result.Metrics)
	return result, nil
}

// Close closes all backends, returning the first error.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var merr *multierror.Error
	for _, b := range l.backends {
		if err := b.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// =============================================================================
// SHARED LOAD MECHANICS
// Record identity, content hashing, quality filtering, and chunking used by
// all backends.
// =============================================================================

// RecordKey identifies a record within a scope for collision semantics.
func RecordKey(r core.TransformedRecord) string {
	return r.EntityKey + "@" + r.AsOf
}

// HashRecord returns the content hash of a single record.
func HashRecord(r core.TransformedRecord) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal record %s: %w", RecordKey(r), err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashSet returns the order-independent content hash of a record set.
func HashSet(records []core.TransformedRecord) (string, error) {
	return contenthash.Sum(records)
}

// NewVersion builds a DataVersion for a persisted set.
func NewVersion(id string, count int, sourceTag string, metadata map[string]string) *core.DataVersion {
	return &core.DataVersion{
		ID:          id,
		CreatedAt:   time.Now().UTC(),
		RecordCount: count,
		SourceTag:   sourceTag,
		Metadata:    metadata,
	}
}

// FilterQuality applies the loader-side quality policy.
func FilterQuality(records []core.TransformedRecord, minQuality float64) (kept []core.TransformedRecord, dropped int) {
	if minQuality <= 0 {
		return records, 0
	}
	kept = make([]core.TransformedRecord, 0, len(records))
	for _, r := range records {
		if r.QualityScore < minQuality {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	return kept, dropped
}

// Chunk splits records into bounded batches.
func Chunk(records []core.TransformedRecord, size int) [][]core.TransformedRecord {
	if size <= 0 {
		size = 500
	}
	var chunks [][]core.TransformedRecord
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[start:end])
	}
	return chunks
}
