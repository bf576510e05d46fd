// Package collector defines the source-collector contract and the shared
// machinery every provider adapter builds on: per-provider rate limiting,
// bounded retry with backoff, a rate-limited HTTP client, and a factory
// registry for constructing collectors from configuration.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantfabric/etl-core/internal/core"
)

// =============================================================================
// COLLECTION CONTRACT
// =============================================================================

// TimeWindow bounds a fetch request.
type TimeWindow struct {
	From time.Time
	To   time.Time
}

// CollectionRequest asks a collector for records.
type CollectionRequest struct {
	EntityKeys []string
	Window     TimeWindow
	// Options carries provider-specific knobs (interval, report period, ...).
	Options map[string]string
}

// KeyError records a per-key fetch failure.
type KeyError struct {
	Key     string
	Code    core.ErrorCode
	Message string
}

// CollectionResult reports one collector's outcome. A failed fetch for one
// key never aborts fetches for other keys; per-key failures land in KeyErrors.
type CollectionResult struct {
	Provider  string
	Records   []core.RawRecord
	Metrics   core.CollectionMetrics
	KeyErrors []KeyError
}

// Collector fetches raw records from one external provider.
type Collector interface {
	// Name returns the provider identifier.
	Name() string
	// Priority orders merged output across providers (lower sorts first).
	Priority() int
	// Collect fetches records for the requested keys. The returned error is
	// collector-scoped (auth, configuration); per-key failures are reported
	// in the result instead.
	Collect(ctx context.Context, req *CollectionRequest) (*CollectionResult, error)
}

// =============================================================================
// BASE COLLECTOR
// Shared per-key collection loop. Provider adapters embed Base and supply a
// FetchFunc; Base handles rate limiting, retry, metrics, and key isolation.
// =============================================================================

// FetchFunc fetches raw records for a single entity key.
type FetchFunc func(ctx context.Context, key string, window TimeWindow, opts map[string]string) ([]core.RawRecord, error)

// BaseConfig configures the shared collection loop.
type BaseConfig struct {
	Name     string
	Priority int
	Limiter  *RateLimiter
	Retry    core.RetryPolicy
	Logger   *slog.Logger
}

// Base implements Collector around a per-key FetchFunc.
type Base struct {
	name     string
	priority int
	limiter  *RateLimiter
	retry    core.RetryPolicy
	fetch    FetchFunc
	logger   *slog.Logger
}

// NewBase creates the shared collector harness.
func NewBase(cfg BaseConfig, fetch FetchFunc) *Base {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		name:     cfg.Name,
		priority: cfg.Priority,
		limiter:  cfg.Limiter,
		retry:    cfg.Retry,
		fetch:    fetch,
		logger:   logger.With("collector", cfg.Name),
	}
}

// Name returns the provider identifier.
func (b *Base) Name() string { return b.name }

// Priority orders merged output across providers.
func (b *Base) Priority() int { return b.priority }

// Collect runs the per-key fetch loop.
func (b *Base) Collect(ctx context.Context, req *CollectionRequest) (*CollectionResult, error) {
	if req == nil {
		return nil, core.Errorf(core.CodeConfigInvalid, false, "collection request is required")
	}

	start := time.Now()
	result := &CollectionResult{Provider: b.name}
	result.Metrics.Attempted = len(req.EntityKeys)

	for _, key := range req.EntityKeys {
		if err := ctx.Err(); err != nil {
			// Remaining keys are skipped, not failed.
			result.Metrics.Skipped = result.Metrics.Attempted - result.Metrics.Succeeded - result.Metrics.Failed
			result.Metrics.Duration = time.Since(start)
			return result, core.NewError(core.CodeCancelled, false, err)
		}

		records, err := b.collectKey(ctx, key, req)
		if err != nil {
			code, _ := core.Classify(err)
			result.Metrics.Failed++
			result.KeyErrors = append(result.KeyErrors, KeyError{
				Key:     key,
				Code:    code,
				Message: err.Error(),
			})
			b.logger.Warn("key fetch failed", "key", key, "code", string(code), "error", err)
			continue
		}
		result.Metrics.Succeeded++
		result.Records = append(result.Records, records...)
	}

	result.Metrics.Duration = time.Since(start)
	b.logger.Info("collection finished", "metrics", result.Metrics)
	return result, nil
}

// collectKey fetches one key under the rate limit and retry policy.
func (b *Base) collectKey(ctx context.Context, key string, req *CollectionRequest) ([]core.RawRecord, error) {
	var records []core.RawRecord
	err := b.retry.Do(ctx, func(ctx context.Context) error {
		if b.limiter != nil {
			if err := b.limiter.Acquire(ctx); err != nil {
				return err
			}
		}
		fetched, err := b.fetch(ctx, key, req.Window, req.Options)
		if err != nil {
			return err
		}
		records = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// =============================================================================
// FACTORY REGISTRY
// =============================================================================

// Factory creates a collector instance from configuration.
type Factory func(config map[string]any) (Collector, error)

// Registry holds collector factories indexed by provider template ID.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty collector registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for the given template ID.
// Panics if the template ID is already registered.
func (r *Registry) Register(templateID string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[templateID]; exists {
		panic(fmt.Sprintf("collector factory already registered: %s", templateID))
	}
	r.factories[templateID] = factory
}

// Get returns the factory for the given template ID.
func (r *Registry) Get(templateID string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[templateID]
	return factory, ok
}

// List returns all registered template IDs.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	return ids
}

// Create instantiates a collector from the given template ID and config.
func (r *Registry) Create(templateID string, config map[string]any) (Collector, error) {
	factory, ok := r.Get(templateID)
	if !ok {
		return nil, fmt.Errorf("unknown collector template: %s", templateID)
	}
	return factory(config)
}

// --- Default Global Registry ---

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the global collector registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register adds a factory to the default registry.
func Register(templateID string, factory Factory) {
	defaultRegistry.Register(templateID, factory)
}
