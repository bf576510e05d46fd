package loader

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/quantfabric/etl-core/internal/core"
)

// cacheEntry holds a scope's record set and its version together so a single
// eviction drops both.
type cacheEntry struct {
	records []core.TransformedRecord
	version *core.DataVersion
}

// Cache is the in-memory backend. It keeps the latest record set per scope in
// an expirable LRU so downstream readers get fast lookups without a round
// trip to the durable stores. Entries age out after the configured TTL.
type Cache struct {
	lru    *expirable.LRU[string, cacheEntry]
	logger *slog.Logger
}

// CacheConfig holds cache backend settings.
type CacheConfig struct {
	// MaxScopes bounds the number of cached scopes. Defaults to 128.
	MaxScopes int
	// TTL is how long an entry stays valid. Defaults to 15 minutes.
	TTL    time.Duration
	Logger *slog.Logger
}

// NewCache creates the cache backend.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.MaxScopes <= 0 {
		cfg.MaxScopes = 128
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		lru:    expirable.NewLRU[string, cacheEntry](cfg.MaxScopes, nil, cfg.TTL),
		logger: logger.With("backend", "cache"),
	}
}

// Name identifies the backend.
func (c *Cache) Name() string { return "cache" }

// Validate always succeeds for the in-memory cache.
func (c *Cache) Validate(ctx context.Context) error { return ctx.Err() }

// Close drops all cached entries.
func (c *Cache) Close() error {
	c.lru.Purge()
	return nil
}

// Load applies the strategy against the cached set and replaces it when the
// content changed.
func (c *Cache) Load(ctx context.Context, req *LoadRequest) (*LoadResult, error) {
	return runSetLoad(ctx, c.Name(), c, req)
}

// Version returns the cached version for the scope, nil on miss or expiry.
func (c *Cache) Version(ctx context.Context, scope core.Scope) (*core.DataVersion, error) {
	return c.headVersion(ctx, scope)
}

// Get returns the cached record set for a scope, nil on miss.
func (c *Cache) Get(scope core.Scope) []core.TransformedRecord {
	entry, ok := c.lru.Get(scope.Key())
	if !ok {
		return nil
	}
	return slices.Clone(entry.records)
}

func (c *Cache) readSet(ctx context.Context, scope core.Scope) ([]core.TransformedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, ok := c.lru.Get(scope.Key())
	if !ok {
		return nil, nil
	}
	return slices.Clone(entry.records), nil
}

func (c *Cache) writeSet(ctx context.Context, scope core.Scope, records []core.TransformedRecord, version *core.DataVersion, _ int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.lru.Add(scope.Key(), cacheEntry{records: slices.Clone(records), version: version})
	return nil
}

func (c *Cache) headVersion(ctx context.Context, scope core.Scope) (*core.DataVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, ok := c.lru.Get(scope.Key())
	if !ok {
		return nil, nil
	}
	return entry.version, nil
}
