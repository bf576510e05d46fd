// Package orchestrator fans collection requests out to registered collectors
// under a global concurrency cap, isolates per-collector failures, and merges
// successful output into one deterministically ordered record stream.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfabric/etl-core/internal/collector"
	"github.com/quantfabric/etl-core/internal/core"
)

// Config bounds orchestrator-wide resources, distinct from each collector's
// own provider rate limit.
type Config struct {
	// MaxConcurrent caps collectors in flight at once (default: 4).
	MaxConcurrent int
	// Grace is how long already-dispatched collector calls may run after
	// cancellation before they are abandoned (default: 5s).
	Grace time.Duration
	// Logger for dispatch events.
	Logger *slog.Logger
}

// Result aggregates one orchestrator run. Failures are captured per collector
// rather than propagated; records from abandoned or failed collector calls
// are never merged downstream.
type Result struct {
	PerCollector map[string]*collector.CollectionResult
	Failures     map[string]error
	// Records is the merged stream, ordered by provider priority, then
	// entity key, then capture time. Duplicates are preserved for the
	// transformer to resolve.
	Records []core.RawRecord
	Metrics core.CollectionMetrics
}

// Orchestrator dispatches collectors concurrently.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an orchestrator with the given bounds.
func New(cfg Config) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, logger: logger.With("component", "orchestrator")}
}

// Run dispatches all collectors for the request and waits for completion.
// Cancelling ctx lets in-flight calls finish within the grace period; calls
// still running after that are abandoned and contribute no records.
func (o *Orchestrator) Run(ctx context.Context, collectors []collector.Collector, req *collector.CollectionRequest) *Result {
	start := time.Now()
	result := &Result{
		PerCollector: make(map[string]*collector.CollectionResult, len(collectors)),
		Failures:     make(map[string]error),
	}

	// Collector calls run on a context that outlives the run context by the
	// grace period, so cancellation does not tear them down mid-write.
	callCtx, cancelCalls := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelCalls()
	stopGrace := o.armGrace(ctx, cancelCalls)
	defer stopGrace()

	var mu sync.Mutex
	g := &errgroup.Group{}
	g.SetLimit(o.cfg.MaxConcurrent)

	for _, c := range collectors {
		g.Go(func() error {
			name := c.Name()
			o.logger.Debug("dispatching collector", "name", name)
			res, err := c.Collect(callCtx, req)

			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				result.PerCollector[name] = res
			}
			if err != nil {
				result.Failures[name] = err
				o.logger.Warn("collector failed", "name", name, "error", err)
				return nil
			}
			return nil
		})
	}
	_ = g.Wait()

	o.merge(collectors, result)
	result.Metrics.Duration = time.Since(start)
	o.logger.Info("orchestrator run finished",
		"collectors", len(collectors),
		"failures", len(result.Failures),
		"records", len(result.Records))
	return result
}

// armGrace cancels collector calls the grace period after ctx is done.
// The returned stop func releases the watcher once the run completes.
func (o *Orchestrator) armGrace(ctx context.Context, cancelCalls context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		timer := time.NewTimer(o.cfg.Grace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			cancelCalls()
		}
	}()
	return func() { close(done) }
}

// merge combines successful records in deterministic order and sums metrics.
func (o *Orchestrator) merge(collectors []collector.Collector, result *Result) {
	priority := make(map[string]int, len(collectors))
	for _, c := range collectors {
		priority[c.Name()] = c.Priority()
	}

	for name, res := range result.PerCollector {
		result.Metrics.Attempted += res.Metrics.Attempted
		result.Metrics.Succeeded += res.Metrics.Succeeded
		result.Metrics.Failed += res.Metrics.Failed
		result.Metrics.Skipped += res.Metrics.Skipped
		if _, failed := result.Failures[name]; failed {
			// Abandoned or collector-scoped failures forward nothing.
			continue
		}
		result.Records = append(result.Records, res.Records...)
	}

	sort.SliceStable(result.Records, func(i, j int) bool {
		a, b := result.Records[i], result.Records[j]
		if pa, pb := priority[a.Provider], priority[b.Provider]; pa != pb {
			return pa < pb
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		if a.EntityKey != b.EntityKey {
			return a.EntityKey < b.EntityKey
		}
		return a.CapturedAt.Before(b.CapturedAt)
	})
}
