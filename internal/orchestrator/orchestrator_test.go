package orchestrator_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantfabric/etl-core/internal/collector"
	"github.com/quantfabric/etl-core/internal/core"
	"github.com/quantfabric/etl-core/internal/orchestrator"
)

// fakeCollector returns canned records or an error without touching the
// network.
type fakeCollector struct {
	name     string
	priority int
	records  []core.RawRecord
	err      error
	inFlight *atomic.Int32
	maxSeen  *atomic.Int32
	delay    time.Duration
}

func (f *fakeCollector) Name() string  { return f.name }
func (f *fakeCollector) Priority() int { return f.priority }

func (f *fakeCollector) Collect(ctx context.Context, req *collector.CollectionRequest) (*collector.CollectionResult, error) {
	if f.inFlight != nil {
		cur := f.inFlight.Add(1)
		for {
			seen := f.maxSeen.Load()
			if cur <= seen || f.maxSeen.CompareAndSwap(seen, cur) {
				break
			}
		}
		defer f.inFlight.Add(-1)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return &collector.CollectionResult{Provider: f.name}, core.NewError(core.CodeCancelled, false, ctx.Err())
		}
	}
	if f.err != nil {
		return &collector.CollectionResult{
			Provider: f.name,
			Metrics:  core.CollectionMetrics{Attempted: len(req.EntityKeys), Failed: len(req.EntityKeys)},
		}, f.err
	}
	return &collector.CollectionResult{
		Provider: f.name,
		Records:  f.records,
		Metrics:  core.CollectionMetrics{Attempted: len(req.EntityKeys), Succeeded: len(req.EntityKeys)},
	}, nil
}

func raw(provider, key string, day int) core.RawRecord {
	return core.RawRecord{
		Provider:   provider,
		EntityKey:  key,
		CapturedAt: time.Date(2026, 3, day, 0, 0, 0, 0, time.UTC),
		Payload:    map[string]any{"close": 1.0},
	}
}

func TestOrchestrator_Unit_FailureIsolation(t *testing.T) {
	good := &fakeCollector{
		name:     "good",
		priority: 10,
		records:  []core.RawRecord{raw("good", "AAPL", 1), raw("good", "MSFT", 1)},
	}
	bad := &fakeCollector{
		name:     "bad",
		priority: 20,
		err:      core.Errorf(core.CodeAuthOrValidation, false, "credentials rejected"),
	}

	o := orchestrator.New(orchestrator.Config{MaxConcurrent: 2})
	result := o.Run(context.Background(), []collector.Collector{good, bad}, &collector.CollectionRequest{
		EntityKeys: []string{"AAPL", "MSFT"},
	})

	if len(result.Records) != 2 {
		t.Fatalf("failing collector must not drop the good one's records, got %d", len(result.Records))
	}
	if _, ok := result.Failures["bad"]; !ok {
		t.Error("expected failure detail for the bad collector")
	}
	if _, ok := result.Failures["good"]; ok {
		t.Error("good collector must not be marked failed")
	}
	if result.Metrics.Succeeded != 2 || result.Metrics.Failed != 2 {
		t.Errorf("metrics should sum both collectors: %+v", result.Metrics)
	}
}

func TestOrchestrator_Unit_MergeOrdering(t *testing.T) {
	// Lower priority sorts first regardless of dispatch order; within a
	// provider, entity key then capture time.
	secondary := &fakeCollector{
		name:     "secondary",
		priority: 20,
		records:  []core.RawRecord{raw("secondary", "AAPL", 3)},
	}
	primary := &fakeCollector{
		name:     "primary",
		priority: 10,
		records:  []core.RawRecord{raw("primary", "MSFT", 2), raw("primary", "AAPL", 2), raw("primary", "AAPL", 1)},
	}

	o := orchestrator.New(orchestrator.Config{})
	result := o.Run(context.Background(), []collector.Collector{secondary, primary}, &collector.CollectionRequest{
		EntityKeys: []string{"AAPL", "MSFT"},
	})

	want := []struct {
		provider string
		key      string
		day      int
	}{
		{"primary", "AAPL", 1},
		{"primary", "AAPL", 2},
		{"primary", "MSFT", 2},
		{"secondary", "AAPL", 3},
	}
	if len(result.Records) != len(want) {
		t.Fatalf("expected %d merged records, got %d", len(want), len(result.Records))
	}
	for i, w := range want {
		got := result.Records[i]
		if got.Provider != w.provider || got.EntityKey != w.key || got.CapturedAt.Day() != w.day {
			t.Errorf("position %d: want %s/%s/day%d, got %s/%s/day%d",
				i, w.provider, w.key, w.day, got.Provider, got.EntityKey, got.CapturedAt.Day())
		}
	}
}

func TestOrchestrator_Unit_ConcurrencyBound(t *testing.T) {
	var inFlight, maxSeen atomic.Int32
	collectors := make([]collector.Collector, 6)
	for i := range collectors {
		collectors[i] = &fakeCollector{
			name:     "slow-" + string(rune('a'+i)),
			priority: i,
			delay:    20 * time.Millisecond,
			inFlight: &inFlight,
			maxSeen:  &maxSeen,
		}
	}

	o := orchestrator.New(orchestrator.Config{MaxConcurrent: 2})
	o.Run(context.Background(), collectors, &collector.CollectionRequest{EntityKeys: []string{"AAPL"}})

	if seen := maxSeen.Load(); seen > 2 {
		t.Errorf("concurrency bound exceeded: saw %d collectors in flight", seen)
	}
}

func TestOrchestrator_Unit_AbandonedCollectorForwardsNothing(t *testing.T) {
	fast := &fakeCollector{
		name:     "fast",
		priority: 10,
		records:  []core.RawRecord{raw("fast", "AAPL", 1)},
	}
	stuck := &fakeCollector{
		name:     "stuck",
		priority: 20,
		delay:    5 * time.Second,
		records:  []core.RawRecord{raw("stuck", "AAPL", 1)},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	o := orchestrator.New(orchestrator.Config{MaxConcurrent: 2, Grace: 50 * time.Millisecond})
	result := o.Run(ctx, []collector.Collector{fast, stuck}, &collector.CollectionRequest{EntityKeys: []string{"AAPL"}})

	if len(result.Records) != 1 || result.Records[0].Provider != "fast" {
		t.Fatalf("expected only the fast collector's records, got %d", len(result.Records))
	}
	if _, ok := result.Failures["stuck"]; !ok {
		t.Error("abandoned collector should be reported as failed")
	}
}
