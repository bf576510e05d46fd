// Package pipeline coordinates one end-to-end run: collection across
// providers, transformation to the canonical schema, and loading into the
// configured backends. Run states are kept in memory for status polling.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/quantfabric/etl-core/internal/collector"
	"github.com/quantfabric/etl-core/internal/core"
	"github.com/quantfabric/etl-core/internal/loader"
	"github.com/quantfabric/etl-core/internal/orchestrator"
	"github.com/quantfabric/etl-core/internal/transform"
)

// =============================================================================
// RUN STATE
// =============================================================================

// RunStatus is the terminal or in-flight state of a pipeline run.
type RunStatus string

const (
	StatusRunning        RunStatus = "running"
	StatusSucceeded      RunStatus = "succeeded"
	StatusPartialSuccess RunStatus = "partial_success"
	StatusFailed         RunStatus = "failed"
)

// ErrorSample is one captured failure, attributed to its stage and source.
type ErrorSample struct {
	Stage   string         `json:"stage"`
	Source  string         `json:"source"`
	Code    core.ErrorCode `json:"code"`
	Message string         `json:"message"`
}

// StageCounts reports per-stage record counts for a run.
type StageCounts struct {
	Collection core.CollectionMetrics `json:"collection"`
	Transform  core.TransformMetrics  `json:"transform"`
	Loading    core.LoadingMetrics    `json:"loading"`
}

// RunResult is the caller-visible outcome of a pipeline run. Errors holds
// the first MaxErrorSamples failures; ErrorCount is the full total.
type RunResult struct {
	RunID       string               `json:"runId"`
	Status      RunStatus            `json:"status"`
	StartedAt   time.Time            `json:"startedAt"`
	CompletedAt time.Time            `json:"completedAt,omitzero"`
	Scope       core.Scope           `json:"scope"`
	Strategy    core.LoadingStrategy `json:"strategy"`
	Stages      StageCounts          `json:"stages"`
	// Versions maps backend name to the DataVersion id it produced. A
	// backend that found the content unchanged maps to the empty string.
	Versions   map[string]string `json:"versions,omitempty"`
	Errors     []ErrorSample     `json:"errors,omitempty"`
	ErrorCount int               `json:"errorCount"`
}

func (r *RunResult) clone() *RunResult {
	out := *r
	out.Versions = maps.Clone(r.Versions)
	out.Errors = slices.Clone(r.Errors)
	return &out
}

// =============================================================================
// COORDINATOR
// =============================================================================

// RunRequest describes one pipeline invocation.
type RunRequest struct {
	// Providers selects collectors by name; empty runs all registered.
	Providers  []string
	EntityKeys []string
	Window     collector.TimeWindow
	// Scope is the load target. An empty Partition defaults to the
	// window's end date.
	Scope    core.Scope
	Strategy core.LoadingStrategy
	// Targets selects backends by name; empty loads into all registered.
	Targets []string
	// Options carries provider-specific knobs through to collectors.
	Options map[string]string
	// MinQuality drops records scoring below it at the load boundary.
	MinQuality float64
	// ExpectedVersion guards incremental loads against concurrent writers.
	ExpectedVersion string
}

// Config wires the coordinator's stages.
type Config struct {
	Collectors   []collector.Collector
	Orchestrator *orchestrator.Orchestrator
	Engine       *transform.Engine
	Rules        *transform.RuleSet
	Loader       *loader.Loader
	// BatchSize is passed through to backend loads; zero uses backend
	// defaults.
	BatchSize int
	// MaxErrorSamples caps the error detail kept per run (default: 10).
	MaxErrorSamples int
	// MaxRuns caps the in-memory run registry; the oldest run is evicted
	// when it overflows (default: 256).
	MaxRuns int
	Logger  *slog.Logger
}

// Coordinator owns in-process run state for RunPipeline/GetRunStatus.
type Coordinator struct {
	mu       sync.Mutex
	runs     map[string]*RunResult
	runOrder []string
	maxRuns  int

	collectors map[string]collector.Collector
	orch       *orchestrator.Orchestrator
	engine     *transform.Engine
	rules      *transform.RuleSet
	loader     *loader.Loader
	batchSize  int
	maxSamples int
	logger     *slog.Logger
}

// NewCoordinator creates a pipeline coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Orchestrator == nil || cfg.Engine == nil || cfg.Loader == nil {
		return nil, core.Errorf(core.CodeConfigInvalid, false, "pipeline: orchestrator, engine, and loader are required")
	}
	if cfg.Rules == nil {
		return nil, core.Errorf(core.CodeConfigInvalid, false, "pipeline: rule set is required")
	}
	if cfg.MaxErrorSamples <= 0 {
		cfg.MaxErrorSamples = 10
	}
	if cfg.MaxRuns <= 0 {
		cfg.MaxRuns = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	byName := make(map[string]collector.Collector, len(cfg.Collectors))
	for _, c := range cfg.Collectors {
		if _, dup := byName[c.Name()]; dup {
			return nil, core.Errorf(core.CodeConfigInvalid, false, "pipeline: duplicate collector %q", c.Name())
		}
		byName[c.Name()] = c
	}

	return &Coordinator{
		runs:       make(map[string]*RunResult),
		collectors: byName,
		orch:       cfg.Orchestrator,
		engine:     cfg.Engine,
		rules:      cfg.Rules,
		loader:     cfg.Loader,
		batchSize:  cfg.BatchSize,
		maxSamples: cfg.MaxErrorSamples,
		maxRuns:    cfg.MaxRuns,
		logger:     logger.With("component", "pipeline"),
	}, nil
}

// RunPipeline executes collection, transformation, and loading synchronously
// and returns the terminal run result. Record- and collector-scoped failures
// are captured in the result rather than aborting the run; only an invalid
// request fails outright.
func (c *Coordinator) RunPipeline(ctx context.Context, req *RunRequest) (*RunResult, error) {
	selected, err := c.selectCollectors(req)
	if err != nil {
		return nil, err
	}
	scope, err := resolveScope(req)
	if err != nil {
		return nil, err
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = core.StrategyUpsert
	}

	run := &RunResult{
		RunID:     uuid.NewString(),
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
		Scope:     scope,
		Strategy:  strategy,
		Versions:  map[string]string{},
	}
	c.saveRun(run)
	logger := c.logger.With("run", run.RunID)
	logger.Info("run started",
		"scope", scope.Key(),
		"strategy", string(strategy),
		"collectors", len(selected),
		"keys", len(req.EntityKeys))

	// Stage 1: collect.
	collected := c.orch.Run(ctx, selected, &collector.CollectionRequest{
		EntityKeys: req.EntityKeys,
		Window:     req.Window,
		Options:    req.Options,
	})
	run.Stages.Collection = collected.Metrics
	collectorFailures := 0
	for name, failure := range collected.Failures {
		collectorFailures++
		c.recordError(run, "collect", name, failure)
	}
	for name, res := range collected.PerCollector {
		for _, keyErr := range res.KeyErrors {
			c.recordError(run, "collect", name+"/"+keyErr.Key, core.Errorf(keyErr.Code, false, "%s", keyErr.Message))
		}
	}

	// Stage 2: transform.
	transformed, err := c.engine.Transform(collected.Records, c.rules)
	if err != nil {
		c.recordError(run, "transform", "engine", err)
		return c.finishRun(run, StatusFailed, logger), nil
	}
	run.Stages.Transform = transformed.Metrics
	for _, invalid := range transformed.Report.InvalidRecords {
		c.recordError(run, "transform", invalid, core.Errorf(core.CodeTransformValidation, false, "record excluded"))
	}

	// Stage 3: load.
	targets := req.Targets
	if len(targets) == 0 {
		targets = c.loader.Targets()
	}
	results, loadErr := c.loader.Load(ctx, &loader.LoadRequest{
		Scope:           scope,
		Records:         transformed.Records,
		Strategy:        strategy,
		SourceTag:       run.RunID,
		BatchSize:       c.batchSize,
		MinQuality:      req.MinQuality,
		ExpectedVersion: req.ExpectedVersion,
	}, targets)

	backendFailures := 0
	for name, res := range results {
		mergeLoadMetrics(&run.Stages.Loading, res.Metrics)
		if res.Version != nil {
			run.Versions[name] = res.Version.ID
		} else {
			run.Versions[name] = ""
		}
		for _, recErr := range res.Errors {
			c.recordError(run, "load", name+"/"+recErr.Key, core.Errorf(recErr.Code, false, "%s", recErr.Message))
		}
	}
	for _, name := range targets {
		if _, ok := results[name]; !ok {
			backendFailures++
		}
	}
	var merr *multierror.Error
	if errors.As(loadErr, &merr) {
		for _, backendErr := range merr.Errors {
			c.recordError(run, "load", "loader", backendErr)
		}
	} else if loadErr != nil {
		c.recordError(run, "load", "loader", loadErr)
	}

	status := c.deriveStatus(run, len(selected), collectorFailures, len(targets), backendFailures)
	return c.finishRun(run, status, logger), nil
}

// GetRunStatus returns the run's latest state by id.
func (c *Coordinator) GetRunStatus(runID string) (*RunResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	return run.clone(), nil
}

func (c *Coordinator) selectCollectors(req *RunRequest) ([]collector.Collector, error) {
	if len(req.EntityKeys) == 0 {
		return nil, core.Errorf(core.CodeConfigInvalid, false, "pipeline: entity keys are required")
	}
	if len(req.Providers) == 0 {
		names := slices.Sorted(maps.Keys(c.collectors))
		out := make([]collector.Collector, 0, len(names))
		for _, name := range names {
			out = append(out, c.collectors[name])
		}
		if len(out) == 0 {
			return nil, core.Errorf(core.CodeConfigInvalid, false, "pipeline: no collectors configured")
		}
		return out, nil
	}
	out := make([]collector.Collector, 0, len(req.Providers))
	for _, name := range req.Providers {
		col, ok := c.collectors[name]
		if !ok {
			return nil, core.Errorf(core.CodeConfigInvalid, false, "pipeline: unknown provider %q", name)
		}
		out = append(out, col)
	}
	return out, nil
}

func resolveScope(req *RunRequest) (core.Scope, error) {
	scope := req.Scope
	if scope.Dataset == "" {
		return core.Scope{}, core.Errorf(core.CodeConfigInvalid, false, "pipeline: scope dataset is required")
	}
	if scope.Partition == "" {
		end := req.Window.To
		if end.IsZero() {
			end = time.Now().UTC()
		}
		scope.Partition = end.UTC().Format("2006-01-02")
	}
	return scope, nil
}

// deriveStatus classifies the run: failed when a whole stage produced
// nothing it should have, partial_success when some sources or records
// failed while others got through, succeeded otherwise.
func (c *Coordinator) deriveStatus(run *RunResult, collectors, collectorFailures, targets, backendFailures int) RunStatus {
	allCollectorsFailed := collectors > 0 && collectorFailures == collectors
	allBackendsFailed := targets > 0 && backendFailures == targets
	if allCollectorsFailed || allBackendsFailed {
		return StatusFailed
	}
	if run.ErrorCount > 0 {
		return StatusPartialSuccess
	}
	return StatusSucceeded
}

func (c *Coordinator) recordError(run *RunResult, stage, source string, err error) {
	if err == nil {
		return
	}
	run.ErrorCount++
	if len(run.Errors) >= c.maxSamples {
		return
	}
	code, _ := core.Classify(err)
	run.Errors = append(run.Errors, ErrorSample{
		Stage:   stage,
		Source:  source,
		Code:    code,
		Message: err.Error(),
	})
}

func (c *Coordinator) finishRun(run *RunResult, status RunStatus, logger *slog.Logger) *RunResult {
	run.Status = status
	run.CompletedAt = time.Now().UTC()
	c.saveRun(run)
	logger.Info("run finished",
		"status", string(status),
		"collected", run.Stages.Collection.Succeeded,
		"transformed", run.Stages.Transform.Output,
		"loaded", run.Stages.Loading.Succeeded(),
		"errors", run.ErrorCount,
		"duration", run.CompletedAt.Sub(run.StartedAt))
	return run.clone()
}

func (c *Coordinator) saveRun(run *RunResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, known := c.runs[run.RunID]; !known {
		c.runOrder = append(c.runOrder, run.RunID)
		for len(c.runOrder) > c.maxRuns {
			delete(c.runs, c.runOrder[0])
			c.runOrder = c.runOrder[1:]
		}
	}
	c.runs[run.RunID] = run.clone()
}

func mergeLoadMetrics(into *core.LoadingMetrics, from core.LoadingMetrics) {
	into.Attempted += from.Attempted
	into.Inserted += from.Inserted
	into.Updated += from.Updated
	into.Skipped += from.Skipped
	into.Failed += from.Failed
	if from.Duration > into.Duration {
		into.Duration = from.Duration
	}
}
