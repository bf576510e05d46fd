// Package main implements the pipeline runner CLI: it loads configuration,
// builds the configured collectors and backends, executes one pipeline run,
// and prints the run report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quantfabric/etl-core/internal/collector"
	"github.com/quantfabric/etl-core/internal/config"
	"github.com/quantfabric/etl-core/internal/core"
	"github.com/quantfabric/etl-core/internal/loader"
	"github.com/quantfabric/etl-core/internal/orchestrator"
	"github.com/quantfabric/etl-core/internal/pipeline"
	"github.com/quantfabric/etl-core/internal/transform"

	// Register collector adapters.
	_ "github.com/quantfabric/etl-core/internal/collector/fundamentals"
	_ "github.com/quantfabric/etl-core/internal/collector/marketdata"
)

const dateLayout = "2006-01-02"

func main() {
	var (
		configPath = flag.String("config", "etl.yaml", "path to the pipeline configuration file")
		keysFlag   = flag.String("keys", "", "comma-separated entity keys (required)")
		dataset    = flag.String("dataset", "", "target dataset (required)")
		partition  = flag.String("partition", "", "target partition date, defaults to the window end")
		strategy   = flag.String("strategy", "", "loading strategy, defaults to the configured default")
		providers  = flag.String("providers", "", "comma-separated provider names, defaults to all")
		targets    = flag.String("targets", "", "comma-separated backend names, defaults to all")
		fromFlag   = flag.String("from", "", "window start date (YYYY-MM-DD)")
		toFlag     = flag.String("to", "", "window end date (YYYY-MM-DD)")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(logger, *configPath, *keysFlag, *dataset, *partition, *strategy, *providers, *targets, *fromFlag, *toFlag); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath, keysFlag, dataset, partition, strategyFlag, providersFlag, targetsFlag, fromFlag, toFlag string) error {
	if keysFlag == "" {
		return fmt.Errorf("-keys is required")
	}
	if dataset == "" {
		return fmt.Errorf("-dataset is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	rules, err := transform.LoadRuleSet(cfg.RulesFile)
	if err != nil {
		return err
	}
	window, err := parseWindow(fromFlag, toFlag)
	if err != nil {
		return err
	}
	strategy, err := resolveStrategy(strategyFlag, cfg.Loader.DefaultStrategy)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collectors, err := buildCollectors(cfg)
	if err != nil {
		return err
	}
	ldr, err := buildLoader(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := ldr.Close(); err != nil {
			logger.Warn("backend close failed", "error", err)
		}
	}()

	coord, err := pipeline.NewCoordinator(pipeline.Config{
		Collectors: collectors,
		Orchestrator: orchestrator.New(orchestrator.Config{
			MaxConcurrent: cfg.Orchestrator.MaxConcurrent,
			Grace:         cfg.Orchestrator.Grace.Std(),
			Logger:        logger,
		}),
		Engine:    transform.NewEngine(logger),
		Rules:     rules,
		Loader:    ldr,
		BatchSize: cfg.Loader.BatchSize,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	result, err := coord.RunPipeline(ctx, &pipeline.RunRequest{
		Providers:  splitList(providersFlag),
		EntityKeys: splitList(keysFlag),
		Window:     window,
		Scope:      core.Scope{Dataset: dataset, Partition: partition},
		Strategy:   strategy,
		Targets:    splitList(targetsFlag),
		MinQuality: cfg.Loader.MinQuality,
	})
	if err != nil {
		return err
	}

	report, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}
	fmt.Println(string(report))

	if result.Status == pipeline.StatusFailed {
		return fmt.Errorf("run %s failed with %d errors", result.RunID, result.ErrorCount)
	}
	return nil
}

func buildCollectors(cfg *config.Config) ([]collector.Collector, error) {
	registry := collector.DefaultRegistry()
	collectors := make([]collector.Collector, 0, len(cfg.Providers))
	for name, provider := range cfg.Providers {
		col, err := registry.Create(provider.Template, provider.Settings)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		collectors = append(collectors, col)
	}
	return collectors, nil
}

func buildLoader(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*loader.Loader, error) {
	ldr := loader.New(cfg.Loader.Retry.Policy(), logger)

	if pg := cfg.Backends.Postgres; pg != nil {
		backend, err := loader.NewPostgres(loader.PostgresConfig{
			DSN:       pg.DSN,
			BatchSize: cfg.Loader.BatchSize,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		ldr.Register(backend)
	}
	if ar := cfg.Backends.Archive; ar != nil {
		backend, err := loader.NewArchive(loader.ArchiveConfig{
			Root:      ar.Root,
			BatchSize: cfg.Loader.BatchSize,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		ldr.Register(backend)
	}
	if ca := cfg.Backends.Cache; ca != nil {
		ldr.Register(loader.NewCache(loader.CacheConfig{
			MaxScopes: ca.MaxScopes,
			TTL:       ca.TTL.Std(),
			Logger:    logger,
		}))
	}
	if obj := cfg.Backends.ObjectStore; obj != nil {
		backend, err := loader.NewObjectStore(ctx, loader.ObjectStoreConfig{
			EndpointURL:     obj.EndpointURL,
			AccessKeyID:     obj.AccessKeyID,
			SecretAccessKey: obj.SecretAccessKey,
			Region:          obj.Region,
			UseSSL:          obj.UseSSL,
			Bucket:          obj.Bucket,
			Prefix:          obj.Prefix,
			BatchSize:       cfg.Loader.BatchSize,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		ldr.Register(backend)
	}

	// An unreachable required backend is fatal before any collection runs.
	validateCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	for _, name := range ldr.Targets() {
		backend, _ := ldr.Backend(name)
		if err := backend.Validate(validateCtx); err != nil {
			return nil, fmt.Errorf("backend %s validation: %w", name, err)
		}
	}
	return ldr, nil
}

func resolveStrategy(flagValue, configured string) (core.LoadingStrategy, error) {
	raw := flagValue
	if raw == "" {
		raw = configured
	}
	if raw == "" {
		return core.StrategyUpsert, nil
	}
	return core.ParseStrategy(raw)
}

func parseWindow(fromFlag, toFlag string) (collector.TimeWindow, error) {
	var window collector.TimeWindow
	if fromFlag != "" {
		from, err := time.Parse(dateLayout, fromFlag)
		if err != nil {
			return window, fmt.Errorf("invalid -from date: %w", err)
		}
		window.From = from
	}
	if toFlag != "" {
		to, err := time.Parse(dateLayout, toFlag)
		if err != nil {
			return window, fmt.Errorf("invalid -to date: %w", err)
		}
		window.To = to
	}
	return window, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
