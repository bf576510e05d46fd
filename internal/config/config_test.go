package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantfabric/etl-core/internal/config"
	"github.com/quantfabric/etl-core/internal/core"
)

const sampleConfig = `
providers:
  eod:
    template: marketdata.quotes
    settings:
      base_url: https://api.example.com
      api_key: file-key
      rate_calls: 60
      rate_window: 1m
  statements:
    template: fundamentals.statements
    settings:
      base_url: https://api.example.com
      api_key: file-key

orchestrator:
  max_concurrent: 4
  grace: 5s

rules_file: rules.yaml

loader:
  batch_size: 250
  default_strategy: upsert
  min_quality: 0.5
  retry:
    max_attempts: 3
    backoff_base: 200ms

backends:
  archive:
    root: /var/data/archive
  cache:
    max_scopes: 64
    ttl: 15m
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "etl.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestConfig_Unit_LoadParsesYAML(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(cfg.Providers))
	}
	eod := cfg.Providers["eod"]
	if eod.Template != "marketdata.quotes" {
		t.Errorf("template = %q", eod.Template)
	}
	if eod.Settings["api_key"] != "file-key" {
		t.Errorf("settings not parsed: %v", eod.Settings)
	}
	if cfg.Orchestrator.Grace.Std() != 5*time.Second {
		t.Errorf("grace = %s", cfg.Orchestrator.Grace.Std())
	}
	if cfg.Loader.BatchSize != 250 || cfg.Loader.MinQuality != 0.5 {
		t.Errorf("loader config wrong: %+v", cfg.Loader)
	}
	if cfg.Loader.Retry.Policy().BackoffBase != 200*time.Millisecond {
		t.Errorf("retry backoff = %s", cfg.Loader.Retry.Policy().BackoffBase)
	}
	if cfg.Backends.Archive == nil || cfg.Backends.Archive.Root != "/var/data/archive" {
		t.Error("archive backend not parsed")
	}
	if cfg.Backends.Cache == nil || cfg.Backends.Cache.TTL.Std() != 15*time.Minute {
		t.Error("cache backend not parsed")
	}
	if cfg.Backends.Postgres != nil {
		t.Error("absent backend section should stay nil")
	}
}

func TestConfig_Unit_EnvOverridesCredentials(t *testing.T) {
	t.Setenv("ETL_PROVIDER_EOD_API_KEY", "env-key")
	t.Setenv("ETL_ARCHIVE_ROOT", "/tmp/override")
	t.Setenv("ETL_BATCH_SIZE", "999")

	cfg, err := config.Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Providers["eod"].Settings["api_key"] != "env-key" {
		t.Error("provider api key not overridden from environment")
	}
	if cfg.Providers["statements"].Settings["api_key"] != "file-key" {
		t.Error("unrelated provider must keep its configured key")
	}
	if cfg.Backends.Archive.Root != "/tmp/override" {
		t.Error("archive root not overridden")
	}
	if cfg.Loader.BatchSize != 999 {
		t.Error("batch size not overridden")
	}
}

func TestConfig_Unit_ValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"no providers", `
rules_file: rules.yaml
backends:
  cache: {}
`},
		{"provider without template", `
providers:
  eod:
    settings: {api_key: k}
rules_file: rules.yaml
backends:
  cache: {}
`},
		{"no rules file", `
providers:
  eod: {template: marketdata.quotes}
backends:
  cache: {}
`},
		{"no backends", `
providers:
  eod: {template: marketdata.quotes}
rules_file: rules.yaml
`},
		{"bad strategy", `
providers:
  eod: {template: marketdata.quotes}
rules_file: rules.yaml
loader: {default_strategy: merge}
backends:
  cache: {}
`},
		{"postgres without dsn", `
providers:
  eod: {template: marketdata.quotes}
rules_file: rules.yaml
backends:
  postgres: {}
`},
	}

	for _, tc := range cases {
		_, err := config.Load(writeConfig(t, tc.content))
		if err == nil {
			t.Errorf("%s: expected validation error", tc.name)
			continue
		}
		code, _ := core.Classify(err)
		if tc.name != "bad strategy" && code != core.CodeConfigInvalid {
			t.Errorf("%s: expected config error code, got %s", tc.name, code)
		}
	}
}
