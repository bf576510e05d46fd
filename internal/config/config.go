// Package config provides configuration loading for pipeline runs: a YAML
// file describes providers, backends, and run policy; environment variables
// override connection parameters and credentials so secrets stay out of the
// file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantfabric/etl-core/internal/core"
)

// Duration decodes YAML duration strings like "200ms" or "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RetryConfig bounds retry behavior for a provider or backend.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BackoffBase Duration `yaml:"backoff_base"`
	MaxBackoff  Duration `yaml:"max_backoff"`
}

// Policy converts to the runtime retry policy.
func (rc RetryConfig) Policy() core.RetryPolicy {
	return core.RetryPolicy{
		MaxAttempts: rc.MaxAttempts,
		BackoffBase: rc.BackoffBase.Std(),
		MaxBackoff:  rc.MaxBackoff.Std(),
	}
}

// ProviderConfig configures one collector instance.
type ProviderConfig struct {
	// Template names the registered collector factory, e.g.
	// "marketdata.quotes".
	Template string         `yaml:"template"`
	Settings map[string]any `yaml:"settings"`
}

// OrchestratorConfig bounds the collection stage.
type OrchestratorConfig struct {
	MaxConcurrent int      `yaml:"max_concurrent"`
	Grace         Duration `yaml:"grace"`
}

// LoaderConfig sets loading policy.
type LoaderConfig struct {
	BatchSize       int         `yaml:"batch_size"`
	DefaultStrategy string      `yaml:"default_strategy"`
	MinQuality      float64     `yaml:"min_quality"`
	Retry           RetryConfig `yaml:"retry"`
}

// PostgresConfig configures the relational backend.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// ArchiveConfig configures the file archive backend.
type ArchiveConfig struct {
	Root string `yaml:"root"`
}

// CacheConfig configures the in-memory cache backend.
type CacheConfig struct {
	MaxScopes int      `yaml:"max_scopes"`
	TTL       Duration `yaml:"ttl"`
}

// ObjectStoreConfig configures the S3-compatible backend.
type ObjectStoreConfig struct {
	EndpointURL     string `yaml:"endpoint_url"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Region          string `yaml:"region"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
}

// BackendsConfig enables storage backends. A nil section leaves that backend
// off.
type BackendsConfig struct {
	Postgres    *PostgresConfig    `yaml:"postgres"`
	Archive     *ArchiveConfig     `yaml:"archive"`
	Cache       *CacheConfig       `yaml:"cache"`
	ObjectStore *ObjectStoreConfig `yaml:"objectstore"`
}

// Config is the full pipeline configuration.
type Config struct {
	// Providers maps provider instance name to its collector settings.
	Providers    map[string]ProviderConfig `yaml:"providers"`
	Orchestrator OrchestratorConfig        `yaml:"orchestrator"`
	// RulesFile points at the transformation rule set YAML.
	RulesFile string         `yaml:"rules_file"`
	Loader    LoaderConfig   `yaml:"loader"`
	Backends  BackendsConfig `yaml:"backends"`
}

// Load reads the YAML file, applies environment overrides, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewError(core.CodeConfigInvalid, false, fmt.Errorf("read config: %w", err))
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, core.NewError(core.CodeConfigInvalid, false, fmt.Errorf("parse config %s: %w", path, err))
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides connection parameters and credentials from the
// environment. Provider API keys are injected per instance via
// ETL_PROVIDER_<NAME>_API_KEY with dots and dashes mapped to underscores.
func (c *Config) applyEnv() {
	if c.Backends.Postgres != nil {
		c.Backends.Postgres.DSN = getEnv("ETL_POSTGRES_DSN", c.Backends.Postgres.DSN)
	}
	if c.Backends.Archive != nil {
		c.Backends.Archive.Root = getEnv("ETL_ARCHIVE_ROOT", c.Backends.Archive.Root)
	}
	if c.Backends.ObjectStore != nil {
		store := c.Backends.ObjectStore
		store.EndpointURL = getEnv("ETL_OBJECTSTORE_ENDPOINT", store.EndpointURL)
		store.AccessKeyID = getEnv("ETL_OBJECTSTORE_ACCESS_KEY", store.AccessKeyID)
		store.SecretAccessKey = getEnv("ETL_OBJECTSTORE_SECRET_KEY", store.SecretAccessKey)
		store.Bucket = getEnv("ETL_OBJECTSTORE_BUCKET", store.Bucket)
	}
	c.Orchestrator.MaxConcurrent = getEnvInt("ETL_MAX_CONCURRENT", c.Orchestrator.MaxConcurrent)
	c.Loader.BatchSize = getEnvInt("ETL_BATCH_SIZE", c.Loader.BatchSize)

	for name, provider := range c.Providers {
		if key := os.Getenv("ETL_PROVIDER_" + envKey(name) + "_API_KEY"); key != "" {
			if provider.Settings == nil {
				provider.Settings = map[string]any{}
			}
			provider.Settings["api_key"] = key
			c.Providers[name] = provider
		}
	}
}

// Validate checks the configuration once at startup. Configuration errors
// are fatal to the run.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return core.Errorf(core.CodeConfigInvalid, false, "config: at least one provider is required")
	}
	for name, provider := range c.Providers {
		if provider.Template == "" {
			return core.Errorf(core.CodeConfigInvalid, false, "config: provider %q has no template", name)
		}
	}
	if c.RulesFile == "" {
		return core.Errorf(core.CodeConfigInvalid, false, "config: rules_file is required")
	}
	if c.Loader.DefaultStrategy != "" {
		if _, err := core.ParseStrategy(c.Loader.DefaultStrategy); err != nil {
			return err
		}
	}
	enabled := 0
	if c.Backends.Postgres != nil {
		enabled++
		if c.Backends.Postgres.DSN == "" {
			return core.Errorf(core.CodeConfigInvalid, false, "config: postgres backend requires a dsn")
		}
	}
	if c.Backends.Archive != nil {
		enabled++
		if c.Backends.Archive.Root == "" {
			return core.Errorf(core.CodeConfigInvalid, false, "config: archive backend requires a root path")
		}
	}
	if c.Backends.Cache != nil {
		enabled++
	}
	if c.Backends.ObjectStore != nil {
		enabled++
		if c.Backends.ObjectStore.Bucket == "" {
			return core.Errorf(core.CodeConfigInvalid, false, "config: objectstore backend requires a bucket")
		}
	}
	if enabled == 0 {
		return core.Errorf(core.CodeConfigInvalid, false, "config: at least one backend must be enabled")
	}
	return nil
}

func envKey(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z':
			out = append(out, ch-'a'+'A')
		case ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			out = append(out, ch)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
