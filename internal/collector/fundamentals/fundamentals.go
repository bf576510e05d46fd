// Package fundamentals implements the company-fundamentals collector. The
// provider serves paged quarterly statements per symbol; pages are walked
// with offset/limit parameters under the shared call budget.
package fundamentals

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/quantfabric/etl-core/internal/collector"
	"github.com/quantfabric/etl-core/internal/core"
)

// Config holds the fundamentals provider settings.
type Config struct {
	BaseURL   string
	APIKey    string
	Priority  int
	PageSize  int
	RateLimit collector.RateLimitConfig
	Retry     core.RetryPolicy
}

// ParseConfig extracts provider settings from a generic config map.
func ParseConfig(config map[string]any) (*Config, error) {
	cfg := &Config{
		BaseURL: collector.StringParam(config, "base_url", "baseUrl"),
		APIKey:  collector.StringParam(config, "api_key", "apiKey"),
	}
	if cfg.BaseURL == "" {
		return nil, core.Errorf(core.CodeConfigInvalid, false, "fundamentals: base_url is required")
	}
	if cfg.APIKey == "" {
		return nil, core.Errorf(core.CodeConfigInvalid, false, "fundamentals: api_key is required")
	}
	cfg.Priority = collector.IntParam(config, 20, "priority")
	cfg.PageSize = collector.IntParam(config, 100, "page_size")
	cfg.RateLimit = collector.RateLimitConfig{
		Calls:   collector.IntParam(config, 5, "rate_calls"),
		Window:  collector.DurationParam(config, time.Minute, "rate_window"),
		MaxWait: collector.DurationParam(config, time.Minute, "rate_max_wait"),
	}
	cfg.Retry = core.RetryPolicy{
		MaxAttempts: collector.IntParam(config, 3, "retry_max_attempts"),
		BackoffBase: collector.DurationParam(config, 500*time.Millisecond, "retry_backoff_base"),
	}
	return cfg, nil
}

// Statements collects quarterly financial statements for entity keys.
type Statements struct {
	*collector.Base
	client   *collector.Client
	pageSize int
}

// New creates the fundamentals collector.
func New(config map[string]any) (collector.Collector, error) {
	cfg, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}

	s := &Statements{pageSize: cfg.PageSize}
	s.client = collector.NewClient(&collector.ClientConfig{
		BaseURL: cfg.BaseURL,
		Auth:    collector.APIKeyQuery{Key: cfg.APIKey, Param: "apikey"},
		Limiter: collector.NewRateLimiter(cfg.RateLimit),
	})
	s.Base = collector.NewBase(collector.BaseConfig{
		Name:     "fundamentals.statements",
		Priority: cfg.Priority,
		Retry:    cfg.Retry,
	}, s.fetch)
	return s, nil
}

// statementsPage mirrors the provider's paged statements response.
type statementsPage struct {
	Total      int              `json:"total"`
	Statements []map[string]any `json:"statements"`
}

func (s *Statements) fetch(ctx context.Context, key string, window collector.TimeWindow, opts map[string]string) ([]core.RawRecord, error) {
	requestID := uuid.NewString()
	period := opts["period"]
	if period == "" {
		period = "quarterly"
	}

	var records []core.RawRecord
	offset := 0
	for {
		query := url.Values{}
		query.Set("symbol", key)
		query.Set("period", period)
		query.Set("offset", strconv.Itoa(offset))
		query.Set("limit", strconv.Itoa(s.pageSize))
		if !window.From.IsZero() {
			query.Set("from", window.From.UTC().Format("2006-01-02"))
		}
		if !window.To.IsZero() {
			query.Set("to", window.To.UTC().Format("2006-01-02"))
		}

		resp, err := s.client.Get(ctx, "/statements", query)
		if err != nil {
			return nil, err
		}

		var page statementsPage
		if err := resp.JSON(&page); err != nil {
			return nil, core.NewError(core.CodeAuthOrValidation, false,
				fmt.Errorf("decode statements response for %s: %w", key, err))
		}

		for _, stmt := range page.Statements {
			capturedAt := time.Now().UTC()
			if raw, ok := stmt["report_date"].(string); ok {
				if parsed, err := time.Parse("2006-01-02", raw); err == nil {
					capturedAt = parsed.UTC()
				}
			}
			records = append(records, core.RawRecord{
				Provider:   s.Name(),
				EntityKey:  key,
				CapturedAt: capturedAt,
				Payload:    stmt,
				Source:     core.Provenance{SourceName: s.Name(), RequestID: requestID},
			})
		}

		offset += len(page.Statements)
		if len(page.Statements) == 0 || offset >= page.Total {
			return records, nil
		}
	}
}
