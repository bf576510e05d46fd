// Package marketdata implements the end-of-day quote collector. The provider
// exposes a JSON REST API keyed by ticker with an api_token query parameter
// and a documented per-minute call budget.
package marketdata

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/quantfabric/etl-core/internal/collector"
	"github.com/quantfabric/etl-core/internal/core"
)

const dateLayout = "2006-01-02"

// Config holds the quote provider settings.
type Config struct {
	BaseURL   string
	APIKey    string
	Priority  int
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
		return nil, core.Errorf(core.CodeConfigInvalid, false, "marketdata: base_url is required")
	}
	if cfg.APIKey == "" {
		return nil, core.Errorf(core.CodeConfigInvalid, false, "marketdata: api_key is required")
	}
	cfg.Priority = collector.IntParam(config, 10, "priority")
	cfg.RateLimit = collector.RateLimitConfig{
		Calls:   collector.IntParam(config, 60, "rate_calls"),
		Window:  collector.DurationParam(config, time.Minute, "rate_window"),
		MaxWait: collector.DurationParam(config, 30*time.Second, "rate_max_wait"),
	}
	cfg.Retry = core.RetryPolicy{
		MaxAttempts: collector.IntParam(config, 3, "retry_max_attempts"),
		BackoffBase: collector.DurationParam(config, 200*time.Millisecond, "retry_backoff_base"),
	}
	return cfg, nil
}

// Quotes collects end-of-day bars for entity keys (tickers).
type Quotes struct {
	*collector.Base
	client *collector.Client
}

// New creates the quote collector.
func New(config map[string]any) (collector.Collector, error) {
	cfg, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}

	q := &Quotes{}
	q.client = collector.NewClient(&collector.ClientConfig{
		BaseURL: cfg.BaseURL,
		Auth:    collector.APIKeyQuery{Key: cfg.APIKey},
		Limiter: collector.NewRateLimiter(cfg.RateLimit),
	})
	q.Base = collector.NewBase(collector.BaseConfig{
		Name:     "marketdata.quotes",
		Priority: cfg.Priority,
		Retry:    cfg.Retry,
	}, q.fetch)
	return q, nil
}

// bar mirrors the provider's end-of-day response rows.
type bar struct {
	Date     string  `json:"date"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	AdjClose float64 `json:"adjusted_close"`
	Volume   int64   `json:"volume"`
}

func (q *Quotes) fetch(ctx context.Context, key string, window collector.TimeWindow, opts map[string]string) ([]core.RawRecord, error) {
	query := url.Values{}
	query.Set("fmt", "json")
	if !window.From.IsZero() {
		query.Set("from", window.From.UTC().Format(dateLayout))
	}
	if !window.To.IsZero() {
		query.Set("to", window.To.UTC().Format(dateLayout))
	}
	if interval := opts["interval"]; interval != "" {
		query.Set("period", interval)
	}

	requestID := uuid.NewString()
	resp, err := q.client.Get(ctx, "/eod/"+url.PathEscape(key), query)
	if err != nil {
		return nil, err
	}

	var bars []bar
	if err := resp.JSON(&bars); err != nil {
		return nil, core.NewError(core.CodeAuthOrValidation, false,
			fmt.Errorf("decode eod response for %s: %w", key, err))
	}

	records := make([]core.RawRecord, 0, len(bars))
	for _, b := range bars {
		capturedAt, err := time.Parse(dateLayout, b.Date)
		if err != nil {
			continue
		}
		records = append(records, core.RawRecord{
			Provider:   q.Name(),
			EntityKey:  key,
			CapturedAt: capturedAt.UTC(),
			Payload: map[string]any{
				"date":           b.Date,
				"open":           b.Open,
				"high":           b.High,
				"low":            b.Low,
				"close":          b.Close,
				"adjusted_close": b.AdjClose,
				"volume":         b.Volume,
			},
			Source: core.Provenance{SourceName: q.Name(), RequestID: requestID},
		})
	}
	return records, nil
}
