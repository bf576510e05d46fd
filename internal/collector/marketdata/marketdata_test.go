package marketdata_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quantfabric/etl-core/internal/collector"
	"github.com/quantfabric/etl-core/internal/core"
	_ "github.com/quantfabric/etl-core/internal/collector/marketdata"
)

func TestMarketdata_Unit_FactoryRegistered(t *testing.T) {
	if _, ok := collector.DefaultRegistry().Get("marketdata.quotes"); !ok {
		t.Fatal("marketdata.quotes factory not registered")
	}
}

func TestMarketdata_Unit_ConfigValidation(t *testing.T) {
	registry := collector.DefaultRegistry()

	if _, err := registry.Create("marketdata.quotes", map[string]any{"api_key": "k"}); err == nil {
		t.Error("expected error without base_url")
	}
	if _, err := registry.Create("marketdata.quotes", map[string]any{"base_url": "https://x"}); err == nil {
		t.Error("expected error without api_key")
	}
}

func TestMarketdata_Unit_CollectParsesBars(t *testing.T) {
	var gotToken, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.URL.Query().Get("api_token")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"date":"2026-03-02","open":100,"high":105,"low":99,"close":104.5,"adjusted_close":104.5,"volume":120000},
			{"date":"2026-03-03","open":104,"high":110,"low":103,"close":109,"adjusted_close":109,"volume":98000}
		]`))
	}))
	defer server.Close()

	col, err := collector.DefaultRegistry().Create("marketdata.quotes", map[string]any{
		"base_url": server.URL,
		"api_key":  "sekret",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	result, err := col.Collect(context.Background(), &collector.CollectionRequest{
		EntityKeys: []string{"AAPL.US"},
		Window: collector.TimeWindow{
			From: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			To:   time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		},
	})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	if gotToken != "sekret" {
		t.Errorf("api token not sent: %q", gotToken)
	}
	if gotPath != "/eod/AAPL.US" {
		t.Errorf("unexpected path: %q", gotPath)
	}
	if len(result.Records) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(result.Records))
	}

	rec := result.Records[0]
	if rec.Provider != "marketdata.quotes" || rec.EntityKey != "AAPL.US" {
		t.Errorf("record identity wrong: %+v", rec)
	}
	if rec.CapturedAt != time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) {
		t.Errorf("capture date wrong: %s", rec.CapturedAt)
	}
	if rec.Payload["close"] != 104.5 {
		t.Errorf("close not carried: %v", rec.Payload["close"])
	}
	if rec.Source.RequestID == "" {
		t.Error("provenance request id missing")
	}
}

func TestMarketdata_Unit_MalformedResponseIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>login required</html>`))
	}))
	defer server.Close()

	col, err := collector.DefaultRegistry().Create("marketdata.quotes", map[string]any{
		"base_url":           server.URL,
		"api_key":            "sekret",
		"retry_max_attempts": 1,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	result, err := col.Collect(context.Background(), &collector.CollectionRequest{EntityKeys: []string{"AAPL.US"}})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(result.KeyErrors) != 1 {
		t.Fatalf("expected a key error for the malformed body, got %+v", result.KeyErrors)
	}
	if result.KeyErrors[0].Code != core.CodeAuthOrValidation {
		t.Errorf("malformed body should be fatal, got %s", result.KeyErrors[0].Code)
	}
}
