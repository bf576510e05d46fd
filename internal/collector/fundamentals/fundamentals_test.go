package fundamentals_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/quantfabric/etl-core/internal/collector"
	_ "github.com/quantfabric/etl-core/internal/collector/fundamentals"
)

func TestFundamentals_Unit_FactoryRegistered(t *testing.T) {
	if _, ok := collector.DefaultRegistry().Get("fundamentals.statements"); !ok {
		t.Fatal("fundamentals.statements factory not registered")
	}
}

func TestFundamentals_Unit_ConfigValidation(t *testing.T) {
	registry := collector.DefaultRegistry()

	if _, err := registry.Create("fundamentals.statements", map[string]any{"api_key": "k"}); err == nil {
		t.Error("expected error without base_url")
	}
	if _, err := registry.Create("fundamentals.statements", map[string]any{"base_url": "https://x"}); err == nil {
		t.Error("expected error without api_key")
	}
}

// =====================================================================
// Pagination
// =====================================================================

func TestFundamentals_Unit_CollectWalksPages(t *testing.T) {
	statements := []map[string]any{
		{"report_date": "2025-12-31", "netIncome": 100.0, "totalRevenue": 900.0},
		{"report_date": "2025-09-30", "netIncome": 80.0, "totalRevenue": 850.0},
		{"report_date": "2025-06-30", "netIncome": 75.0, "totalRevenue": 820.0},
	}

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/statements" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("apikey"); got != "sekret" {
			t.Errorf("api key not sent: %q", got)
		}
		if got := r.URL.Query().Get("period"); got != "quarterly" {
			t.Errorf("default period not applied: %q", got)
		}

		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		end := offset + limit
		if end > len(statements) {
			end = len(statements)
		}
		page := map[string]any{"total": len(statements), "statements": statements[offset:end]}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(page)
	}))
	defer server.Close()

	col, err := collector.DefaultRegistry().Create("fundamentals.statements", map[string]any{
		"base_url":  server.URL,
		"api_key":   "sekret",
		"page_size": 2,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	result, err := col.Collect(context.Background(), &collector.CollectionRequest{EntityKeys: []string{"AAPL.US"}})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(result.KeyErrors) != 0 {
		t.Fatalf("unexpected key errors: %+v", result.KeyErrors)
	}
	if calls != 2 {
		t.Errorf("expected 2 page fetches for 3 statements at page_size 2, got %d", calls)
	}
	if len(result.Records) != 3 {
		t.Fatalf("expected 3 records across pages, got %d", len(result.Records))
	}

	rec := result.Records[0]
	if rec.Provider != "fundamentals.statements" || rec.EntityKey != "AAPL.US" {
		t.Errorf("record identity wrong: %+v", rec)
	}
	if rec.CapturedAt != time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC) {
		t.Errorf("report_date should drive capture time, got %s", rec.CapturedAt)
	}
	if rec.Payload["netIncome"] != 100.0 {
		t.Errorf("payload not carried: %v", rec.Payload["netIncome"])
	}
}

func TestFundamentals_Unit_EmptyResultSet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"total":0,"statements":[]}`))
	}))
	defer server.Close()

	col, err := collector.DefaultRegistry().Create("fundamentals.statements", map[string]any{
		"base_url": server.URL,
		"api_key":  "sekret",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	result, err := col.Collect(context.Background(), &collector.CollectionRequest{EntityKeys: []string{"NOPE.US"}})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(result.Records) != 0 || len(result.KeyErrors) != 0 {
		t.Errorf("empty result set should yield no records and no errors: %+v", result)
	}
	if result.Metrics.Succeeded != 1 || result.Metrics.Failed != 0 {
		t.Errorf("metrics wrong for empty set: %+v", result.Metrics)
	}
}
