package collector_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/quantfabric/etl-core/internal/collector"
	"github.com/quantfabric/etl-core/internal/core"
)

func TestClient_Unit_GetDecodesJSON(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbol":"AAPL","close":189.5}`))
	}))
	defer server.Close()

	client := collector.NewClient(&collector.ClientConfig{
		BaseURL: server.URL,
		Auth:    collector.APIKeyHeader{Key: "sekret"},
	})

	resp, err := client.Get(context.Background(), "/quote", url.Values{"fmt": {"json"}})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var payload struct {
		Symbol string  `json:"symbol"`
		Close  float64 `json:"close"`
	}
	if err := resp.JSON(&payload); err != nil {
		t.Fatalf("JSON decode failed: %v", err)
	}
	if payload.Symbol != "AAPL" || payload.Close != 189.5 {
		t.Errorf("unexpected payload: %+v", payload)
	}
	if gotAuth != "sekret" {
		t.Errorf("auth header not applied, got %q", gotAuth)
	}
}

func TestClient_Unit_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer server.Close()

	client := collector.NewClient(&collector.ClientConfig{BaseURL: server.URL})
	_, err := client.Get(context.Background(), "/quote", nil)
	if err == nil {
		t.Fatal("expected error for 502")
	}
	code, retryable := core.Classify(err)
	if code != core.CodeTransientProvider || !retryable {
		t.Errorf("5xx should be transient retryable, got %s/%v", code, retryable)
	}
}

func TestClient_Unit_ThrottleIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := collector.NewClient(&collector.ClientConfig{BaseURL: server.URL})
	_, err := client.Get(context.Background(), "/quote", nil)
	code, retryable := core.Classify(err)
	if code != core.CodeTransientProvider || !retryable {
		t.Errorf("429 should be transient retryable, got %s/%v", code, retryable)
	}
}

func TestClient_Unit_ClientErrorIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api token", http.StatusForbidden)
	}))
	defer server.Close()

	client := collector.NewClient(&collector.ClientConfig{BaseURL: server.URL})
	_, err := client.Get(context.Background(), "/quote", nil)
	code, retryable := core.Classify(err)
	if code != core.CodeAuthOrValidation || retryable {
		t.Errorf("4xx should be fatal, got %s/%v", code, retryable)
	}
}

func TestAuth_Unit_Strategies(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/data?x=1", nil)

	collector.BearerToken{Token: "tok"}.Apply(req)
	if got := req.Header.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("bearer auth: %q", got)
	}

	req, _ = http.NewRequest(http.MethodGet, "https://api.example.com/data?x=1", nil)
	collector.APIKeyQuery{Key: "sekret"}.Apply(req)
	if got := req.URL.Query().Get("api_token"); got != "sekret" {
		t.Errorf("query auth: %q", got)
	}
	if got := req.URL.Query().Get("x"); got != "1" {
		t.Error("query auth dropped existing parameters")
	}

	req, _ = http.NewRequest(http.MethodGet, "https://api.example.com/data", nil)
	collector.BasicAuth{Username: "u", Password: "p"}.Apply(req)
	if user, pass, ok := req.BasicAuth(); !ok || user != "u" || pass != "p" {
		t.Error("basic auth not applied")
	}
}
