package collector

import (
	"encoding/base64"
	"net/http"
	"net/url"
)

// =============================================================================
// AUTHENTICATION STRATEGIES
// Provider credentials are supplied via configuration, never hardcoded.
// =============================================================================

// AuthConfig applies provider authentication to an outbound request.
type AuthConfig interface {
	Apply(req *http.Request)
}

// NoAuth represents no authentication.
type NoAuth struct{}

func (a NoAuth) Apply(req *http.Request) {}

// APIKeyHeader sends an API key in a request header.
type APIKeyHeader struct {
	Key    string
	Header string // Header name (default: X-API-Key)
}

// Apply adds the API key header to the request.
func (a APIKeyHeader) Apply(req *http.Request) {
	if a.Key == "" {
		return
	}
	header := a.Header
	if header == "" {
		header = "X-API-Key"
	}
	req.Header.Set(header, a.Key)
}

// APIKeyQuery sends an API key as a query parameter, the common pattern for
// market-data APIs (e.g. api_token, apikey).
type APIKeyQuery struct {
	Key   string
	Param string // Query param name (default: api_token)
}

// Apply adds the API key query parameter to the request URL.
func (a APIKeyQuery) Apply(req *http.Request) {
	if a.Key == "" {
		return
	}
	param := a.Param
	if param == "" {
		param = "api_token"
	}
	query := req.URL.Query()
	query.Set(param, a.Key)
	req.URL.RawQuery = query.Encode()
}

// BearerToken uses Bearer token authentication.
type BearerToken struct {
	Token string
}

// Apply adds the Bearer token header to the request.
func (a BearerToken) Apply(req *http.Request) {
	if a.Token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
}

// BasicAuth uses HTTP Basic Authentication.
type BasicAuth struct {
	Username string
	Password string
}

// Apply adds the Basic auth header to the request.
func (a BasicAuth) Apply(req *http.Request) {
	if a.Username == "" && a.Password == "" {
		return
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
	req.Header.Set("Authorization", "Basic "+credentials)
}

// cloneQuery copies url.Values so shared request templates stay immutable.
func cloneQuery(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, v := range q {
		out[k] = append([]string(nil), v...)
	}
	return out
}
