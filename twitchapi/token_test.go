package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// rewriteTransport points hardcoded Twitch URLs at a test server.
type rewriteTransport struct {
	host string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(t.host, "http://")
	return http.DefaultTransport.RoundTrip(req)
}

func testClientFor(server *httptest.Server) *http.Client {
	return &http.Client{Transport: &rewriteTransport{host: server.URL}}
}

func TestAppTokenSourceCaches(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	defer server.Close()

	ts := &AppTokenSource{ClientID: "id", ClientSecret: "secret", HTTPClient: testClientFor(server)}
	ctx := context.Background()

	tok, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tok != "tok-1" {
		t.Errorf("Get() = %s, want tok-1", tok)
	}
	if _, err := ts.Get(ctx); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 token request, got %d", calls)
	}
}

func TestAppTokenSourceRefreshesNearExpiry(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-" + time.Now().Format("150405.000000000"),
			"expires_in":   1, // inside the 60s freshness buffer
			"token_type":   "bearer",
		})
	}))
	defer server.Close()

	ts := &AppTokenSource{ClientID: "id", ClientSecret: "secret", HTTPClient: testClientFor(server)}
	if _, err := ts.Get(context.Background()); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, err := ts.Get(context.Background()); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 token requests for near-expiry token, got %d", calls)
	}
}

func TestAppTokenSourceMissingCredentials(t *testing.T) {
	ts := &AppTokenSource{}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Error("Get() with missing credentials should return error")
	}
}

func TestAppTokenSourceServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer server.Close()

	ts := &AppTokenSource{ClientID: "bad", ClientSecret: "bad", HTTPClient: testClientFor(server)}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Error("Get() with server error should return error")
	}
}

func TestAppTokenSourceEmptyToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "", "expires_in": 3600})
	}))
	defer server.Close()

	ts := &AppTokenSource{ClientID: "id", ClientSecret: "secret", HTTPClient: testClientFor(server)}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Error("Get() with empty access_token should return error")
	}
}
