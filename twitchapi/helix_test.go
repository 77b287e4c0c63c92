package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func helixTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "app-token",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	})
	mux.HandleFunc("/helix/", handler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	hc := testClientFor(server)
	return &Client{
		ClientID:   "client-id",
		Tokens:     &AppTokenSource{ClientID: "client-id", ClientSecret: "secret", HTTPClient: hc},
		HTTPClient: hc,
	}
}

func TestGetUsers(t *testing.T) {
	c := helixTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Client-Id"); got != "client-id" {
			t.Errorf("Client-Id header = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer app-token" {
			t.Errorf("Authorization header = %q", got)
		}
		if got := r.URL.Query()["login"]; len(got) != 2 {
			t.Errorf("login params = %v, want two", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{
				{"id": "1", "login": "alice", "display_name": "Alice"},
				{"id": "2", "login": "bob", "display_name": "Bob"},
			},
		})
	})

	users, err := c.GetUsers(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("GetUsers: %v", err)
	}
	if len(users) != 2 || users[0].DisplayName != "Alice" {
		t.Fatalf("GetUsers = %+v", users)
	}
}

func TestGetUsersNoLogins(t *testing.T) {
	c := helixTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty login list")
	})
	users, err := c.GetUsers(context.Background())
	if err != nil || users != nil {
		t.Fatalf("GetUsers() = %v, %v; want nil, nil", users, err)
	}
}

func TestGetStreamOffline(t *testing.T) {
	c := helixTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	})
	s, err := c.GetStream(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if s != nil {
		t.Fatalf("GetStream offline = %+v, want nil", s)
	}
}

func TestGetStreamLive(t *testing.T) {
	c := helixTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "s1", "user_id": "1", "user_login": "alice", "title": "hi", "started_at": "2026-08-25T12:00:00Z"},
			},
		})
	})
	s, err := c.GetStream(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if s == nil || s.ID != "s1" || s.StartedAt.IsZero() {
		t.Fatalf("GetStream = %+v", s)
	}
}

func TestGetUserForToken(t *testing.T) {
	c := helixTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer user-token" {
			t.Errorf("Authorization header = %q, want user token", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"id": "42", "login": "owner", "display_name": "Owner"}},
		})
	})
	u, err := c.GetUserForToken(context.Background(), "user-token")
	if err != nil {
		t.Fatalf("GetUserForToken: %v", err)
	}
	if u.ID != "42" {
		t.Fatalf("user = %+v", u)
	}
}
