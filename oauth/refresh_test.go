package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/streamwarden/backend/repo"
)

type fakeTokenStore struct {
	expiring []repo.Token
	listErr  error
	upserts  []repo.Token
}

func (f *fakeTokenStore) ListExpiring(context.Context, time.Duration) ([]repo.Token, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.expiring, nil
}

func (f *fakeTokenStore) Upsert(_ context.Context, userID, access, refresh, scope string, expiresAt time.Time) (*repo.Token, error) {
	t := repo.Token{UserID: userID, AccessToken: access, RefreshToken: refresh, Scope: scope, ExpiresAt: expiresAt}
	f.upserts = append(f.upserts, t)
	return &t, nil
}

func TestSweepRotatesExpiringTokens(t *testing.T) {
	store := &fakeTokenStore{expiring: []repo.Token{
		{UserID: "1", RefreshToken: "rt-1", Scope: "chat:read"},
		{UserID: "2", RefreshToken: "rt-2", Scope: "chat:read"},
	}}
	expiry := time.Now().Add(4 * time.Hour)
	r := &Refresher{
		Tokens: store,
		Refresh: func(_ context.Context, rt string) (string, string, time.Time, string, error) {
			return "new-" + rt, "rotated-" + rt, expiry, "", nil
		},
	}

	r.sweep(context.Background())

	if len(store.upserts) != 2 {
		t.Fatalf("upserts = %d, want 2", len(store.upserts))
	}
	got := store.upserts[0]
	if got.AccessToken != "new-rt-1" || got.RefreshToken != "rotated-rt-1" {
		t.Fatalf("upsert = %+v", got)
	}
	// Empty scope from the exchange keeps the stored one.
	if got.Scope != "chat:read" {
		t.Fatalf("scope = %q, want chat:read preserved", got.Scope)
	}
}

func TestSweepKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	store := &fakeTokenStore{expiring: []repo.Token{{UserID: "1", RefreshToken: "rt-1"}}}
	r := &Refresher{
		Tokens: store,
		Refresh: func(context.Context, string) (string, string, time.Time, string, error) {
			return "new-access", "", time.Now().Add(time.Hour), "", nil
		},
	}
	r.sweep(context.Background())
	if len(store.upserts) != 1 || store.upserts[0].RefreshToken != "rt-1" {
		t.Fatalf("upserts = %+v, want original refresh token kept", store.upserts)
	}
}

func TestSweepSkipsFailedExchange(t *testing.T) {
	store := &fakeTokenStore{expiring: []repo.Token{
		{UserID: "1", RefreshToken: "bad"},
		{UserID: "2", RefreshToken: "good"},
	}}
	r := &Refresher{
		Tokens: store,
		Refresh: func(_ context.Context, rt string) (string, string, time.Time, string, error) {
			if rt == "bad" {
				return "", "", time.Time{}, "", errors.New("invalid_grant")
			}
			return "new", rt, time.Now().Add(time.Hour), "", nil
		},
	}
	r.sweep(context.Background())
	if len(store.upserts) != 1 || store.upserts[0].UserID != "2" {
		t.Fatalf("upserts = %+v, want only user 2", store.upserts)
	}
}

func TestSweepToleratesListFailure(t *testing.T) {
	r := &Refresher{
		Tokens: &fakeTokenStore{listErr: errors.New("db down")},
		Refresh: func(context.Context, string) (string, string, time.Time, string, error) {
			t.Error("refresh should not be called when the scan fails")
			return "", "", time.Time{}, "", nil
		},
	}
	r.sweep(context.Background())
}

func TestRunStopsOnCancel(t *testing.T) {
	r := &Refresher{
		Tokens:   &fakeTokenStore{},
		Interval: 10 * time.Millisecond,
		Refresh: func(context.Context, string) (string, string, time.Time, string, error) {
			return "", "", time.Time{}, "", nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
