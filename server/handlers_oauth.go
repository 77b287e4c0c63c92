package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/streamwarden/backend/twitchapi"
)

// HandleOAuthStart begins broadcaster onboarding by redirecting to Twitch.
func (h *Handlers) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.OAuth == nil || h.OAuth.ClientID == "" || h.OAuth.RedirectURL == "" {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", 500)
		return
	}
	st := hex.EncodeToString(b)
	h.addOAuthState(st, time.Now().Add(10*time.Minute))
	http.Redirect(w, r, h.OAuth.AuthCodeURL(st), http.StatusFound)
}

// HandleOAuthCallback finishes onboarding: it exchanges the code, resolves the
// authorizing user, stores their token, and enables their channel with the
// default command set seeded.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", 400)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", 400)
		return
	}
	ctx := r.Context()

	tok, err := twitchapi.ExchangeAuthCode(ctx, h.OAuth, code)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	user, err := h.Helix.GetUserForToken(ctx, tok.AccessToken)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	scopes := twitchapi.TokenScopes(tok)
	if _, err := h.Tokens.Upsert(ctx, user.ID, tok.AccessToken, tok.RefreshToken, scopes,
		twitchapi.ComputeExpiry(tok.Expiry)); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if _, err := h.Channels.Upsert(ctx, user.ID, user.Login, true); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if err := h.Commands.EnsureDefaults(ctx, user.ID); err != nil {
		slog.Warn("default command seed failed", slog.String("channel_id", user.ID), slog.Any("err", err))
	}

	slog.Info("channel onboarded", slog.String("channel_id", user.ID), slog.String("login", user.Login))
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"channel": user.Login,
		"scopes":  scopes,
	}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
