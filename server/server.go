// Package server exposes the HTTP API: health, status, metrics, the Twitch
// OAuth onboarding flow, and channel/command management used by the dashboard.
// It includes permissive CORS for development and injects correlation IDs into
// request contexts for consistent logging.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"

	"github.com/onnwee/streamwarden/backend/coordinator"
	"github.com/onnwee/streamwarden/backend/repo"
	"github.com/onnwee/streamwarden/backend/telemetry"
	"github.com/onnwee/streamwarden/backend/twitchapi"
)

// ChannelStore is the channel surface the API serves.
type ChannelStore interface {
	Get(ctx context.Context, id string) (*repo.Channel, error)
	ListEnabled(ctx context.Context) ([]repo.Channel, error)
	Upsert(ctx context.Context, id, name string, enabled bool) (*repo.Channel, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (*repo.Channel, error)
	SetDefaultCooldown(ctx context.Context, id string, seconds int) (*repo.Channel, error)
}

// CommandStore is the command-config surface the API serves.
type CommandStore interface {
	Get(ctx context.Context, channelID, name string) (*repo.CommandConfig, error)
	List(ctx context.Context, channelID string) ([]repo.CommandConfig, error)
	Upsert(ctx context.Context, cfg repo.CommandConfig) (*repo.CommandConfig, error)
	Delete(ctx context.Context, channelID, name string) error
	EnsureDefaults(ctx context.Context, channelID string) error
}

// AnalyticsStore backs the stats endpoint.
type AnalyticsStore interface {
	CurrentSession(ctx context.Context, channelID string) (*repo.Session, error)
	Summary(ctx context.Context, sessionID string) (*repo.SessionSummary, error)
	TopCommands(ctx context.Context, channelID string, limit int) ([]repo.CommandCount, error)
}

// TokenStore persists tokens from the OAuth callback.
type TokenStore interface {
	Upsert(ctx context.Context, userID, access, refresh, scope string, expiresAt time.Time) (*repo.Token, error)
}

// StateSource reports the cache coordinator's lifecycle phase.
type StateSource interface {
	CurrentState() coordinator.State
}

// Pinger is the liveness slice of *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handlers carries the API's dependencies.
type Handlers struct {
	DB        Pinger
	Channels  ChannelStore
	Commands  CommandStore
	Analytics AnalyticsStore
	Tokens    TokenStore
	State     StateSource
	Helix     *twitchapi.Client
	OAuth     *oauth2.Config

	stateMu    sync.Mutex
	stateStore map[string]time.Time // oauth state -> expiry
}

func (h *Handlers) addOAuthState(st string, exp time.Time) {
	h.stateMu.Lock()
	if h.stateStore == nil {
		h.stateStore = map[string]time.Time{}
	}
	// Drop expired states while we're here.
	now := time.Now()
	for k, v := range h.stateStore {
		if now.After(v) {
			delete(h.stateStore, k)
		}
	}
	h.stateStore[st] = exp
	h.stateMu.Unlock()
}

func (h *Handlers) consumeOAuthState(st string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[st]
	if !ok {
		return false
	}
	delete(h.stateStore, st)
	return time.Now().Before(exp)
}

// NewMux returns the HTTP handler with all routes.
func NewMux(h *Handlers) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/auth/twitch/start", h.HandleOAuthStart)
	mux.HandleFunc("/auth/twitch/callback", h.HandleOAuthCallback)

	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)

	mux.HandleFunc("/channels", h.HandleChannelsList)
	mux.HandleFunc("/channels/", h.HandleChannelsDispatcher)

	// Wrap with correlation ID injector and tracing middleware.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))
		if rec.statusCode >= 500 {
			telemetry.RecordError(span, fmt.Errorf("HTTP %d", rec.statusCode))
		}
	})
	return withCORS(handler)
}

// statusRecorder wraps ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, h *Handlers, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(h),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
