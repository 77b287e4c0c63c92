package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/onnwee/streamwarden/backend/coordinator"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports readiness: the database must answer and the cache
// coordinator must be past its warming phase. Degraded still counts as ready;
// stale cached values are servable.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.DB.PingContext(r.Context()) }},
		{"coordinator", func() error {
			switch s := h.State.CurrentState(); s {
			case coordinator.StateSteady, coordinator.StateDegraded:
				return nil
			default:
				return fmt.Errorf("coordinator %s", s)
			}
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports the coordinator state and joined channel count.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	channels, err := h.Channels.ListEnabled(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"coordinator":      string(h.State.CurrentState()),
		"enabled_channels": len(channels),
	}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
