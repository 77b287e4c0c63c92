package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/streamwarden/backend/repo"
)

type channelJSON struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Enabled         bool      `json:"enabled"`
	DefaultCooldown int       `json:"default_cooldown"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toChannelJSON(ch *repo.Channel) channelJSON {
	return channelJSON{
		ID: ch.ID, Name: ch.Name, Enabled: ch.Enabled,
		DefaultCooldown: ch.DefaultCooldown, CreatedAt: ch.CreatedAt, UpdatedAt: ch.UpdatedAt,
	}
}

type commandJSON struct {
	Name            string   `json:"name"`
	Type            string   `json:"type"`
	Enabled         bool     `json:"enabled"`
	Response        string   `json:"response,omitempty"`
	CooldownSeconds int      `json:"cooldown_seconds"`
	MinRole         string   `json:"min_role"`
	Aliases         []string `json:"aliases,omitempty"`
}

func toCommandJSON(cc repo.CommandConfig) commandJSON {
	return commandJSON{
		Name: cc.Name, Type: string(cc.Type), Enabled: cc.Enabled, Response: cc.Response,
		CooldownSeconds: cc.CooldownSeconds, MinRole: string(cc.MinRole), Aliases: cc.Aliases,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

func writeRepoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case repo.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleChannelsList serves GET /channels.
func (h *Handlers) HandleChannelsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channels, err := h.Channels.ListEnabled(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]channelJSON, 0, len(channels))
	for i := range channels {
		out = append(out, toChannelJSON(&channels[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleChannelsDispatcher routes /channels/{id}[...]:
//
//	GET    /channels/{id}                 channel record
//	PATCH  /channels/{id}                 toggle enabled / set default cooldown
//	GET    /channels/{id}/commands        command list
//	PUT    /channels/{id}/commands        upsert a command
//	DELETE /channels/{id}/commands/{name} remove a custom command
//	GET    /channels/{id}/stats           current session stats
func (h *Handlers) HandleChannelsDispatcher(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/channels/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "missing channel id", http.StatusBadRequest)
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		h.handleChannel(w, r, id)
	case len(parts) == 2 && parts[1] == "commands":
		h.handleChannelCommands(w, r, id)
	case len(parts) == 3 && parts[1] == "commands":
		h.handleChannelCommand(w, r, id, parts[2])
	case len(parts) == 2 && parts[1] == "stats":
		h.handleChannelStats(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handlers) handleChannel(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		ch, err := h.Channels.Get(ctx, id)
		if err != nil {
			writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toChannelJSON(ch))

	case http.MethodPatch:
		var body struct {
			Enabled         *bool `json:"enabled"`
			DefaultCooldown *int  `json:"default_cooldown"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		var ch *repo.Channel
		var err error
		if body.Enabled != nil {
			if ch, err = h.Channels.SetEnabled(ctx, id, *body.Enabled); err != nil {
				writeRepoError(w, err)
				return
			}
		}
		if body.DefaultCooldown != nil {
			if ch, err = h.Channels.SetDefaultCooldown(ctx, id, *body.DefaultCooldown); err != nil {
				writeRepoError(w, err)
				return
			}
		}
		if ch == nil {
			http.Error(w, "nothing to update", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, toChannelJSON(ch))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleChannelCommands(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		list, err := h.Commands.List(ctx, id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := make([]commandJSON, 0, len(list))
		for _, cc := range list {
			out = append(out, toCommandJSON(cc))
		}
		writeJSON(w, http.StatusOK, out)

	case http.MethodPut, http.MethodPost:
		var body commandJSON
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		typ := repo.CommandType(body.Type)
		if body.Type == "" {
			typ = repo.CommandCustom
		}
		fresh, err := h.Commands.Upsert(ctx, repo.CommandConfig{
			ChannelID:       id,
			Name:            strings.ToLower(body.Name),
			Type:            typ,
			Enabled:         body.Enabled,
			Response:        body.Response,
			CooldownSeconds: body.CooldownSeconds,
			MinRole:         repo.Role(body.MinRole),
			Aliases:         body.Aliases,
		})
		if err != nil {
			writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toCommandJSON(*fresh))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleChannelCommand(w http.ResponseWriter, r *http.Request, id, name string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		cc, err := h.Commands.Get(ctx, id, strings.ToLower(name))
		if err != nil {
			writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toCommandJSON(*cc))

	case http.MethodDelete:
		if err := h.Commands.Delete(ctx, id, strings.ToLower(name)); err != nil {
			writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleChannelStats(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	top, err := h.Analytics.TopCommands(ctx, id, 10)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	topOut := make([]map[string]any, 0, len(top))
	for _, t := range top {
		topOut = append(topOut, map[string]any{"name": t.Name, "uses": t.Uses})
	}
	out := map[string]any{"live": false, "top_commands": topOut}

	s, err := h.Analytics.CurrentSession(ctx, id)
	if err == nil {
		out["live"] = true
		out["session_id"] = s.ID
		out["started_at"] = s.StartedAt
		if sum, err := h.Analytics.Summary(ctx, s.ID); err == nil {
			out["command_uses"] = sum.CommandUses
			out["unique_commands"] = sum.UniqueCommand
			out["events"] = sum.Events
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
