package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pmoraes/chat-backend/internal/config"
	"github.com/pmoraes/chat-backend/internal/domain"
	"github.com/pmoraes/chat-backend/internal/history"
	"github.com/pmoraes/chat-backend/internal/memory"
	"github.com/pmoraes/chat-backend/internal/ratelimit"
	"github.com/pmoraes/chat-backend/internal/registry"
	"github.com/pmoraes/chat-backend/internal/session"
)

// RuntimeInfo carries the deployment facts that do not change after startup.
// The live parts of the runtime report (registered providers, default) are
// read from the registry on each request.
type RuntimeInfo struct {
	MemoryBackend      string
	MemoryDefaultLimit int
	MemoryMaxLimit     int
	HistoryBackend     string
	DefaultModel       string
}

type AdminConfig struct {
	// Token guards every admin endpoint. Empty disables the admin API
	// with a 503 rather than leaving it open.
	Token string

	Bypass   *ratelimit.BypassStore
	Sessions *session.Store
	Memory   memory.Store
	History  history.Store
	Registry *registry.Registry
	Runtime  RuntimeInfo

	// ConfigPath is the YAML file read and written by the config
	// endpoints.
	ConfigPath string
}

type AdminHandler struct {
	tokenHash []byte

	bypass   *ratelimit.BypassStore
	sessions *session.Store
	memory   memory.Store
	history  history.Store
	registry *registry.Registry
	runtime  RuntimeInfo

	configPath string

	mux *http.ServeMux
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	h := &AdminHandler{
		bypass:     cfg.Bypass,
		sessions:   cfg.Sessions,
		memory:     cfg.Memory,
		history:    cfg.History,
		registry:   cfg.Registry,
		runtime:    cfg.Runtime,
		configPath: cfg.ConfigPath,
		mux:        http.NewServeMux(),
	}

	if cfg.Token != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Token), bcrypt.DefaultCost)
		if err != nil {
			// Only reachable with a token longer than 72 bytes.
			slog.Error("admin token hashing failed, admin API disabled", "error", err)
		} else {
			h.tokenHash = hash
		}
	}

	h.mux.HandleFunc("GET /admin/rate-limit/bypass", h.listBypass)
	h.mux.HandleFunc("POST /admin/rate-limit/bypass", h.addBypass)
	h.mux.HandleFunc("DELETE /admin/rate-limit/bypass/{ip}", h.removeBypass)
	h.mux.HandleFunc("GET /admin/runtime", h.runtimeReport)
	h.mux.HandleFunc("GET /admin/sessions", h.listActiveSessions)
	h.mux.HandleFunc("GET /admin/sessions/{id}/messages", h.activeSessionMessages)
	h.mux.HandleFunc("GET /admin/history/sessions", h.listHistorySessions)
	h.mux.HandleFunc("GET /admin/history/sessions/{id}/messages", h.historySessionMessages)
	h.mux.HandleFunc("GET /admin/config", h.getConfig)
	h.mux.HandleFunc("PUT /admin/config", h.putConfig)

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	h.mux.ServeHTTP(w, r)
}

// authorize validates the X-Admin-Token header. The configured token is held
// only as a bcrypt hash so a memory dump never yields the credential.
func (h *AdminHandler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if len(h.tokenHash) == 0 {
		writeError(w, r, http.StatusServiceUnavailable, "admin_disabled",
			"Admin endpoints are unavailable because ADMIN_TOKEN is not configured.", nil)
		return false
	}

	token := r.Header.Get("X-Admin-Token")
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, "missing_admin_token",
			"Admin token header is required.", nil)
		return false
	}
	if bcrypt.CompareHashAndPassword(h.tokenHash, []byte(token)) != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid_admin_token",
			"Provided admin token is invalid.", nil)
		return false
	}
	return true
}

func (h *AdminHandler) listBypass(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.bypass.List())
}

type bypassEntry struct {
	IP string `json:"ip"`
}

func (h *AdminHandler) addBypass(w http.ResponseWriter, r *http.Request) {
	var entry bypassEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", "Request body is not valid JSON.", nil)
		return
	}

	ip, err := h.bypass.Add(entry.IP)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_ip", err.Error(), nil)
		return
	}

	slog.Info("bypass entry added", "ip", ip)
	writeJSON(w, http.StatusCreated, bypassEntry{IP: ip})
}

func (h *AdminHandler) removeBypass(w http.ResponseWriter, r *http.Request) {
	removed, err := h.bypass.Remove(r.PathValue("ip"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_ip", err.Error(), nil)
		return
	}
	if !removed {
		writeError(w, r, http.StatusNotFound, "bypass_not_found", "Bypass entry was not found.", nil)
		return
	}

	slog.Info("bypass entry removed", "ip", r.PathValue("ip"))
	w.WriteHeader(http.StatusNoContent)
}

type runtimeProviderInfo struct {
	Default      string   `json:"default"`
	Available    []string `json:"available"`
	DefaultModel string   `json:"default_model,omitempty"`
}

type runtimeMemoryInfo struct {
	Backend      string `json:"backend"`
	DefaultLimit int    `json:"default_limit"`
	MaxLimit     int    `json:"max_limit"`
}

type runtimeHistoryInfo struct {
	Backend string `json:"backend"`
}

type runtimeReport struct {
	Provider runtimeProviderInfo `json:"provider"`
	Memory   runtimeMemoryInfo   `json:"memory"`
	History  runtimeHistoryInfo  `json:"history"`
}

func (h *AdminHandler) runtimeReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, runtimeReport{
		Provider: runtimeProviderInfo{
			Default:      h.registry.Default(),
			Available:    h.registry.Names(),
			DefaultModel: h.runtime.DefaultModel,
		},
		Memory: runtimeMemoryInfo{
			Backend:      h.runtime.MemoryBackend,
			DefaultLimit: h.runtime.MemoryDefaultLimit,
			MaxLimit:     h.runtime.MemoryMaxLimit,
		},
		History: runtimeHistoryInfo{
			Backend: h.runtime.HistoryBackend,
		},
	})
}

func (h *AdminHandler) listActiveSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.List())
}

func (h *AdminHandler) activeSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.sessions.Get(id); err != nil {
		writeError(w, r, http.StatusNotFound, "session_not_found", err.Error(), nil)
		return
	}

	messages, err := h.memory.Get(r.Context(), id)
	if err != nil {
		slog.Error("memory read failed", "session_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to load session memory.", nil)
		return
	}
	writeJSON(w, http.StatusOK, toPayloads(messages))
}

// maxPageSize bounds admin pagination so one request can never pull the
// whole transcript store.
const maxPageSize = 200

// pagination parses and validates limit/offset query parameters, writing the
// error response itself on invalid input.
func pagination(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit, offset = 50, 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_limit", "Limit must be an integer.", nil)
			return 0, 0, false
		}
		limit = n
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_offset", "Offset must be an integer.", nil)
			return 0, 0, false
		}
		offset = n
	}

	if limit < 1 {
		writeError(w, r, http.StatusBadRequest, "invalid_limit", "Limit must be at least 1.", nil)
		return 0, 0, false
	}
	if limit > maxPageSize {
		writeError(w, r, http.StatusBadRequest, "invalid_limit",
			fmt.Sprintf("Limit cannot exceed %d records per request.", maxPageSize), nil)
		return 0, 0, false
	}
	if offset < 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_offset", "Offset cannot be negative.", nil)
		return 0, 0, false
	}
	return limit, offset, true
}

type historySessionsResponse struct {
	Sessions []*domain.Session `json:"sessions"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
	Count    int               `json:"count"`
}

func (h *AdminHandler) listHistorySessions(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	sessions, err := h.history.ListSessions(r.Context(), limit, offset)
	if err != nil {
		slog.Error("history list failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to list stored sessions.", nil)
		return
	}

	if sessions == nil {
		sessions = []*domain.Session{}
	}
	writeJSON(w, http.StatusOK, historySessionsResponse{
		Sessions: sessions,
		Limit:    limit,
		Offset:   offset,
		Count:    len(sessions),
	})
}

type storedMessagePayload struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	StoredAt  time.Time `json:"stored_at"`
}

type historyMessagesResponse struct {
	SessionID string                 `json:"session_id"`
	Messages  []storedMessagePayload `json:"messages"`
	Limit     int                    `json:"limit"`
	Offset    int                    `json:"offset"`
	Count     int                    `json:"count"`
}

func (h *AdminHandler) historySessionMessages(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	messages, err := h.history.SessionMessages(r.Context(), id, limit, offset)
	if err != nil {
		slog.Error("history messages read failed", "session_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to load stored messages.", nil)
		return
	}

	payload := historyMessagesResponse{
		SessionID: id,
		Messages:  make([]storedMessagePayload, 0, len(messages)),
		Limit:     limit,
		Offset:    offset,
		Count:     len(messages),
	}
	for _, message := range messages {
		payload.Messages = append(payload.Messages, storedMessagePayload{
			Role:      message.Role,
			Content:   message.Content,
			CreatedAt: message.CreatedAt,
			StoredAt:  message.StoredAt,
		})
	}
	writeJSON(w, http.StatusOK, payload)
}

type configResponse struct {
	Config          map[string]any `json:"config"`
	FilePath        string         `json:"file_path"`
	AvailableFields []string       `json:"available_fields"`
}

func (h *AdminHandler) getConfig(w http.ResponseWriter, r *http.Request) {
	values, err := config.FileValues(h.configPath)
	if err != nil {
		slog.Error("config read failed", "path", h.configPath, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to read config file.", nil)
		return
	}
	writeJSON(w, http.StatusOK, configResponse{
		Config:          values,
		FilePath:        h.configPath,
		AvailableFields: config.Fields(),
	})
}

type configFieldUpdate struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

func (h *AdminHandler) putConfig(w http.ResponseWriter, r *http.Request) {
	var update configFieldUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", "Request body is not valid JSON.", nil)
		return
	}

	if !config.IsField(update.Field) {
		writeError(w, r, http.StatusBadRequest, "invalid_field",
			fmt.Sprintf("Configuration field %q is not valid.", update.Field), nil)
		return
	}

	if err := config.SetFileValue(h.configPath, update.Field, update.Value); err != nil {
		slog.Error("config update failed", "path", h.configPath, "field", update.Field, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to update config file.", nil)
		return
	}

	slog.Info("config field updated", "field", update.Field)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Configuration field %q updated.", update.Field),
	})
}
