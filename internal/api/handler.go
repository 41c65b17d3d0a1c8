// Package api exposes the HTTP surface of the chat backend: the public
// sessions endpoints, the token-protected admin endpoints, and the
// health/metrics meta endpoints. All error responses share one structured
// envelope with a stable code field.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pmoraes/chat-backend/internal/domain"
	"github.com/pmoraes/chat-backend/internal/failover"
	"github.com/pmoraes/chat-backend/internal/history"
	"github.com/pmoraes/chat-backend/internal/memory"
	"github.com/pmoraes/chat-backend/internal/queue"
	"github.com/pmoraes/chat-backend/internal/registry"
	"github.com/pmoraes/chat-backend/internal/session"
)

type HandlerConfig struct {
	Sessions *session.Store
	Memory   memory.Store
	History  history.Store
	Registry *registry.Registry
	Engine   *failover.Engine

	// Transcripts optionally mirrors recorded exchanges to an external
	// queue. Nil disables mirroring.
	Transcripts queue.Queue

	// MemoryMax caps per-session and per-request memory limit overrides.
	MemoryMax int

	// InitialSystemPrompt, when set, is appended to every new session's
	// memory as a system message.
	InitialSystemPrompt string

	// Admin, when non-nil, is mounted under /admin/.
	Admin *AdminHandler

	Clock quartz.Clock
}

type Handler struct {
	sessions    *session.Store
	memory      memory.Store
	history     history.Store
	registry    *registry.Registry
	engine      *failover.Engine
	transcripts queue.Queue

	memoryMax     int
	initialPrompt string

	clock   quartz.Clock
	started time.Time

	mux *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}

	h := &Handler{
		sessions:      cfg.Sessions,
		memory:        cfg.Memory,
		history:       cfg.History,
		registry:      cfg.Registry,
		engine:        cfg.Engine,
		transcripts:   cfg.Transcripts,
		memoryMax:     cfg.MemoryMax,
		initialPrompt: cfg.InitialSystemPrompt,
		clock:         clock,
		started:       clock.Now(),
		mux:           http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /sessions", h.handleCreateSession)
	h.mux.HandleFunc("GET /sessions/{id}", h.handleGetSession)
	h.mux.HandleFunc("DELETE /sessions/{id}", h.handleDeleteSession)
	h.mux.HandleFunc("POST /sessions/{id}/messages", h.handlePostMessage)

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /healthz", h.handleHealthz)
	h.mux.HandleFunc("GET /{$}", h.handleRoot)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	if cfg.Admin != nil {
		h.mux.Handle("/admin/", cfg.Admin)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type sessionCreateRequest struct {
	Provider         string         `json:"provider,omitempty"`
	FallbackProvider string         `json:"fallback_provider,omitempty"`
	MemoryLimit      int            `json:"memory_limit,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

type messagePayload struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type messageRequest struct {
	Content     string             `json:"content"`
	Role        string             `json:"role,omitempty"`
	MemoryLimit int                `json:"memory_limit,omitempty"`
	Options     domain.ChatOptions `json:"options,omitempty"`
}

type messageResponse struct {
	SessionID      string           `json:"session_id"`
	Message        messagePayload   `json:"message"`
	Usage          map[string]any   `json:"usage,omitempty"`
	History        []messagePayload `json:"history"`
	Provider       string           `json:"provider"`
	ProviderSource string           `json:"provider_source"`
}

// checkMemoryLimit validates a requested memory limit override. Zero means
// "not requested" and always passes. Writes the error response itself and
// reports whether the caller may proceed.
func (h *Handler) checkMemoryLimit(w http.ResponseWriter, r *http.Request, requested int) bool {
	if requested == 0 {
		return true
	}
	if requested < 1 {
		writeError(w, r, http.StatusBadRequest, "invalid_memory_limit",
			"Memory limit must be at least 1.", nil)
		return false
	}
	if requested > h.memoryMax {
		writeError(w, r, http.StatusBadRequest, "invalid_memory_limit",
			"Requested memory limit exceeds the allowed maximum.",
			map[string]any{"requested": requested, "maximum": h.memoryMax})
		return false
	}
	return true
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "validation_error", "Request body is not valid JSON.", nil)
		return
	}

	if !h.checkMemoryLimit(w, r, req.MemoryLimit) {
		return
	}

	providerName := req.Provider
	if providerName == "" {
		resolution, err := h.registry.ResolveForSession("")
		if err != nil {
			writeError(w, r, http.StatusServiceUnavailable, "provider_not_available", err.Error(), nil)
			return
		}
		providerName = resolution.Name
	} else if _, err := h.registry.Get(providerName); err != nil {
		writeError(w, r, http.StatusBadRequest, "provider_not_found", err.Error(), nil)
		return
	}

	if req.FallbackProvider != "" {
		if _, err := h.registry.Get(req.FallbackProvider); err != nil {
			writeError(w, r, http.StatusBadRequest, "provider_not_found", err.Error(), nil)
			return
		}
	}

	sess, err := h.sessions.Create(session.CreateParams{
		Provider:         registry.Normalise(providerName),
		FallbackProvider: registry.Normalise(req.FallbackProvider),
		MemoryLimit:      req.MemoryLimit,
		Metadata:         req.Metadata,
	})
	if err != nil {
		slog.Error("session create failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to create session.", nil)
		return
	}

	if err := h.history.RecordSession(ctx, sess); err != nil {
		slog.Error("history session record failed", "session_id", sess.ID, "error", err)
	}

	if h.initialPrompt != "" {
		system := domain.ChatMessage{
			Role:      "system",
			Content:   h.initialPrompt,
			CreatedAt: h.clock.Now().UTC(),
		}
		if err := h.memory.Append(ctx, sess.ID, system, sess.MemoryLimit); err != nil {
			if errors.Is(err, domain.ErrInvalidMemoryLimit) {
				writeError(w, r, http.StatusBadRequest, "invalid_memory_limit", err.Error(), nil)
				return
			}
			slog.Error("initial prompt append failed", "session_id", sess.ID, "error", err)
		} else if err := h.history.RecordMessages(ctx, sess.ID, []domain.ChatMessage{system}); err != nil {
			slog.Error("history message record failed", "session_id", sess.ID, "error", err)
		}
	}

	slog.Info("session created",
		"session_id", sess.ID,
		"provider", sess.Provider,
		"fallback_provider", sess.FallbackProvider,
	)

	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, "session_not_found", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if err := h.sessions.Delete(id); err != nil {
		writeError(w, r, http.StatusNotFound, "session_not_found", err.Error(), nil)
		return
	}

	if err := h.memory.Clear(ctx, id); err != nil {
		slog.Error("memory clear failed", "session_id", id, "error", err)
	}
	if err := h.history.DeleteSession(ctx, id); err != nil {
		slog.Error("history delete failed", "session_id", id, "error", err)
	}

	slog.Info("session deleted", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", "Request body is not valid JSON.", nil)
		return
	}
	if req.Content == "" {
		writeError(w, r, http.StatusBadRequest, "validation_error", "Message content must not be empty.", nil)
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}

	sess, err := h.sessions.Get(id)
	if err != nil {
		slog.Info("session not found", "session_id", id)
		writeError(w, r, http.StatusNotFound, "session_not_found", err.Error(), nil)
		return
	}

	limitOverride := req.MemoryLimit
	if limitOverride == 0 {
		limitOverride = sess.MemoryLimit
	}
	if !h.checkMemoryLimit(w, r, limitOverride) {
		return
	}

	priorHistory, err := h.memory.Get(ctx, id)
	if err != nil {
		slog.Error("memory read failed", "session_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to load session memory.", nil)
		return
	}

	userMessage := domain.ChatMessage{
		Role:      req.Role,
		Content:   req.Content,
		CreatedAt: h.clock.Now().UTC(),
	}
	turnMessages := make([]domain.ChatMessage, 0, len(priorHistory)+1)
	turnMessages = append(turnMessages, priorHistory...)
	turnMessages = append(turnMessages, userMessage)

	result, err := h.engine.Run(ctx, failover.Turn{
		SessionID:        sess.ID,
		ProviderName:     sess.Provider,
		FallbackProvider: sess.FallbackProvider,
		Messages:         turnMessages,
		Options:          req.Options,
	})
	if err != nil {
		f, ok := failover.AsFailure(err)
		if !ok {
			slog.Error("chat turn failed", "session_id", id, "error", err)
			writeError(w, r, http.StatusInternalServerError, "internal_error", "Chat turn failed.", nil)
			return
		}
		if f.Code == failover.CodeProviderNotFound {
			writeError(w, r, http.StatusBadRequest, "provider_not_found", f.Message, nil)
			return
		}
		writeError(w, r, http.StatusBadGateway, "provider_error", f.Message, map[string]any{
			"provider":          f.Provider,
			"source":            string(f.Source),
			"fallback_provider": f.FallbackProvider,
		})
		return
	}

	assistant := result.Response.Message
	assistantMessage := domain.ChatMessage{
		Role:      assistant.Role,
		Content:   assistant.Content,
		Metadata:  assistant.Metadata,
		CreatedAt: h.clock.Now().UTC(),
	}

	for _, message := range []domain.ChatMessage{userMessage, assistantMessage} {
		if err := h.memory.Append(ctx, id, message, limitOverride); err != nil {
			if errors.Is(err, domain.ErrInvalidMemoryLimit) {
				writeError(w, r, http.StatusBadRequest, "invalid_memory_limit", err.Error(), nil)
				return
			}
			slog.Error("memory append failed", "session_id", id, "error", err)
			writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to store session memory.", nil)
			return
		}
	}

	exchange := []domain.ChatMessage{userMessage, assistantMessage}
	if err := h.history.RecordMessages(ctx, id, exchange); err != nil {
		slog.Error("history message record failed", "session_id", id, "error", err)
	}
	h.mirrorTranscript(sess, result, exchange)

	finalHistory, err := h.memory.Get(ctx, id)
	if err != nil {
		slog.Warn("memory re-read failed, responding with in-request history", "session_id", id, "error", err)
		finalHistory = append(priorHistory, exchange...)
	}

	writeJSON(w, http.StatusOK, messageResponse{
		SessionID:      sess.ID,
		Message:        toPayload(assistantMessage),
		Usage:          result.Response.Usage,
		History:        toPayloads(finalHistory),
		Provider:       result.Resolution.Name,
		ProviderSource: string(result.Resolution.Source),
	})
}

// mirrorTranscript sends the exchange to the external transcript queue when
// one is configured. Delivery is best effort and never fails the request.
func (h *Handler) mirrorTranscript(sess *domain.Session, result *failover.Result, exchange []domain.ChatMessage) {
	if h.transcripts == nil {
		return
	}
	export := queue.TranscriptExport{
		SessionID: sess.ID,
		Provider:  result.Resolution.Name,
		Source:    string(result.Resolution.Source),
		Messages:  exchange,
		CreatedAt: h.clock.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.transcripts.SendTranscript(ctx, export); err != nil {
			slog.Warn("transcript mirror failed", "session_id", export.SessionID, "error", err)
		}
	}()
}

func toPayload(message domain.ChatMessage) messagePayload {
	return messagePayload{
		Role:      message.Role,
		Content:   message.Content,
		CreatedAt: message.CreatedAt,
		Metadata:  message.Metadata,
	}
}

func toPayloads(messages []domain.ChatMessage) []messagePayload {
	payloads := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payloads = append(payloads, toPayload(message))
	}
	return payloads
}
