package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFrom returns the request id placed in ctx by the logging
// middleware, or "" when the request skipped it.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorResponse struct {
	Error     errorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError emits the structured error envelope every endpoint shares.
// Callers always receive a stable machine-readable code; the request id is
// included when the logging middleware assigned one.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	slog.Warn("api error",
		"code", code,
		"status", status,
		"method", r.Method,
		"path", r.URL.Path,
	)
	writeJSON(w, status, errorResponse{
		Error: errorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
		RequestID: RequestIDFrom(r.Context()),
	})
}
