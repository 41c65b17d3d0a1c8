// Package failover implements the per-turn provider decision procedure:
// resolve the primary provider, attempt the call, and on a provider-level
// failure resolve and attempt the configured fallback exactly once.
//
// The engine performs no side effects beyond the outbound provider calls;
// history and session mutation belong to the caller.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pmoraes/chat-backend/internal/domain"
	"github.com/pmoraes/chat-backend/internal/metrics"
	"github.com/pmoraes/chat-backend/internal/notifications"
	"github.com/pmoraes/chat-backend/internal/registry"
	"github.com/pmoraes/chat-backend/internal/telemetry"
)

// Turn carries everything the engine needs for one chat exchange.
type Turn struct {
	SessionID        string
	ProviderName     string
	FallbackProvider string
	Messages         []domain.ChatMessage
	Options          domain.ChatOptions
}

// Result is the successful outcome of a turn. Resolution records which
// provider answered and by which path; Source "fallback" marks a degraded
// success.
type Result struct {
	Resolution registry.Resolution
	Response   *domain.ChatResponse
}

// Degraded reports whether the answer came from the fallback provider.
func (r *Result) Degraded() bool {
	return r.Resolution.Source == registry.SourceFallback
}

// Failure codes surfaced to the HTTP layer.
const (
	CodeProviderNotFound = "provider_not_found"
	CodeProviderError    = "provider_error"
)

// Failure is the terminal error outcome of a turn. It retains the provider
// names involved and the originating cause for diagnostics.
type Failure struct {
	Code             string
	Message          string
	Provider         string
	Source           registry.Source
	FallbackProvider string
	cause            error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.cause
}

// Engine executes the failover protocol against a provider registry.
// Notifier is optional; when set, fallback engagements and total failures
// are reported on it without blocking the turn.
type Engine struct {
	registry *registry.Registry
	notifier notifications.Notifier
}

func New(reg *registry.Registry, notifier notifications.Notifier) *Engine {
	return &Engine{registry: reg, notifier: notifier}
}

// Run executes one chat turn. On success the returned Result says which
// provider answered; on failure the error is always a *Failure.
//
// At most one fallback attempt is ever made, and only provider-level errors
// trigger it. Registry errors during primary resolution mean no provider
// call happens at all.
func (e *Engine) Run(ctx context.Context, turn Turn) (*Result, error) {
	primary, err := e.registry.ResolveForSession(turn.ProviderName)
	if err != nil {
		return nil, &Failure{
			Code:    CodeProviderNotFound,
			Message: err.Error(),
			cause:   err,
		}
	}

	response, primaryErr := e.attempt(ctx, turn, primary)
	if primaryErr == nil {
		return &Result{Resolution: primary, Response: response}, nil
	}

	if !domain.IsProviderError(primaryErr) {
		// Not an upstream failure (e.g. context cancellation); the protocol
		// only recovers from provider-level errors.
		return nil, &Failure{
			Code:             CodeProviderError,
			Message:          primaryErr.Error(),
			Provider:         primary.Name,
			Source:           primary.Source,
			FallbackProvider: turn.FallbackProvider,
			cause:            primaryErr,
		}
	}

	fallback, resolveErr := e.registry.ResolveFallback(turn.FallbackProvider, primary.Name)
	if resolveErr != nil {
		slog.Error("fallback provider not registered",
			"provider", primary.Name,
			"fallback_provider", turn.FallbackProvider,
			"session_id", turn.SessionID,
		)
		e.notifyFailure(turn, primary.Name)
		return nil, &Failure{
			Code:             CodeProviderError,
			Message:          "primary provider failed and fallback provider is not available",
			Provider:         primary.Name,
			Source:           primary.Source,
			FallbackProvider: turn.FallbackProvider,
			cause:            primaryErr,
		}
	}

	if fallback == nil {
		slog.Error("provider failed with no distinct fallback",
			"provider", primary.Name,
			"fallback_provider", turn.FallbackProvider,
			"session_id", turn.SessionID,
			"error", primaryErr,
		)
		e.notifyFailure(turn, primary.Name)
		return nil, &Failure{
			Code:             CodeProviderError,
			Message:          primaryErr.Error(),
			Provider:         primary.Name,
			Source:           primary.Source,
			FallbackProvider: turn.FallbackProvider,
			cause:            primaryErr,
		}
	}

	response, fallbackErr := e.attempt(ctx, turn, *fallback)
	if fallbackErr != nil {
		slog.Error("fallback provider failed",
			"provider", primary.Name,
			"fallback_provider", fallback.Name,
			"session_id", turn.SessionID,
			"error", fallbackErr,
		)
		e.notifyFailure(turn, fallback.Name)
		return nil, &Failure{
			Code:             CodeProviderError,
			Message:          fallbackErr.Error(),
			Provider:         primary.Name,
			Source:           primary.Source,
			FallbackProvider: fallback.Name,
			cause:            fallbackErr,
		}
	}

	slog.Warn("fallback provider answered",
		"provider", primary.Name,
		"fallback_provider", fallback.Name,
		"session_id", turn.SessionID,
	)
	metrics.ProviderFallbacksTotal.WithLabelValues(primary.Name, fallback.Name).Inc()
	e.notify(notifications.Event{
		Type:      notifications.EventFallbackEngaged,
		SessionID: turn.SessionID,
		Provider:  fallback.Name,
		Message:   "primary provider failed, fallback answered",
		Data:      map[string]any{"primary": primary.Name},
	})

	return &Result{Resolution: *fallback, Response: response}, nil
}

func (e *Engine) attempt(ctx context.Context, turn Turn, res registry.Resolution) (*domain.ChatResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "provider.chat")
	defer span.End()
	telemetry.AddTurnAttributes(span, turn.SessionID, res.Name, string(res.Source))

	response, err := res.Provider.Chat(ctx, turn.Messages, turn.Options)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		metrics.ProviderRequestsTotal.WithLabelValues(res.Name, string(res.Source), "error").Inc()
		return nil, err
	}

	metrics.ProviderRequestsTotal.WithLabelValues(res.Name, string(res.Source), "success").Inc()
	return response, nil
}

func (e *Engine) notifyFailure(turn Turn, provider string) {
	e.notify(notifications.Event{
		Type:      notifications.EventProviderDown,
		SessionID: turn.SessionID,
		Provider:  provider,
		Message:   "chat turn failed with no successful provider",
	})
}

func (e *Engine) notify(event notifications.Event) {
	if e.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.notifier.Send(ctx, event); err != nil {
			slog.Warn("notification failed", "type", event.Type, "error", err)
		}
	}()
}

// AsFailure extracts the protocol failure from an error returned by Run.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	ok := errors.As(err, &f)
	return f, ok
}
