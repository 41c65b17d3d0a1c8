package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pmoraes/chat-backend/internal/metrics"
	"github.com/pmoraes/chat-backend/internal/notifications"
)

// IdentifierResolver derives the ordered rate-limit identifiers for a
// request. The gate treats an empty result as ["anonymous"].
type IdentifierResolver func(r *http.Request) []string

// DefaultIdentifierResolver returns "api_key:<key>" when an X-API-Key header
// is present, then "ip:<client-host>" ("unknown" when the remote address is
// unparseable).
func DefaultIdentifierResolver(r *http.Request) []string {
	var identifiers []string

	if apiKey := strings.TrimSpace(r.Header.Get("X-API-Key")); apiKey != "" {
		identifiers = append(identifiers, "api_key:"+apiKey)
	}

	host := ClientIP(r)
	if host == "" {
		host = "unknown"
	}
	identifiers = append(identifiers, "ip:"+host)

	return identifiers
}

// ClientIP extracts the client host from the request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// Gate applies rate limits before requests reach route handlers. Bypassed
// client IPs skip limiting entirely; otherwise every resolved identifier
// must yield a token for the request to proceed. A limiter backend error
// fails open: availability is preferred over strict enforcement.
type Gate struct {
	limiter  Limiter
	bypass   *BypassStore
	resolver IdentifierResolver
	notifier notifications.Notifier
	tokens   int
}

// NewGate builds the rate-limit middleware. Notifier is optional; when set,
// every denial is reported on it without blocking the response.
func NewGate(limiter Limiter, bypass *BypassStore, resolver IdentifierResolver, notifier notifications.Notifier) *Gate {
	if resolver == nil {
		resolver = DefaultIdentifierResolver
	}
	return &Gate{
		limiter:  limiter,
		bypass:   bypass,
		resolver: resolver,
		notifier: notifier,
		tokens:   1,
	}
}

// Middleware wraps next with the rate-limit gate.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.bypass != nil && g.bypass.IsBypassed(ClientIP(r)) {
			next.ServeHTTP(w, r)
			return
		}

		identifiers := g.resolver(r)
		if len(identifiers) == 0 {
			identifiers = []string{"anonymous"}
		}

		for _, identifier := range identifiers {
			decision, err := g.limiter.Acquire(r.Context(), identifier, g.tokens)
			if err != nil {
				slog.Warn("rate limit check failed, allowing request",
					"identifier", identifier,
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				metrics.RateLimitedTotal.WithLabelValues(identifierKind(identifier)).Inc()
				g.notifyRateLimited(identifier, decision)
				writeRateLimited(w, decision)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Gate) notifyRateLimited(identifier string, decision Decision) {
	if g.notifier == nil {
		return
	}
	event := notifications.Event{
		Type:    notifications.EventRateLimited,
		Message: "request rejected by the rate limiter",
		Data: map[string]any{
			"identifier":  identifier,
			"retry_after": decision.RetryAfter.Seconds(),
		},
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.notifier.Send(ctx, event); err != nil {
			slog.Warn("notification failed", "type", event.Type, "error", err)
		}
	}()
}

func identifierKind(identifier string) string {
	if kind, _, ok := strings.Cut(identifier, ":"); ok {
		return kind
	}
	return "anonymous"
}

func writeRateLimited(w http.ResponseWriter, decision Decision) {
	retryAfter := decision.RetryAfter.Seconds()
	if retryAfter < 0 {
		retryAfter = 0
	}

	header := 1
	if retryAfter > 0 {
		header = int(math.Ceil(retryAfter))
		if header < 1 {
			header = 1
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(header))
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]any{
		"error":       "rate_limited",
		"retry_after": retryAfter,
	})
}
