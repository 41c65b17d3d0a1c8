// Package history persists chat transcripts beyond the life of a session.
// Unlike conversation memory, which is bounded and feeds prompts, history is
// append-only archival storage browsed through the admin API. Backends:
// noop (the default), postgres, and redis.
package history

import (
	"context"
	"time"

	"github.com/pmoraes/chat-backend/internal/domain"
)

// StoredMessage is one archived chat message. StoredAt is when the backend
// persisted it, as opposed to CreatedAt, when the conversation produced it.
type StoredMessage struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	StoredAt  time.Time `json:"stored_at"`
}

// Store is implemented by transcript persistence backends. Write failures
// are the caller's concern to log; they must never fail a chat request.
type Store interface {
	RecordSession(ctx context.Context, sess *domain.Session) error
	RecordMessages(ctx context.Context, sessionID string, messages []domain.ChatMessage) error
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context, limit, offset int) ([]*domain.Session, error)
	SessionMessages(ctx context.Context, sessionID string, limit, offset int) ([]StoredMessage, error)
	Close() error
}

// NoopStore discards everything. It backs deployments that opt out of
// transcript persistence.
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (*NoopStore) RecordSession(context.Context, *domain.Session) error { return nil }

func (*NoopStore) RecordMessages(context.Context, string, []domain.ChatMessage) error { return nil }

func (*NoopStore) DeleteSession(context.Context, string) error { return nil }

func (*NoopStore) ListSessions(context.Context, int, int) ([]*domain.Session, error) {
	return nil, nil
}

func (*NoopStore) SessionMessages(context.Context, string, int, int) ([]StoredMessage, error) {
	return nil, nil
}

func (*NoopStore) Close() error { return nil }

// normalisePage clamps pagination inputs to sane values.
func normalisePage(limit, offset int) (int, int) {
	if limit < 1 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
