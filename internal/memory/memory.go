// Package memory holds bounded per-session conversation history. Each
// session keeps at most its resolved limit of recent messages; older ones
// are dropped on append. Backends: process memory and redis, behind one
// interface so the rest of the service stays agnostic.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pmoraes/chat-backend/internal/domain"
)

// Store is implemented by conversation memory backends. A limitOverride of 0
// means "use the backend's default limit"; negative or over-max overrides
// fail with ErrInvalidMemoryLimit.
type Store interface {
	Append(ctx context.Context, sessionID string, message domain.ChatMessage, limitOverride int) error
	Get(ctx context.Context, sessionID string) ([]domain.ChatMessage, error)
	Clear(ctx context.Context, sessionID string) error
}

// limits validates the default/max pair shared by both backends.
type limits struct {
	def int
	max int
}

func newLimits(defaultLimit, maxLimit int) (limits, error) {
	if defaultLimit < 1 {
		return limits{}, fmt.Errorf("%w: default limit must be at least 1", domain.ErrInvalidConfig)
	}
	if maxLimit > 0 && defaultLimit > maxLimit {
		return limits{}, fmt.Errorf("%w: default limit %d exceeds max %d", domain.ErrInvalidConfig, defaultLimit, maxLimit)
	}
	return limits{def: defaultLimit, max: maxLimit}, nil
}

// resolve picks the effective limit for one interaction.
func (l limits) resolve(override int) (int, error) {
	limit := override
	if limit == 0 {
		limit = l.def
	}
	if limit < 1 {
		return 0, fmt.Errorf("%w: must be at least 1 message", domain.ErrInvalidMemoryLimit)
	}
	if l.max > 0 && limit > l.max {
		return 0, fmt.Errorf("%w: %d exceeds maximum allowed %d", domain.ErrInvalidMemoryLimit, limit, l.max)
	}
	return limit, nil
}

// InMemoryStore keeps session history in process memory.
type InMemoryStore struct {
	limits limits

	mu       sync.Mutex
	messages map[string][]domain.ChatMessage
}

func NewInMemoryStore(defaultLimit, maxLimit int) (*InMemoryStore, error) {
	l, err := newLimits(defaultLimit, maxLimit)
	if err != nil {
		return nil, err
	}
	return &InMemoryStore{
		limits:   l,
		messages: make(map[string][]domain.ChatMessage),
	}, nil
}

func (m *InMemoryStore) Append(_ context.Context, sessionID string, message domain.ChatMessage, limitOverride int) error {
	limit, err := m.limits.resolve(limitOverride)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	history := append(m.messages[sessionID], message)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	m.messages[sessionID] = history
	return nil
}

func (m *InMemoryStore) Get(_ context.Context, sessionID string) ([]domain.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.messages[sessionID]
	out := make([]domain.ChatMessage, len(history))
	copy(out, history)
	return out, nil
}

func (m *InMemoryStore) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, sessionID)
	return nil
}
