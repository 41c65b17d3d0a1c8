// Package session keeps the registry of active chat sessions. Sessions are
// process-local state: provider preferences and memory overrides for the
// conversations currently in flight. Durable transcripts live in the history
// store, not here.
package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/pmoraes/chat-backend/internal/domain"
	"github.com/pmoraes/chat-backend/internal/metrics"
)

// CreateParams are the caller-supplied attributes for a new session. A zero
// value in any field falls back to the store's defaults.
type CreateParams struct {
	ID               string
	Provider         string
	FallbackProvider string
	MemoryLimit      int
	Metadata         map[string]any
}

// Store is a concurrency-safe registry of active sessions.
type Store struct {
	defaultMemoryLimit int
	clock              quartz.Clock

	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func NewStore(defaultMemoryLimit int, clock quartz.Clock) *Store {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Store{
		defaultMemoryLimit: defaultMemoryLimit,
		clock:              clock,
		sessions:           make(map[string]*domain.Session),
	}
}

// Create registers a new session. An empty ID gets a generated UUID; an
// explicit ID that is already in use fails with ErrSessionExists.
func (s *Store) Create(params CreateParams) (*domain.Session, error) {
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}

	memoryLimit := params.MemoryLimit
	if memoryLimit == 0 {
		memoryLimit = s.defaultMemoryLimit
	}

	metadata := make(map[string]any, len(params.Metadata))
	for k, v := range params.Metadata {
		metadata[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionExists, id)
	}

	sess := &domain.Session{
		ID:               id,
		Provider:         params.Provider,
		FallbackProvider: params.FallbackProvider,
		MemoryLimit:      memoryLimit,
		CreatedAt:        s.clock.Now().UTC(),
		Metadata:         metadata,
	}
	s.sessions[id] = sess
	metrics.ActiveSessions.Inc()

	return cloneSession(sess), nil
}

// Get fetches a session by id. The returned value is a copy; mutating it
// does not affect the stored session.
func (s *Store) Get(id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return cloneSession(sess), nil
}

// Delete removes a session by id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	metrics.ActiveSessions.Dec()
	return nil
}

// List returns a snapshot of all active sessions ordered by creation time,
// oldest first, with id as the tiebreaker.
func (s *Store) List() []*domain.Session {
	s.mu.Lock()
	snapshot := make([]*domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		snapshot = append(snapshot, cloneSession(sess))
	}
	s.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].CreatedAt.Equal(snapshot[j].CreatedAt) {
			return snapshot[i].ID < snapshot[j].ID
		}
		return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt)
	})
	return snapshot
}

// Len reports the number of active sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func cloneSession(sess *domain.Session) *domain.Session {
	clone := *sess
	clone.Metadata = make(map[string]any, len(sess.Metadata))
	for k, v := range sess.Metadata {
		clone.Metadata[k] = v
	}
	return &clone
}
