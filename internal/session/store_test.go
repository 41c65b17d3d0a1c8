package session

import (
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/pmoraes/chat-backend/internal/domain"
)

func TestStoreCreateGeneratesID(t *testing.T) {
	store := NewStore(10, quartz.NewMock(t))

	sess, err := store.Create(CreateParams{Provider: "openai"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := uuid.Parse(sess.ID); err != nil {
		t.Errorf("generated id should be a UUID, got %q", sess.ID)
	}
	if sess.Provider != "openai" {
		t.Errorf("expected provider openai, got %q", sess.Provider)
	}
	if sess.MemoryLimit != 10 {
		t.Errorf("expected default memory limit 10, got %d", sess.MemoryLimit)
	}
	if sess.CreatedAt.IsZero() {
		t.Error("created_at should be set")
	}
	if sess.Metadata == nil {
		t.Error("metadata should never be nil")
	}
}

func TestStoreCreateExplicitValues(t *testing.T) {
	store := NewStore(10, quartz.NewMock(t))

	sess, err := store.Create(CreateParams{
		ID:               "sess-1",
		Provider:         "openai",
		FallbackProvider: "openrouter",
		MemoryLimit:      5,
		Metadata:         map[string]any{"team": "support"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.ID != "sess-1" {
		t.Errorf("expected explicit id, got %q", sess.ID)
	}
	if sess.MemoryLimit != 5 {
		t.Errorf("expected memory limit override 5, got %d", sess.MemoryLimit)
	}
	if sess.FallbackProvider != "openrouter" {
		t.Errorf("expected fallback provider, got %q", sess.FallbackProvider)
	}
}

func TestStoreCreateDuplicate(t *testing.T) {
	store := NewStore(10, quartz.NewMock(t))

	if _, err := store.Create(CreateParams{ID: "sess-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Create(CreateParams{ID: "sess-1"}); !errors.Is(err, domain.ErrSessionExists) {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}
}

func TestStoreGetUnknown(t *testing.T) {
	store := NewStore(10, quartz.NewMock(t))
	if _, err := store.Get("missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStoreDelete(t *testing.T) {
	store := NewStore(10, quartz.NewMock(t))
	store.Create(CreateParams{ID: "sess-1"})

	if err := store.Delete("sess-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Get("sess-1"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("deleted session should be gone, got %v", err)
	}
	if err := store.Delete("sess-1"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("double delete should report ErrSessionNotFound, got %v", err)
	}
}

func TestStoreListOrderedByCreation(t *testing.T) {
	clock := quartz.NewMock(t)
	store := NewStore(10, clock)

	store.Create(CreateParams{ID: "first"})
	clock.Advance(time.Second)
	store.Create(CreateParams{ID: "second"})
	clock.Advance(time.Second)
	store.Create(CreateParams{ID: "third"})

	sessions := store.List()
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}
	want := []string{"first", "second", "third"}
	for i, sess := range sessions {
		if sess.ID != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], sess.ID)
		}
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	store := NewStore(10, quartz.NewMock(t))
	store.Create(CreateParams{ID: "sess-1", Metadata: map[string]any{"k": "v"}})

	got, err := store.Get("sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got.Provider = "mutated"
	got.Metadata["k"] = "mutated"

	again, _ := store.Get("sess-1")
	if again.Provider == "mutated" {
		t.Error("mutating a returned session must not affect the store")
	}
	if again.Metadata["k"] == "mutated" {
		t.Error("mutating returned metadata must not affect the store")
	}
}
