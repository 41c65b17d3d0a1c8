package history

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"

	"github.com/pmoraes/chat-backend/internal/domain"
)

func newRedisHistory(t *testing.T) (*RedisStore, *quartz.Mock) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := quartz.NewMock(t)
	store, err := NewRedisStore(client, clock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return store, clock
}

func testSession(id string, createdAt time.Time) *domain.Session {
	return &domain.Session{
		ID:          id,
		Provider:    "openai",
		MemoryLimit: 10,
		CreatedAt:   createdAt,
		Metadata:    map[string]any{"team": "support"},
	}
}

func TestRedisStoreSessionRoundTrip(t *testing.T) {
	store, clock := newRedisHistory(t)
	ctx := context.Background()

	sess := testSession("sess-1", clock.Now().UTC())
	if err := store.RecordSession(ctx, sess); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sessions, err := store.ListSessions(ctx, 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.ID != "sess-1" || got.Provider != "openai" || got.MemoryLimit != 10 {
		t.Errorf("unexpected session: %+v", got)
	}
	if got.Metadata["team"] != "support" {
		t.Errorf("metadata should survive the round trip, got %v", got.Metadata)
	}
	if !got.CreatedAt.Equal(sess.CreatedAt) {
		t.Errorf("expected created_at %v, got %v", sess.CreatedAt, got.CreatedAt)
	}
}

func TestRedisStoreListNewestFirst(t *testing.T) {
	store, clock := newRedisHistory(t)
	ctx := context.Background()

	store.RecordSession(ctx, testSession("older", clock.Now().UTC()))
	clock.Advance(time.Minute)
	store.RecordSession(ctx, testSession("newer", clock.Now().UTC()))

	sessions, err := store.ListSessions(ctx, 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "newer" || sessions[1].ID != "older" {
		t.Errorf("expected newest first, got %v, %v", sessions[0].ID, sessions[1].ID)
	}
}

func TestRedisStoreListPagination(t *testing.T) {
	store, clock := newRedisHistory(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		store.RecordSession(ctx, testSession(id, clock.Now().UTC()))
		clock.Advance(time.Second)
	}

	page, err := store.ListSessions(ctx, 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 1 || page[0].ID != "b" {
		t.Errorf("expected middle session on page 2, got %v", page)
	}

	past, err := store.ListSessions(ctx, 50, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(past) != 0 {
		t.Errorf("offset past the end should return empty, got %d", len(past))
	}
}

func TestRedisStoreMessages(t *testing.T) {
	store, clock := newRedisHistory(t)
	ctx := context.Background()

	created := clock.Now().UTC()
	err := store.RecordMessages(ctx, "sess-1", []domain.ChatMessage{
		{Role: "user", Content: "hello", CreatedAt: created},
		{Role: "assistant", Content: "hi there", CreatedAt: created},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	messages, err := store.SessionMessages(ctx, "sess-1", 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Role != "user" || messages[1].Role != "assistant" {
		t.Errorf("messages should keep insertion order, got %v", messages)
	}
	if messages[0].SessionID != "sess-1" {
		t.Errorf("expected session id recorded, got %q", messages[0].SessionID)
	}
	if messages[0].StoredAt.IsZero() {
		t.Error("stored_at should be set on write")
	}

	page, err := store.SessionMessages(ctx, "sess-1", 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 1 || page[0].Content != "hi there" {
		t.Errorf("expected second message on page 2, got %v", page)
	}
}

func TestRedisStoreRecordNoMessages(t *testing.T) {
	store, _ := newRedisHistory(t)
	if err := store.RecordMessages(context.Background(), "sess-1", nil); err != nil {
		t.Fatalf("recording zero messages should be a no-op, got %v", err)
	}
}

func TestRedisStoreDeleteSession(t *testing.T) {
	store, clock := newRedisHistory(t)
	ctx := context.Background()

	store.RecordSession(ctx, testSession("sess-1", clock.Now().UTC()))
	store.RecordMessages(ctx, "sess-1", []domain.ChatMessage{{Role: "user", Content: "hello"}})

	if err := store.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sessions, _ := store.ListSessions(ctx, 50, 0)
	if len(sessions) != 0 {
		t.Errorf("deleted session should be gone, got %d", len(sessions))
	}
	messages, _ := store.SessionMessages(ctx, "sess-1", 50, 0)
	if len(messages) != 0 {
		t.Errorf("deleted session's messages should be gone, got %d", len(messages))
	}
}

func TestNoopStoreDiscardsEverything(t *testing.T) {
	store := NewNoopStore()
	ctx := context.Background()

	if err := store.RecordSession(ctx, testSession("sess-1", time.Now())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.RecordMessages(ctx, "sess-1", []domain.ChatMessage{{Role: "user", Content: "hi"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sessions, err := store.ListSessions(ctx, 50, 0)
	if err != nil || len(sessions) != 0 {
		t.Errorf("noop store should return nothing, got %v, %v", sessions, err)
	}
}
