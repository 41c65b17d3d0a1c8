//go:build integration

package history_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/pmoraes/chat-backend/internal/domain"
	"github.com/pmoraes/chat-backend/internal/history"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}
	return db
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store, err := history.NewPostgresStore(ctx, db, nil)
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}

	sessionID := "test-session-" + time.Now().Format("20060102150405")
	sess := &domain.Session{
		ID:          sessionID,
		Provider:    "openai",
		MemoryLimit: 10,
		CreatedAt:   time.Now().UTC(),
		Metadata:    map[string]any{"suite": "integration"},
	}
	defer store.DeleteSession(ctx, sessionID)

	if err := store.RecordSession(ctx, sess); err != nil {
		t.Fatalf("RecordSession failed: %v", err)
	}

	err = store.RecordMessages(ctx, sessionID, []domain.ChatMessage{
		{Role: "user", Content: "hello", CreatedAt: time.Now().UTC()},
		{Role: "assistant", Content: "hi there", CreatedAt: time.Now().UTC()},
	})
	if err != nil {
		t.Fatalf("RecordMessages failed: %v", err)
	}

	sessions, err := store.ListSessions(ctx, 100, 0)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	found := false
	for _, got := range sessions {
		if got.ID == sessionID {
			found = true
			if got.Provider != "openai" {
				t.Errorf("expected provider openai, got %q", got.Provider)
			}
		}
	}
	if !found {
		t.Fatalf("session %s not returned by ListSessions", sessionID)
	}

	messages, err := store.SessionMessages(ctx, sessionID, 50, 0)
	if err != nil {
		t.Fatalf("SessionMessages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Role != "user" || messages[1].Role != "assistant" {
		t.Errorf("messages should keep insertion order, got %v", messages)
	}

	if err := store.DeleteSession(ctx, sessionID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	messages, err = store.SessionMessages(ctx, sessionID, 50, 0)
	if err != nil {
		t.Fatalf("SessionMessages after delete failed: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("expected no messages after delete, got %d", len(messages))
	}
}
