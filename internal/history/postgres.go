package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/quartz"
	_ "github.com/lib/pq"

	"github.com/pmoraes/chat-backend/internal/domain"
)

// PostgresStore archives transcripts in two tables, chat_sessions and
// chat_messages. The schema is created on construction when missing.
type PostgresStore struct {
	db    *sql.DB
	clock quartz.Clock
}

func NewPostgresStore(ctx context.Context, db *sql.DB, clock quartz.Clock) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: database handle must be provided", domain.ErrInvalidConfig)
	}
	if clock == nil {
		clock = quartz.NewReal()
	}

	s := &PostgresStore{db: db, clock: clock}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func NewPostgresStoreFromURL(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewPostgresStore(ctx, db, nil)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			provider TEXT,
			fallback_provider TEXT,
			memory_limit INTEGER,
			created_at TIMESTAMPTZ NOT NULL,
			metadata JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			stored_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages (session_id, id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) RecordSession(ctx context.Context, sess *domain.Session) error {
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	query := `
		INSERT INTO chat_sessions (id, provider, fallback_provider, memory_limit, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			provider = EXCLUDED.provider,
			fallback_provider = EXCLUDED.fallback_provider,
			memory_limit = EXCLUDED.memory_limit,
			created_at = EXCLUDED.created_at,
			metadata = EXCLUDED.metadata
	`
	_, err = s.db.ExecContext(ctx, query,
		sess.ID,
		sess.Provider,
		sess.FallbackProvider,
		sess.MemoryLimit,
		sess.CreatedAt,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordMessages(ctx context.Context, sessionID string, messages []domain.ChatMessage) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chat_messages (session_id, role, content, created_at, stored_at)
		VALUES ($1, $2, $3, $4, $5)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	storedAt := s.clock.Now().UTC()
	for _, message := range messages {
		createdAt := message.CreatedAt
		if createdAt.IsZero() {
			createdAt = storedAt
		}
		if _, err := stmt.ExecContext(ctx, sessionID, message.Role, message.Content, createdAt, storedAt); err != nil {
			return fmt.Errorf("record message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, limit, offset int) ([]*domain.Session, error) {
	limit, offset = normalisePage(limit, offset)

	query := `
		SELECT id, provider, fallback_provider, memory_limit, created_at, metadata
		FROM chat_sessions
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		var (
			sess        domain.Session
			provider    sql.NullString
			fallback    sql.NullString
			memoryLimit sql.NullInt64
			metadataRaw []byte
		)
		if err := rows.Scan(&sess.ID, &provider, &fallback, &memoryLimit, &sess.CreatedAt, &metadataRaw); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Provider = provider.String
		sess.FallbackProvider = fallback.String
		sess.MemoryLimit = int(memoryLimit.Int64)
		sess.Metadata = map[string]any{}
		if len(metadataRaw) > 0 {
			if err := json.Unmarshal(metadataRaw, &sess.Metadata); err != nil {
				sess.Metadata = map[string]any{}
			}
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func (s *PostgresStore) SessionMessages(ctx context.Context, sessionID string, limit, offset int) ([]StoredMessage, error) {
	limit, offset = normalisePage(limit, offset)

	query := `
		SELECT session_id, role, content, created_at, stored_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY id
		LIMIT $2 OFFSET $3
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var messages []StoredMessage
	for rows.Next() {
		var (
			message   StoredMessage
			createdAt time.Time
			storedAt  time.Time
		)
		if err := rows.Scan(&message.SessionID, &message.Role, &message.Content, &createdAt, &storedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		message.CreatedAt = createdAt
		message.StoredAt = storedAt
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
