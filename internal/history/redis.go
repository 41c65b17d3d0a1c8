package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"

	"github.com/pmoraes/chat-backend/internal/domain"
)

// RedisStore archives transcripts in redis: a hash per session, a set
// indexing session ids, and a list of JSON-encoded messages per session.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
	clock     quartz.Clock
}

func NewRedisStore(client redis.UniversalClient, clock quartz.Clock) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client must be provided", domain.ErrInvalidConfig)
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &RedisStore{
		client:    client,
		namespace: "chat_history",
		clock:     clock,
	}, nil
}

func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, nil)
}

func (s *RedisStore) RecordSession(ctx context.Context, sess *domain.Session) error {
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	fields := map[string]any{
		"id":                sess.ID,
		"provider":          sess.Provider,
		"fallback_provider": sess.FallbackProvider,
		"memory_limit":      strconv.Itoa(sess.MemoryLimit),
		"created_at":        sess.CreatedAt.Format(time.RFC3339Nano),
		"metadata":          string(metadata),
	}
	if err := s.client.HSet(ctx, s.sessionKey(sess.ID), fields).Err(); err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	if err := s.client.SAdd(ctx, s.indexKey(), sess.ID).Err(); err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return nil
}

func (s *RedisStore) RecordMessages(ctx context.Context, sessionID string, messages []domain.ChatMessage) error {
	if len(messages) == 0 {
		return nil
	}

	storedAt := s.clock.Now().UTC()
	encoded := make([]any, 0, len(messages))
	for _, message := range messages {
		payload, err := json.Marshal(StoredMessage{
			SessionID: sessionID,
			Role:      message.Role,
			Content:   message.Content,
			CreatedAt: message.CreatedAt,
			StoredAt:  storedAt,
		})
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		encoded = append(encoded, payload)
	}

	if err := s.client.RPush(ctx, s.messagesKey(sessionID), encoded...).Err(); err != nil {
		return fmt.Errorf("record messages: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.sessionKey(sessionID), s.messagesKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := s.client.SRem(ctx, s.indexKey(), sessionID).Err(); err != nil {
		return fmt.Errorf("unindex session: %w", err)
	}
	return nil
}

// ListSessions returns stored sessions newest first.
func (s *RedisStore) ListSessions(ctx context.Context, limit, offset int) ([]*domain.Session, error) {
	limit, offset = normalisePage(limit, offset)

	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*domain.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.loadSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			sessions = append(sessions, sess)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})

	if offset >= len(sessions) {
		return []*domain.Session{}, nil
	}
	sessions = sessions[offset:]
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (s *RedisStore) SessionMessages(ctx context.Context, sessionID string, limit, offset int) ([]StoredMessage, error) {
	limit, offset = normalisePage(limit, offset)
	stop := int64(offset + limit - 1)

	rows, err := s.client.LRange(ctx, s.messagesKey(sessionID), int64(offset), stop).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	messages := make([]StoredMessage, 0, len(rows))
	for _, row := range rows {
		var message StoredMessage
		if err := json.Unmarshal([]byte(row), &message); err != nil {
			continue
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) loadSession(ctx context.Context, id string) (*domain.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	memoryLimit, _ := strconv.Atoi(fields["memory_limit"])
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		createdAt = time.Time{}
	}

	metadata := map[string]any{}
	if raw := fields["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			metadata = map[string]any{}
		}
	}

	return &domain.Session{
		ID:               id,
		Provider:         fields["provider"],
		FallbackProvider: fields["fallback_provider"],
		MemoryLimit:      memoryLimit,
		CreatedAt:        createdAt,
		Metadata:         metadata,
	}, nil
}

func (s *RedisStore) sessionKey(id string) string {
	return s.namespace + ":session:" + id
}

func (s *RedisStore) messagesKey(id string) string {
	return s.namespace + ":messages:" + id
}

func (s *RedisStore) indexKey() string {
	return s.namespace + ":sessions"
}
