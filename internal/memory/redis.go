package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/pmoraes/chat-backend/internal/domain"
)

// RedisStore keeps session history in a redis list per session, trimmed to
// the resolved limit on every append. The per-session limit is persisted in
// a companion key so every instance sharing the backend enforces the same
// bound even when the override arrived at a different instance.
type RedisStore struct {
	client    redis.UniversalClient
	limits    limits
	namespace string
}

func NewRedisStore(client redis.UniversalClient, defaultLimit, maxLimit int) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client must be provided", domain.ErrInvalidConfig)
	}
	l, err := newLimits(defaultLimit, maxLimit)
	if err != nil {
		return nil, err
	}
	return &RedisStore{
		client:    client,
		limits:    l,
		namespace: "chat_memory",
	}, nil
}

// NewRedisStoreFromURL connects a client from a redis URL and verifies
// connectivity before returning.
func NewRedisStoreFromURL(ctx context.Context, redisURL string, defaultLimit, maxLimit int) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, defaultLimit, maxLimit)
}

func (m *RedisStore) Append(ctx context.Context, sessionID string, message domain.ChatMessage, limitOverride int) error {
	limit, err := m.resolveLimit(ctx, sessionID, limitOverride)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	key := m.historyKey(sessionID)
	if err := m.client.RPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if err := m.client.LTrim(ctx, key, int64(-limit), -1).Err(); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}

func (m *RedisStore) Get(ctx context.Context, sessionID string) ([]domain.ChatMessage, error) {
	rows, err := m.client.LRange(ctx, m.historyKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	messages := make([]domain.ChatMessage, 0, len(rows))
	for _, row := range rows {
		if row == "" {
			continue
		}
		var message domain.ChatMessage
		if err := json.Unmarshal([]byte(row), &message); err != nil {
			// Malformed rows are skipped rather than failing the whole read.
			continue
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func (m *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := m.client.Del(ctx, m.historyKey(sessionID), m.limitKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// resolveLimit determines the effective limit and persists overrides so the
// bound survives across instances.
func (m *RedisStore) resolveLimit(ctx context.Context, sessionID string, override int) (int, error) {
	if override != 0 {
		limit, err := m.limits.resolve(override)
		if err != nil {
			return 0, err
		}
		if err := m.client.Set(ctx, m.limitKey(sessionID), limit, 0).Err(); err != nil {
			return 0, fmt.Errorf("store limit: %w", err)
		}
		return limit, nil
	}

	stored, err := m.client.Get(ctx, m.limitKey(sessionID)).Result()
	if err == nil {
		parsed, parseErr := strconv.Atoi(stored)
		if parseErr == nil {
			return m.limits.resolve(parsed)
		}
	} else if err != redis.Nil {
		return 0, fmt.Errorf("load limit: %w", err)
	}

	limit, err := m.limits.resolve(0)
	if err != nil {
		return 0, err
	}
	if err := m.client.Set(ctx, m.limitKey(sessionID), limit, 0).Err(); err != nil {
		return 0, fmt.Errorf("store limit: %w", err)
	}
	return limit, nil
}

func (m *RedisStore) historyKey(sessionID string) string {
	return m.namespace + ":history:" + sessionID
}

func (m *RedisStore) limitKey(sessionID string) string {
	return m.namespace + ":limit:" + sessionID
}
