package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"

	"github.com/pmoraes/chat-backend/internal/domain"
)

//go:embed token_bucket.lua
var tokenBucketScript string

// RedisLimiter is the distributed token bucket. Bucket state lives in a
// redis hash per identifier and the whole replenish-decide-write sequence
// runs as one Lua script, so concurrent callers across processes observe a
// consistent token count. Keys expire after 2*capacity/rate seconds; an
// expired bucket re-creates full, which matches what lazy replenishment
// would have produced over the same idle period.
type RedisLimiter struct {
	client    redis.UniversalClient
	script    *redis.Script
	rate      float64
	capacity  float64
	keyPrefix string
	ttl       time.Duration
	clock     quartz.Clock
}

func NewRedisLimiter(client redis.UniversalClient, rate float64, capacity int, clock quartz.Clock) (*RedisLimiter, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("%w: rate must be greater than 0", domain.ErrInvalidConfig)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("%w: capacity must be at least 1", domain.ErrInvalidConfig)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: redis client must be provided", domain.ErrInvalidConfig)
	}
	if clock == nil {
		clock = quartz.NewReal()
	}

	ttlSeconds := math.Max(1.0, 2*float64(capacity)/rate)

	return &RedisLimiter{
		client:    client,
		script:    redis.NewScript(tokenBucketScript),
		rate:      rate,
		capacity:  float64(capacity),
		keyPrefix: "rate_limiter",
		ttl:       time.Duration(ttlSeconds * float64(time.Second)),
		clock:     clock,
	}, nil
}

// NewRedisLimiterFromURL connects a client from a redis URL and verifies
// connectivity before returning.
func NewRedisLimiterFromURL(ctx context.Context, redisURL string, rate float64, capacity int) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisLimiter(client, rate, capacity, nil)
}

func (l *RedisLimiter) Acquire(ctx context.Context, identifier string, tokens int) (Decision, error) {
	if identifier == "" {
		return Decision{}, fmt.Errorf("%w: identifier must be provided", domain.ErrInvalidConfig)
	}
	if tokens < 1 {
		return Decision{}, fmt.Errorf("%w: tokens must be at least 1", domain.ErrInvalidConfig)
	}

	key := l.keyPrefix + ":" + identifier
	now := float64(l.clock.Now().UnixMicro()) / 1e6

	result, err := l.script.Run(ctx, l.client, []string{key},
		l.rate,
		l.capacity,
		now,
		float64(tokens),
		l.ttl.Milliseconds(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", result)
	}

	allowed, err := toInt64(values[0])
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	retryAfter, err := toFloat64(values[1])
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}

	return Decision{
		Allowed:    allowed == 1,
		RetryAfter: time.Duration(retryAfter * float64(time.Second)),
	}, nil
}

func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected reply type %T", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch val := v.(type) {
	case int64:
		return float64(val), nil
	case string:
		return strconv.ParseFloat(val, 64)
	default:
		return 0, fmt.Errorf("unexpected reply type %T", v)
	}
}
