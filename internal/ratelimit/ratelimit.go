// Package ratelimit provides per-identifier request throttling with a token
// bucket. Tokens replenish continuously at a fixed rate up to a burst
// capacity; replenishment is computed lazily on access, never by a timer.
// Supports both in-memory (single instance) and Redis (distributed) backends
// sharing the same arithmetic, so either can back the middleware.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/pmoraes/chat-backend/internal/domain"
)

// Decision is the result of one acquisition attempt. RetryAfter is only
// meaningful when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is implemented by rate limiter backends.
type Limiter interface {
	// Acquire consumes tokens for identifier if available.
	Acquire(ctx context.Context, identifier string, tokens int) (Decision, error)
}

// TokenBucket holds up to capacity tokens replenishing at rate tokens/sec.
// All state mutation is serialised by an internal mutex; distinct buckets
// never contend with each other.
type TokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	updatedAt time.Time
	clock     quartz.Clock
}

// NewTokenBucket constructs a full bucket. rate must be positive and
// capacity at least 1; violations are configuration errors, caught at
// startup rather than at request time.
func NewTokenBucket(rate float64, capacity int, clock quartz.Clock) (*TokenBucket, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("%w: rate must be greater than 0", domain.ErrInvalidConfig)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("%w: capacity must be at least 1", domain.ErrInvalidConfig)
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &TokenBucket{
		rate:      rate,
		capacity:  float64(capacity),
		tokens:    float64(capacity),
		updatedAt: clock.Now(),
		clock:     clock,
	}, nil
}

// Acquire consumes tokens when available. A denied attempt never mutates the
// stored token count; it only reports how long until the deficit replenishes.
func (b *TokenBucket) Acquire(tokens int) (Decision, error) {
	if tokens < 1 {
		return Decision{}, fmt.Errorf("%w: tokens must be at least 1", domain.ErrInvalidConfig)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	elapsed := now.Sub(b.updatedAt).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
		b.updatedAt = now
	}

	requested := float64(tokens)
	if b.tokens >= requested {
		b.tokens -= requested
		return Decision{Allowed: true}, nil
	}

	deficit := requested - b.tokens
	retryAfter := time.Duration(deficit / b.rate * float64(time.Second))
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}

// idleSince reports when the bucket was last touched, for eviction decisions.
func (b *TokenBucket) idleSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updatedAt
}

// InMemoryLimiter maintains per-identifier token buckets in process memory.
// Buckets are created lazily on first access. Idle buckets are evicted after
// 2*capacity/rate seconds, the horizon at which an untouched bucket is full
// again and eviction becomes unobservable.
type InMemoryLimiter struct {
	rate     float64
	capacity int
	clock    quartz.Clock

	mu      sync.Mutex
	buckets map[string]*TokenBucket

	cancel context.CancelFunc
	once   sync.Once
}

func NewInMemoryLimiter(rate float64, capacity int, clock quartz.Clock) (*InMemoryLimiter, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("%w: rate must be greater than 0", domain.ErrInvalidConfig)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("%w: capacity must be at least 1", domain.ErrInvalidConfig)
	}
	if clock == nil {
		clock = quartz.NewReal()
	}

	l := &InMemoryLimiter{
		rate:     rate,
		capacity: capacity,
		clock:    clock,
		buckets:  make(map[string]*TokenBucket),
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	ttl := l.idleTTL()
	clock.TickerFunc(ctx, ttl, func() error {
		l.evictIdle(ttl)
		return nil
	}, "janitor")

	return l, nil
}

func (l *InMemoryLimiter) Acquire(ctx context.Context, identifier string, tokens int) (Decision, error) {
	if identifier == "" {
		return Decision{}, fmt.Errorf("%w: identifier must be provided", domain.ErrInvalidConfig)
	}

	bucket, err := l.bucket(identifier)
	if err != nil {
		return Decision{}, err
	}
	return bucket.Acquire(tokens)
}

func (l *InMemoryLimiter) bucket(identifier string) (*TokenBucket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[identifier]; ok {
		return b, nil
	}
	b, err := NewTokenBucket(l.rate, l.capacity, l.clock)
	if err != nil {
		return nil, err
	}
	l.buckets[identifier] = b
	return b, nil
}

// idleTTL mirrors the redis backend's key TTL.
func (l *InMemoryLimiter) idleTTL() time.Duration {
	ttl := time.Duration(2 * float64(l.capacity) / l.rate * float64(time.Second))
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (l *InMemoryLimiter) evictIdle(ttl time.Duration) {
	cutoff := l.clock.Now().Add(-ttl)

	l.mu.Lock()
	defer l.mu.Unlock()

	for identifier, bucket := range l.buckets {
		if bucket.idleSince().Before(cutoff) {
			delete(l.buckets, identifier)
		}
	}
}

// Close stops the eviction ticker.
func (l *InMemoryLimiter) Close() error {
	l.once.Do(l.cancel)
	return nil
}

func (l *InMemoryLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
