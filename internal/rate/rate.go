// Package rate enforces fixed-window attempt budgets over shared Redis
// counters, so limits hold across horizontally scaled replicas.
package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrLimited reports an exhausted attempt budget.
	ErrLimited = errors.New("rate limited")
	// ErrUnavailable wraps counter-store failures.
	ErrUnavailable = errors.New("rate store unavailable")
)

// Window is one fixed attempt budget: MaxAttempts failures per Period.
type Window struct {
	MaxAttempts int
	Period      time.Duration
}

// Limiter tracks failed attempts per (action, id) pair. Failures count;
// successes reset. The window is fixed: it opens on the first failure and the
// counter lives exactly Period from that moment.
type Limiter struct {
	redis redis.UniversalClient
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient) *Limiter {
	return &Limiter{redis: redisClient}
}

// Check fails fast with ErrLimited when the (action, id) budget is already
// exhausted. It never increments; call it before attempting the verification
// so exhausted callers cannot probe the underlying mechanism.
func (l *Limiter) Check(ctx context.Context, action, id string, w Window) error {
	count, err := l.redis.Get(ctx, counterKey(action, id)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count >= int64(w.MaxAttempts) {
		return ErrLimited
	}
	return nil
}

// RecordFailure counts one failed attempt and reports whether the budget is
// now exhausted.
func (l *Limiter) RecordFailure(ctx context.Context, action, id string, w Window) (bool, error) {
	key := counterKey(action, id)

	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// Fixed-window semantics: the TTL is set only by the first failure.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, w.Period).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return count >= int64(w.MaxAttempts), nil
}

// Reset clears the (action, id) counter. Called after a successful attempt.
func (l *Limiter) Reset(ctx context.Context, action, id string) error {
	if err := l.redis.Del(ctx, counterKey(action, id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Attempts returns the current failure count for diagnostics. Missing keys
// read as zero.
func (l *Limiter) Attempts(ctx context.Context, action, id string) (int, error) {
	count, err := l.redis.Get(ctx, counterKey(action, id)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func counterKey(action, id string) string {
	return "vrl:" + action + ":" + id
}
