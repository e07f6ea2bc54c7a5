// Package ratelimit implements the attempt-counter/lockout primitive shared by
// every credential flow, plus the sliding-window request ceiling.
//
// # Keys
//
//   - {flow}:attempts:{identity}:{origin} -> failed attempt count, TTL = Policy.Window
//   - {flow}:lockout:{identity}:{origin}  -> sentinel, TTL = lockout duration
//   - {flow}:lockouts:{origin}            -> lockout history (progressive policies only)
//
// An empty identity drops that segment, which is how origin-only flows (the
// site PIN) are keyed.
//
// # Relaxed guarantee
//
// Check, increment and lock are separate store operations. Concurrent requests
// for the same identity/origin can each observe a pre-increment count, so up to
// N extra attempts may be recorded for N requests in flight. No distributed
// lock is taken.
//
// # Store failures
//
// The limiter fails OPEN: when Redis is unreachable the request is allowed and
// a REDIS_ERROR security event is emitted. Credential verification itself still
// fails closed; that asymmetry is intentional and lives in the callers.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"doc-prescrip/internal/secevent"
)

const lockSentinel = "locked"

// Decision is the outcome of a check or of a reported failure. Remaining is -1
// when unknown (store unavailable).
type Decision struct {
	Allowed    bool
	Locked     bool
	Remaining  int
	RetryAfter time.Duration
	Degraded   bool
}

func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	return max(secs, 1)
}

// Limiter is what flows depend on. CheckAndConsume gates the guarded
// operation; the caller must then report exactly one outcome.
type Limiter interface {
	CheckAndConsume(ctx context.Context, p Policy, identity, origin string) Decision
	RecordFailure(ctx context.Context, p Policy, identity, origin string) Decision
	RecordSuccess(ctx context.Context, p Policy, identity, origin string)
}

type RedisLimiter struct {
	redis  redis.UniversalClient
	events secevent.Sink
}

var _ Limiter = (*RedisLimiter)(nil)

func New(redisClient redis.UniversalClient, events secevent.Sink) *RedisLimiter {
	return &RedisLimiter{redis: redisClient, events: events}
}

func (l *RedisLimiter) CheckAndConsume(ctx context.Context, p Policy, identity, origin string) Decision {
	lockTTL, err := l.redis.PTTL(ctx, lockKey(p, identity, origin)).Result()
	if err != nil {
		return l.failOpen(ctx, p, origin, "check_lock", err)
	}
	if locked, retry := lockActive(lockTTL, p); locked {
		return Decision{Locked: true, RetryAfter: retry}
	}

	count, err := l.redis.Get(ctx, attemptsKey(p, identity, origin)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return l.failOpen(ctx, p, origin, "read_counter", err)
	}

	if count >= p.Threshold {
		duration, err := l.lock(ctx, p, identity, origin)
		if err != nil {
			return l.failOpen(ctx, p, origin, "promote_lock", err)
		}
		return Decision{Locked: true, RetryAfter: duration}
	}

	return Decision{Allowed: true, Remaining: p.Threshold - count}
}

// RecordFailure counts a failed attempt. Reaching the threshold locks the
// tuple immediately and clears the counter so the next window starts clean.
func (l *RedisLimiter) RecordFailure(ctx context.Context, p Policy, identity, origin string) Decision {
	key := attemptsKey(p, identity, origin)

	// EXPIRE NX rides along with every INCR, so a counter that ever lost its
	// TTL gets one back on the next failure.
	var incr *redis.IntCmd
	if _, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, p.Window)
		return nil
	}); err != nil {
		return l.failOpen(ctx, p, origin, "increment", err)
	}
	count := incr.Val()

	if count >= int64(p.Threshold) {
		duration, err := l.lock(ctx, p, identity, origin)
		if err != nil {
			return l.failOpen(ctx, p, origin, "lock", err)
		}
		return Decision{Locked: true, Remaining: 0, RetryAfter: duration}
	}

	return Decision{Allowed: true, Remaining: p.Threshold - int(count)}
}

func (l *RedisLimiter) RecordSuccess(ctx context.Context, p Policy, identity, origin string) {
	err := l.redis.Del(ctx, attemptsKey(p, identity, origin), lockKey(p, identity, origin)).Err()
	if err != nil {
		l.reportStoreError(ctx, p, origin, "reset", err)
	}
}

// lock writes the lock entry, drops the counter and, for progressive
// policies, bumps the origin's lockout history.
func (l *RedisLimiter) lock(ctx context.Context, p Policy, identity, origin string) (time.Duration, error) {
	duration := p.Lockout
	var prior int

	if p.Progression != nil {
		n, err := l.redis.Get(ctx, historyKey(p, origin)).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, err
		}
		prior = n
		duration = LockoutDuration(p.Lockout, p.Progression.Multipliers, p.Progression.MaxLockout, prior)
	}

	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, lockKey(p, identity, origin), lockSentinel, duration)
		pipe.Del(ctx, attemptsKey(p, identity, origin))
		if p.Progression != nil {
			pipe.Incr(ctx, historyKey(p, origin))
			pipe.Expire(ctx, historyKey(p, origin), p.Progression.Monitor)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if l.events != nil {
		l.events.Record(ctx, secevent.Event{
			Origin: origin,
			Type:   secevent.Lockout,
			Details: map[string]any{
				"flow":            p.Flow,
				"lockout_seconds": int(duration.Seconds()),
				"prior_lockouts":  prior,
			},
		})
	}

	return duration, nil
}

func (l *RedisLimiter) failOpen(ctx context.Context, p Policy, origin, op string, err error) Decision {
	l.reportStoreError(ctx, p, origin, op, err)
	return Decision{Allowed: true, Remaining: -1, Degraded: true}
}

func (l *RedisLimiter) reportStoreError(ctx context.Context, p Policy, origin, op string, err error) {
	if l.events == nil {
		return
	}
	l.events.Record(ctx, secevent.Event{
		Origin: origin,
		Type:   secevent.RedisError,
		Details: map[string]any{
			"flow":      p.Flow,
			"operation": op,
			"error":     fmt.Sprint(err),
		},
	})
}

// lockActive interprets a PTTL reply: -2 means absent, -1 means no expiry
// (treated as a full-length lock).
func lockActive(ttl time.Duration, p Policy) (bool, time.Duration) {
	switch {
	case ttl > 0:
		return true, ttl
	case ttl == -1:
		return true, p.Lockout
	default:
		return false, 0
	}
}

func attemptsKey(p Policy, identity, origin string) string {
	return joinKey(p.Flow, "attempts", identity, origin)
}

func lockKey(p Policy, identity, origin string) string {
	return joinKey(p.Flow, "lockout", identity, origin)
}

func historyKey(p Policy, origin string) string {
	return joinKey(p.Flow, "lockouts", "", origin)
}

func joinKey(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return strings.Join(out, ":")
}
