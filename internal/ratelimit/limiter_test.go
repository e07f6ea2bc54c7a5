package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-prescrip/internal/secevent"
)

type recordedEvents struct {
	mu     sync.Mutex
	events []secevent.Event
}

func (r *recordedEvents) Record(_ context.Context, e secevent.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordedEvents) ofType(t secevent.Type) []secevent.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []secevent.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis, *recordedEvents) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	events := &recordedEvents{}
	return New(rdb, events), mr, events
}

func TestLimiter_LocksAtThreshold(t *testing.T) {
	l, mr, events := newLimiter(t)
	ctx := context.Background()
	p := LoginPolicy()

	for i := 1; i <= p.Threshold; i++ {
		d := l.CheckAndConsume(ctx, p, "doc@example.com", "203.0.113.5")
		require.True(t, d.Allowed, "attempt %d should be allowed", i)
		assert.Equal(t, p.Threshold-(i-1), d.Remaining)

		d = l.RecordFailure(ctx, p, "doc@example.com", "203.0.113.5")
		assert.Equal(t, p.Threshold-i, d.Remaining)
		if i < p.Threshold {
			assert.False(t, d.Locked)
		} else {
			assert.True(t, d.Locked)
			assert.Equal(t, p.Lockout, d.RetryAfter)
		}
	}

	d := l.CheckAndConsume(ctx, p, "doc@example.com", "203.0.113.5")
	assert.False(t, d.Allowed)
	assert.True(t, d.Locked)
	assert.Equal(t, 30*60, d.RetryAfterSeconds())

	assert.False(t, mr.Exists("login:attempts:doc@example.com:203.0.113.5"), "counter is cleared once the lock is set")
	assert.Equal(t, p.Lockout, mr.TTL("login:lockout:doc@example.com:203.0.113.5"))
	assert.Len(t, events.ofType(secevent.Lockout), 1)
}

func TestLimiter_PeekPromotesFullCounterToLock(t *testing.T) {
	l, mr, _ := newLimiter(t)
	p := OTPPolicy()

	require.NoError(t, mr.Set("otp:attempts:doc@example.com:198.51.100.1", "5"))

	d := l.CheckAndConsume(context.Background(), p, "doc@example.com", "198.51.100.1")
	assert.False(t, d.Allowed)
	assert.True(t, d.Locked)
	assert.True(t, mr.Exists("otp:lockout:doc@example.com:198.51.100.1"))
}

func TestLimiter_LockOverridesEmptyCounter(t *testing.T) {
	l, mr, _ := newLimiter(t)
	p := RegistrationPolicy()

	require.NoError(t, mr.Set("register:lockout:doc@example.com:198.51.100.1", lockSentinel))
	mr.SetTTL("register:lockout:doc@example.com:198.51.100.1", 10*time.Minute)

	d := l.CheckAndConsume(context.Background(), p, "doc@example.com", "198.51.100.1")
	assert.False(t, d.Allowed)
	assert.Equal(t, 10*time.Minute, d.RetryAfter)
}

func TestLimiter_LockExpires(t *testing.T) {
	l, mr, _ := newLimiter(t)
	ctx := context.Background()
	p := ForgotPasswordPolicy()

	for i := 0; i < p.Threshold; i++ {
		l.RecordFailure(ctx, p, "doc@example.com", "o")
	}
	require.False(t, l.CheckAndConsume(ctx, p, "doc@example.com", "o").Allowed)

	mr.FastForward(p.Lockout + time.Second)

	d := l.CheckAndConsume(ctx, p, "doc@example.com", "o")
	assert.True(t, d.Allowed)
	assert.Equal(t, p.Threshold, d.Remaining)
}

func TestLimiter_SuccessClearsCounterAndLock(t *testing.T) {
	l, mr, _ := newLimiter(t)
	ctx := context.Background()
	p := LoginPolicy()

	for i := 0; i < p.Threshold-1; i++ {
		l.RecordFailure(ctx, p, "doc@example.com", "o")
	}
	l.RecordSuccess(ctx, p, "doc@example.com", "o")

	assert.False(t, mr.Exists("login:attempts:doc@example.com:o"))
	assert.False(t, mr.Exists("login:lockout:doc@example.com:o"))

	d := l.RecordFailure(ctx, p, "doc@example.com", "o")
	assert.Equal(t, p.Threshold-1, d.Remaining, "next failure starts a fresh window")
	assert.Equal(t, p.Window, mr.TTL("login:attempts:doc@example.com:o"))
}

func TestLimiter_KeysAreScopedPerTuple(t *testing.T) {
	l, _, _ := newLimiter(t)
	ctx := context.Background()
	p := LoginPolicy()

	for i := 0; i < p.Threshold; i++ {
		l.RecordFailure(ctx, p, "a@example.com", "o1")
	}

	assert.False(t, l.CheckAndConsume(ctx, p, "a@example.com", "o1").Allowed)
	assert.True(t, l.CheckAndConsume(ctx, p, "a@example.com", "o2").Allowed)
	assert.True(t, l.CheckAndConsume(ctx, p, "b@example.com", "o1").Allowed)
	assert.True(t, l.CheckAndConsume(ctx, RegistrationPolicy(), "a@example.com", "o1").Allowed)
}

func TestLimiter_ProgressiveLockouts(t *testing.T) {
	l, mr, _ := newLimiter(t)
	ctx := context.Background()
	p := PINPolicy()

	want := []time.Duration{
		15 * time.Minute,
		30 * time.Minute,
		60 * time.Minute,
		120 * time.Minute,
		240 * time.Minute,
		240 * time.Minute,
	}

	for round, expected := range want {
		var d Decision
		for i := 0; i < p.Threshold; i++ {
			d = l.RecordFailure(ctx, p, "", "192.0.2.44")
		}
		require.True(t, d.Locked, "round %d", round)
		assert.Equal(t, expected, d.RetryAfter, "round %d", round)
		assert.Equal(t, expected, mr.TTL("pin:lockout:192.0.2.44"))

		mr.FastForward(expected + time.Second)
	}
}

func TestLimiter_ProgressiveCappedAtMax(t *testing.T) {
	l, mr, _ := newLimiter(t)
	p := PINPolicy()
	p.Lockout = 6 * time.Hour

	require.NoError(t, mr.Set("pin:lockouts:192.0.2.45", "3"))

	var d Decision
	for i := 0; i < p.Threshold; i++ {
		d = l.RecordFailure(context.Background(), p, "", "192.0.2.45")
	}
	assert.Equal(t, 24*time.Hour, d.RetryAfter)
}

func TestLimiter_FailsOpenWhenStoreDown(t *testing.T) {
	l, mr, events := newLimiter(t)
	mr.Close()
	ctx := context.Background()
	p := LoginPolicy()

	d := l.CheckAndConsume(ctx, p, "doc@example.com", "o")
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Equal(t, -1, d.Remaining)

	d = l.RecordFailure(ctx, p, "doc@example.com", "o")
	assert.True(t, d.Allowed)
	assert.False(t, d.Locked)

	l.RecordSuccess(ctx, p, "doc@example.com", "o")

	storeErrors := events.ofType(secevent.RedisError)
	require.Len(t, storeErrors, 3)
	assert.Equal(t, "login", storeErrors[0].Details["flow"])
}

func TestDecision_RetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 0, Decision{}.RetryAfterSeconds())
	assert.Equal(t, 1, Decision{RetryAfter: 10 * time.Millisecond}.RetryAfterSeconds())
	assert.Equal(t, 2, Decision{RetryAfter: 1500 * time.Millisecond}.RetryAfterSeconds())
	assert.Equal(t, 900, Decision{RetryAfter: 15 * time.Minute}.RetryAfterSeconds())
}

func TestLimiter_FailureRestoresMissingCounterTTL(t *testing.T) {
	l, mr, _ := newLimiter(t)
	ctx := context.Background()
	p := LoginPolicy()
	key := attemptsKey(p, "doc@example.com", "203.0.113.5")

	// A counter left behind without a TTL.
	require.NoError(t, mr.Set(key, "1"))
	require.Zero(t, mr.TTL(key))

	d := l.RecordFailure(ctx, p, "doc@example.com", "203.0.113.5")
	require.True(t, d.Allowed)
	assert.Equal(t, p.Window, mr.TTL(key))

	mr.FastForward(5 * time.Minute)
	l.RecordFailure(ctx, p, "doc@example.com", "203.0.113.5")
	assert.Equal(t, p.Window-5*time.Minute, mr.TTL(key), "later failures keep the window's original expiry")

	mr.FastForward(p.Window)
	assert.False(t, mr.Exists(key))
	d = l.CheckAndConsume(ctx, p, "doc@example.com", "203.0.113.5")
	assert.Equal(t, p.Threshold, d.Remaining)
}
