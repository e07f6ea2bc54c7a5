// Package secevent keeps a short-lived log of security-relevant events and
// per-origin counters used to flag abuse patterns. It is observability only:
// nothing in here decides whether a request is authenticated, and every store
// failure is swallowed after being logged.
package secevent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"doc-prescrip/internal/observability"
)

type Type string

const (
	PinSuccess       Type = "PIN_SUCCESS"
	PinFailure       Type = "PIN_FAILURE"
	PinInvalidFormat Type = "PIN_INVALID_FORMAT"
	LoginSuccess     Type = "LOGIN_SUCCESS"
	LoginFailure     Type = "LOGIN_FAILURE"
	RateLimited      Type = "RATE_LIMITED"
	Lockout          Type = "LOCKOUT"
	LockedAttempt    Type = "LOCKED_ATTEMPT"
	RedisError       Type = "REDIS_ERROR"
	Suspicious       Type = "SUSPICIOUS_ACTIVITY"
)

const (
	defaultRetention = 7 * 24 * time.Hour
	defaultMonitor   = 24 * time.Hour
	maxEventsPerDay  = 5000
)

type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Origin    string         `json:"origin"`
	Type      Type           `json:"eventType"`
	Details   map[string]any `json:"details,omitempty"`
}

// Sink is what limiters and gates report to.
type Sink interface {
	Record(ctx context.Context, event Event)
}

type Recorder struct {
	redis      redis.UniversalClient
	logger     *observability.Logger
	retention  time.Duration
	monitor    time.Duration
	thresholds map[Type]int
	now        func() time.Time
}

func NewRecorder(redisClient redis.UniversalClient, logger *observability.Logger) *Recorder {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Recorder{
		redis:     redisClient,
		logger:    logger,
		retention: defaultRetention,
		monitor:   defaultMonitor,
		thresholds: map[Type]int{
			Lockout:     3,
			RateLimited: 5,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *Recorder) WithRetention(retention, monitor time.Duration) *Recorder {
	if retention > 0 {
		r.retention = retention
	}
	if monitor > 0 {
		r.monitor = monitor
	}
	return r
}

// WithThreshold sets how many events of a type one origin may produce inside
// the monitoring window before it is flagged as suspicious.
func (r *Recorder) WithThreshold(eventType Type, count int) *Recorder {
	if count > 0 {
		r.thresholds[eventType] = count
	}
	return r
}

func (r *Recorder) Record(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}

	fields := map[string]any{
		"event_type": string(event.Type),
		"origin":     event.Origin,
	}
	for k, v := range event.Details {
		fields[k] = v
	}
	r.logger.Warn("security_event", fields)

	// A store outage cannot be persisted to the store that is down.
	if event.Type == RedisError || r.redis == nil {
		return
	}

	if err := r.persist(ctx, event); err != nil {
		r.logger.Error("security_event_persist_failed", map[string]any{"error": err.Error(), "event_type": string(event.Type)})
		return
	}

	if event.Type == Suspicious {
		return
	}

	count, err := r.bump(ctx, event)
	if err != nil {
		r.logger.Error("security_event_count_failed", map[string]any{"error": err.Error(), "event_type": string(event.Type)})
		return
	}

	if threshold, ok := r.thresholds[event.Type]; ok && count == int64(threshold) {
		r.Record(ctx, Event{
			Origin: event.Origin,
			Type:   Suspicious,
			Details: map[string]any{
				"pattern": string(event.Type),
				"count":   count,
				"window":  r.monitor.String(),
			},
		})
	}
}

func (r *Recorder) Recent(ctx context.Context, day time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	raw, err := r.redis.LRange(ctx, dayKey(day), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read security events: %w", err)
	}

	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var event Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (r *Recorder) Count(ctx context.Context, origin string, eventType Type) (int, error) {
	count, err := r.redis.Get(ctx, counterKey(eventType, origin)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("read security counter: %w", err)
	}
	return count, nil
}

func (r *Recorder) persist(ctx context.Context, event Event) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode security event: %w", err)
	}

	key := dayKey(event.Timestamp)
	_, err = r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, encoded)
		pipe.LTrim(ctx, key, 0, maxEventsPerDay-1)
		pipe.Expire(ctx, key, r.retention)
		return nil
	})
	return err
}

func (r *Recorder) bump(ctx context.Context, event Event) (int64, error) {
	key := counterKey(event.Type, event.Origin)
	var incr *redis.IntCmd
	if _, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, r.monitor)
		return nil
	}); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func dayKey(t time.Time) string {
	return "security:events:" + t.UTC().Format("2006-01-02")
}

func counterKey(eventType Type, origin string) string {
	return "security:count:" + string(eventType) + ":" + origin
}
