package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"doc-prescrip/internal/origin"
	"doc-prescrip/internal/secevent"
)

// SlidingWindow caps requests per origin over a rolling window using a sorted
// set of request timestamps. Requests it rejects are not recorded, so a caller
// that backs off regains capacity as old entries age out.
type SlidingWindow struct {
	redis   redis.UniversalClient
	events  secevent.Sink
	prefix  string
	maxHits int
	window  time.Duration
	now     func() time.Time
}

func NewSlidingWindow(redisClient redis.UniversalClient, events secevent.Sink, prefix string, maxHits int, window time.Duration) *SlidingWindow {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &SlidingWindow{
		redis:   redisClient,
		events:  events,
		prefix:  prefix,
		maxHits: maxHits,
		window:  window,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Allow fails open on store errors, like RedisLimiter.
func (s *SlidingWindow) Allow(ctx context.Context, originKey string) (bool, time.Duration) {
	key := s.prefix + ":" + originKey
	now := s.now()
	threshold := now.Add(-s.window)

	var card *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(threshold.UnixMilli(), 10))
		card = pipe.ZCard(ctx, key)
		oldest = pipe.ZRangeWithScores(ctx, key, 0, 0)
		return nil
	})
	if err != nil {
		s.reportStoreError(ctx, originKey, err)
		return true, 0
	}

	if card.Val() >= int64(s.maxHits) {
		retryAfter := s.window
		if entries := oldest.Val(); len(entries) > 0 {
			first := time.UnixMilli(int64(entries[0].Score))
			retryAfter = first.Add(s.window).Sub(now)
		}
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		if s.events != nil {
			s.events.Record(ctx, secevent.Event{
				Origin:  originKey,
				Type:    secevent.RateLimited,
				Details: map[string]any{"limiter": s.prefix, "retry_after_seconds": int(retryAfter.Seconds())},
			})
		}
		return false, retryAfter
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
		pipe.PExpire(ctx, key, s.window)
		return nil
	})
	if err != nil {
		s.reportStoreError(ctx, originKey, err)
	}

	return true, 0
}

// Middleware rejects callers over the ceiling before any flow-specific work.
func (s *SlidingWindow) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := s.Allow(r.Context(), origin.Of(r))
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "too many requests"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *SlidingWindow) reportStoreError(ctx context.Context, originKey string, err error) {
	if s.events == nil {
		return
	}
	s.events.Record(ctx, secevent.Event{
		Origin:  originKey,
		Type:    secevent.RedisError,
		Details: map[string]any{"limiter": s.prefix, "error": err.Error()},
	})
}
