// Package pin guards the site-wide shared PIN. Per origin the gate is OPEN,
// RATE_LIMITED (sliding ceiling, checked first) or LOCKED (progressive
// lockout after repeated failures). Every outcome is recorded as a security
// event.
package pin

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"regexp"
	"strings"
	"time"

	"doc-prescrip/internal/ratelimit"
	"doc-prescrip/internal/secevent"
)

var pinFormat = regexp.MustCompile(`^\d{4,10}$`)

type Outcome int

const (
	Authorized Outcome = iota
	RateLimited
	Locked
	InvalidFormat
	Rejected
	NotConfigured
)

func (o Outcome) String() string {
	switch o {
	case Authorized:
		return "authorized"
	case RateLimited:
		return "rate_limited"
	case Locked:
		return "locked"
	case InvalidFormat:
		return "invalid_format"
	case Rejected:
		return "rejected"
	default:
		return "not_configured"
	}
}

type Result struct {
	Outcome    Outcome
	Remaining  int
	RetryAfter time.Duration
}

type SlidingLimiter interface {
	Allow(ctx context.Context, originKey string) (bool, time.Duration)
}

type Gate struct {
	digest  [32]byte
	enabled bool
	burst   SlidingLimiter
	limiter ratelimit.Limiter
	policy  ratelimit.Policy
	events  secevent.Sink
}

func NewGate(sitePIN string, burst SlidingLimiter, limiter ratelimit.Limiter, policy ratelimit.Policy, events secevent.Sink) *Gate {
	sitePIN = strings.TrimSpace(sitePIN)
	return &Gate{
		digest:  sha256.Sum256([]byte(sitePIN)),
		enabled: sitePIN != "",
		burst:   burst,
		limiter: limiter,
		policy:  policy,
		events:  events,
	}
}

func (g *Gate) Enabled() bool {
	return g.enabled
}

func (g *Gate) Verify(ctx context.Context, originKey, submitted string) Result {
	if !g.enabled {
		return Result{Outcome: NotConfigured}
	}

	if allowed, retryAfter := g.burst.Allow(ctx, originKey); !allowed {
		return Result{Outcome: RateLimited, RetryAfter: retryAfter}
	}

	decision := g.limiter.CheckAndConsume(ctx, g.policy, "", originKey)
	if decision.Locked {
		g.record(ctx, originKey, secevent.LockedAttempt, map[string]any{
			"retry_after_seconds": decision.RetryAfterSeconds(),
		})
		return Result{Outcome: Locked, RetryAfter: decision.RetryAfter}
	}

	submitted = strings.TrimSpace(submitted)
	if !pinFormat.MatchString(submitted) {
		failure := g.limiter.RecordFailure(ctx, g.policy, "", originKey)
		g.record(ctx, originKey, secevent.PinInvalidFormat, map[string]any{
			"length":    len(submitted),
			"remaining": failure.Remaining,
		})
		return Result{Outcome: InvalidFormat, Remaining: failure.Remaining, RetryAfter: failure.RetryAfter}
	}

	sum := sha256.Sum256([]byte(submitted))
	if subtle.ConstantTimeCompare(sum[:], g.digest[:]) != 1 {
		failure := g.limiter.RecordFailure(ctx, g.policy, "", originKey)
		g.record(ctx, originKey, secevent.PinFailure, map[string]any{"remaining": failure.Remaining})
		return Result{Outcome: Rejected, Remaining: failure.Remaining, RetryAfter: failure.RetryAfter}
	}

	g.limiter.RecordSuccess(ctx, g.policy, "", originKey)
	g.record(ctx, originKey, secevent.PinSuccess, nil)
	return Result{Outcome: Authorized}
}

func (g *Gate) record(ctx context.Context, originKey string, eventType secevent.Type, details map[string]any) {
	if g.events == nil {
		return
	}
	g.events.Record(ctx, secevent.Event{Origin: originKey, Type: eventType, Details: details})
}
