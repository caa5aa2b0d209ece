// Package ratelimit approximates a sliding window over per-user and
// per-platform quotas using one golang.org/x/time/rate.Limiter per
// (user_id, scope, window), the same map-of-limiters shape the pack's
// teranos-QNTX watcher engine uses for per-watcher fire rates.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/valetsys/valetcore/internal/domain"
)

// Caps holds the hourly/daily limiter pair for one scope.
type Caps struct {
	Hourly int
	Daily  int
}

// Limiter checks and accounts per-user, per-scope quotas. A scope is either
// a subscription tier (checked against c.tiers) or a platform name (checked
// against c.platforms); both independently gate the same user.
type Limiter struct {
	tiers     map[string]Caps
	platforms map[string]Caps
	idleAfter time.Duration

	mu     sync.Mutex
	buckets map[bucketKey]*bucket
}

type bucketKey struct {
	userID string
	scope  string
}

type bucket struct {
	hourly    *rate.Limiter
	daily     *rate.Limiter
	lastTouch time.Time
}

// New builds a Limiter. idleAfter bounds how long an untouched bucket is
// kept before Sweep evicts it; it should be at least as wide as the widest
// configured window (a day), per the spec's idle-eviction note.
func New(tiers, platforms map[string]Caps, idleAfter time.Duration) *Limiter {
	return &Limiter{
		tiers:     tiers,
		platforms: platforms,
		idleAfter: idleAfter,
		buckets:   make(map[bucketKey]*bucket),
	}
}

// Check consumes one token from scope's hourly and daily limiters for
// userID. An "enterprise" scope is always allowed (uncapped tier). An
// unrecognized scope is also allowed — caps are an opt-in gate, not a
// default-deny; callers configure which scopes matter.
func (l *Limiter) Check(userID, scope string) domain.RateLimitDecision {
	if scope == string(domain.TierEnterprise) {
		return domain.RateLimitDecision{Allowed: true}
	}

	caps, ok := l.capsFor(scope)
	if !ok {
		return domain.RateLimitDecision{Allowed: true}
	}

	b := l.bucketFor(userID, scope, caps)

	now := timeNow()
	if caps.Hourly > 0 {
		if decision, blocked := reserve(b.hourly, now, scope+":hourly"); blocked {
			return decision
		}
	}
	if caps.Daily > 0 {
		if decision, blocked := reserve(b.daily, now, scope+":daily"); blocked {
			return decision
		}
	}

	return domain.RateLimitDecision{Allowed: true}
}

// reserve consumes one token from lim if it is immediately available;
// otherwise it cancels the reservation (so the token isn't lost for the
// next caller) and reports how long until one frees up.
func reserve(lim *rate.Limiter, now time.Time, source string) (domain.RateLimitDecision, bool) {
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return domain.RateLimitDecision{Allowed: false, Source: source}, true
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return domain.RateLimitDecision{}, false
	}
	r.CancelAt(now)
	return domain.RateLimitDecision{
		Allowed:       false,
		RetryAfterSec: int64(delay.Seconds()) + 1,
		ResetEpochSec: now.Add(delay).Unix(),
		Source:        source,
	}, true
}

func (l *Limiter) capsFor(scope string) (Caps, bool) {
	if c, ok := l.tiers[scope]; ok {
		return c, true
	}
	if c, ok := l.platforms[scope]; ok {
		return c, true
	}
	return Caps{}, false
}

func (l *Limiter) bucketFor(userID, scope string, caps Caps) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := bucketKey{userID: userID, scope: scope}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			hourly: rate.NewLimiter(perWindow(caps.Hourly, time.Hour), maxBurst(caps.Hourly)),
			daily:  rate.NewLimiter(perWindow(caps.Daily, 24*time.Hour), maxBurst(caps.Daily)),
		}
		l.buckets[key] = b
	}
	b.lastTouch = timeNow()
	return b
}

// perWindow converts a "cap per window" quota into the token-bucket refill
// rate that reproduces it: cap tokens available per window, refilled
// continuously. A zero cap means "unconfigured", approximated here as
// effectively unlimited (Check skips the check when caps.Hourly/Daily == 0).
func perWindow(cap int, window time.Duration) rate.Limit {
	if cap <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(cap) / window.Seconds())
}

func maxBurst(cap int) int {
	if cap <= 0 {
		return 1
	}
	return cap
}

// Sweep evicts buckets untouched for longer than idleAfter, bounding map
// growth across the lifetime of the process.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := timeNow().Add(-l.idleAfter)
	removed := 0
	for key, b := range l.buckets {
		if b.lastTouch.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// timeNow is a seam so tests can freeze the clock; production always uses
// the wall clock.
var timeNow = time.Now
