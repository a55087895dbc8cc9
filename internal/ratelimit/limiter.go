// Package ratelimit throttles mutating API calls per operator.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per user.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
	perHour int
	now     func() time.Time
}

// Decision is the outcome of one Allow call, in the shape of the
// X-RateLimit-* response headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long until one more request would be admitted.
	RetryAfter time.Duration
}

// NewLimiter creates a limiter admitting requestsPerHour per user with
// bursts of up to burst requests.
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:   burst,
		perHour: requestsPerHour,
		now:     time.Now,
	}
}

func (l *Limiter) get(userID string, now time.Time) *rate.Limiter {
	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[userID] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Allow consumes one token for userID if one is available.
func (l *Limiter) Allow(userID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	lim := l.get(userID, now)
	d := Decision{Limit: l.perHour}
	if lim.AllowN(now, 1) {
		d.Allowed = true
	} else if l.rate > 0 {
		missing := 1 - lim.TokensAt(now)
		d.RetryAfter = time.Duration(missing / float64(l.rate) * float64(time.Second))
	} else {
		d.RetryAfter = time.Hour
	}
	d.Remaining = int(math.Max(0, math.Floor(lim.TokensAt(now))))
	return d
}

// Tokens returns the tokens currently available to userID.
func (l *Limiter) Tokens(userID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	return l.get(userID, now).TokensAt(now)
}

// Prune forgets users not seen for longer than idle and returns how many
// were dropped. A forgotten user starts again with a full bucket.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for id, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
			n++
		}
	}
	return n
}
