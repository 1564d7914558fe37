package auth

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterOptions configures the pre-authentication rate limiter.
type LimiterOptions struct {
	// Burst calls are allowed per Interval for each (method, origin) pair.
	Burst    int
	Interval time.Duration
	// MaxEntries caps the number of tracked buckets; new pairs are denied
	// while the table is full.
	MaxEntries int
	// DenyDelay is the upper bound of a random pause applied before replying
	// to a denied caller.
	DenyDelay time.Duration
}

// Limiter holds token buckets keyed by method and origin.
type Limiter struct {
	opts LimiterOptions

	mu      sync.Mutex
	buckets map[limiterKey]*bucket
	now     func() time.Time
}

type limiterKey struct {
	method string
	origin string
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewLimiter(opts LimiterOptions) *Limiter {
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	return &Limiter{opts: opts, buckets: map[limiterKey]*bucket{}, now: time.Now}
}

// Allow consumes one token for (method, origin) and reports whether the call
// may proceed.
func (l *Limiter) Allow(method string, origin Origin) bool {
	key := limiterKey{method: method, origin: origin.Key()}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.opts.MaxEntries {
			l.pruneLocked(now)
			if len(l.buckets) >= l.opts.MaxEntries {
				return false
			}
		}
		every := rate.Every(l.opts.Interval / time.Duration(l.opts.Burst))
		b = &bucket{lim: rate.NewLimiter(every, l.opts.Burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// Clear forgets every bucket of origin. It runs after a successful login.
func (l *Limiter) Clear(origin Origin) {
	key := origin.Key()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.buckets {
		if k.origin == key {
			delete(l.buckets, k)
		}
	}
}

// Entries is the number of tracked buckets.
func (l *Limiter) Entries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Delay sleeps for a random fraction of DenyDelay or until ctx is done.
func (l *Limiter) Delay(ctx context.Context) {
	if l.opts.DenyDelay <= 0 {
		return
	}
	d := time.Duration(rand.Int64N(int64(l.opts.DenyDelay)))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// pruneLocked drops buckets idle for a full interval; they are refilled.
func (l *Limiter) pruneLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.seen) >= l.opts.Interval {
			delete(l.buckets, k)
		}
	}
}
