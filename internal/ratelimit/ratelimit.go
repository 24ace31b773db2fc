// Package ratelimit provides a keyed rate limiter, one golang.org/x/
// time/rate.Limiter per key (e.g. per channel id or per participant),
// used as an additional layer of back-pressure in front of the message
// pipeline's bounded inbound queue.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Keyed is a lazily-populated set of token-bucket limiters, one per key.
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewKeyed constructs a Keyed limiter where each distinct key gets its own
// bucket refilling at eventsPerSecond with the given burst.
func NewKeyed(eventsPerSecond float64, burst int) *Keyed {
	return &Keyed{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(eventsPerSecond),
		burst:    burst,
	}
}

func (k *Keyed) limiterFor(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.limiters[key]
	if !ok {
		l = rate.NewLimiter(k.r, k.burst)
		k.limiters[key] = l
	}
	return l
}

// Allow reports whether an event for key may proceed right now, consuming
// a token if so.
func (k *Keyed) Allow(key string) bool {
	return k.limiterFor(key).Allow()
}

// Wait sleeps until a token for key is available, or returns an error at
// once if that wait would run past deadline.
func (k *Keyed) Wait(deadline time.Time, key string) error {
	l := k.limiterFor(key)
	if !l.AllowN(time.Now(), 1) {
		reservation := l.ReserveN(time.Now(), 1)
		if !reservation.OK() {
			return errRateLimited
		}
		delay := reservation.Delay()
		if time.Now().Add(delay).After(deadline) {
			reservation.Cancel()
			return errRateLimited
		}
		time.Sleep(delay)
	}
	return nil
}

// Forget drops the limiter for key, used when a channel is evicted so the
// map does not grow unboundedly across a long-lived process.
func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.limiters, key)
}

type rateLimitedError struct{}

func (rateLimitedError) Error() string { return "ratelimit: would exceed deadline waiting for a token" }

var errRateLimited = rateLimitedError{}
