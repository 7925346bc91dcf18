package http

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opentrusty/opencrm/internal/ratelimit"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is the global per-IP token bucket in front of every route.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	idle     time.Duration
	done     chan struct{}
	once     sync.Once
}

// NewRateLimiter creates a new rate limiter. Buckets idle for longer than
// cleanupInterval are evicted in the background until Close is called.
func NewRateLimiter(rps float64, burst int, cleanupInterval time.Duration) *RateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     cleanupInterval,
		done:     make(chan struct{}),
	}
	go rl.cleanupLoop(cleanupInterval)
	return rl
}

// GetLimiter returns the bucket for ip, creating it on first use.
func (rl *RateLimiter) GetLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Evict drops buckets not used since before.
func (rl *RateLimiter) Evict(before time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	n := 0
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(before) {
			delete(rl.visitors, ip)
			n++
		}
	}
	return n
}

// Len reports how many buckets are tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Evict(time.Now().Add(-rl.idle))
		case <-rl.done:
			return
		}
	}
}

// Close stops the cleanup goroutine.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.done) })
}

// RateLimitMiddleware creates a middleware for rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.GetLimiter(ratelimit.ClientIP(r)).Allow() {
				w.Header().Set("Retry-After", "1")
				respondError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
