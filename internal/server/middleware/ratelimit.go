package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiters hands out one token bucket per key. Entries idle for 30 minutes
// are dropped every 10 minutes until ctx is done.
type limiters struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*keyedLimiter
}

func newLimiters(ctx context.Context, requestsPerSecond float64, burst int) *limiters {
	l := &limiters{
		rps:     rate.Limit(requestsPerSecond),
		burst:   burst,
		entries: make(map[string]*keyedLimiter),
	}

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.evict(time.Now().Add(-30 * time.Minute))
			case <-ctx.Done():
				return
			}
		}
	}()

	return l
}

func (l *limiters) evict(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, kl := range l.entries {
		if kl.lastAccess.Before(cutoff) {
			delete(l.entries, key)
		}
	}
}

func (l *limiters) allow(key string) bool {
	l.mu.Lock()
	kl, ok := l.entries[key]
	if !ok {
		kl = &keyedLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.entries[key] = kl
	}
	kl.lastAccess = time.Now()
	l.mu.Unlock()

	return kl.limiter.Allow()
}

func tooManyRequests(w http.ResponseWriter) {
	http.Error(w, `{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`, http.StatusTooManyRequests)
}

// RateLimitByIP applies per-IP rate limiting ahead of authentication. Uses
// chi's RealIP middleware value via r.RemoteAddr.
func RateLimitByIP(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	l := newLimiters(ctx, requestsPerSecond, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(r.RemoteAddr) {
				tooManyRequests(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit applies per-client rate limiting, keyed by the token subject and
// account. Requests without claims pass through.
func RateLimit(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	l := newLimiters(ctx, requestsPerSecond, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if !l.allow(claims.Subject + "/" + claims.AccountID) {
				tooManyRequests(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
