package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter implements a simple in-memory fixed-window rate limiter keyed
// by client IP. For multi-node deployments, move this to Redis alongside the
// flag store.
type RateLimiter struct {
	buckets  map[string]*bucket
	requests int
	window   time.Duration
	mu       sync.Mutex
}

type bucket struct {
	resetAt time.Time
	count   int
}

// NewRateLimiter creates a rate limiter allowing `requests` per `window`.
func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		buckets:  make(map[string]*bucket),
		requests: requests,
		window:   window,
	}

	go rl.cleanup()

	return rl
}

// Middleware returns a rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIP(r)) {
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(clientID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now().UTC()

	b, ok := rl.buckets[clientID]
	if !ok || now.After(b.resetAt) {
		rl.buckets[clientID] = &bucket{count: 1, resetAt: now.Add(rl.window)}
		return true
	}

	if b.count < rl.requests {
		b.count++
		return true
	}
	return false
}

// cleanup drops expired buckets so idle clients don't accumulate.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now().UTC()
		for clientID, b := range rl.buckets {
			if now.After(b.resetAt) {
				delete(rl.buckets, clientID)
			}
		}
		rl.mu.Unlock()
	}
}

// clientIP extracts the client IP, honoring proxy headers when present.
// X-Forwarded-For may carry a comma-separated hop list; only the first entry
// is the client, and keying on the raw header would let callers mint fresh
// buckets per request.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
