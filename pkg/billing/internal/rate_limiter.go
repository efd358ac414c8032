package internal

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter provides simple in-memory per-IP rate limiting for webhook
// endpoints. Webhook traffic is low-volume and bursty; a fixed window per IP
// is enough to keep a misbehaving sender from monopolizing the handler.
type RateLimiter struct {
	mu           sync.Mutex
	windows      map[string]*window
	limit        int
	window       time.Duration
	requestCount int
	cleanupEvery int
	cleanupAt    int
}

type window struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter creates a rate limiter allowing limit requests per interval
// per client IP.
func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		windows:      make(map[string]*window),
		limit:        limit,
		window:       interval,
		cleanupEvery: 100,
		cleanupAt:    200,
	}
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	// Lazy cleanup: every N requests, or whenever the map outgrows the
	// expected working set. Avoids a dedicated goroutine that can never be
	// stopped by callers.
	rl.requestCount++
	if rl.requestCount%rl.cleanupEvery == 0 || len(rl.windows) > rl.cleanupAt {
		rl.cleanupExpired(now)
		if rl.requestCount >= rl.cleanupEvery*10 {
			rl.requestCount = 0
		}
	}

	w, ok := rl.windows[ip]
	if !ok || now.After(w.resetAt) {
		rl.windows[ip] = &window{count: 1, resetAt: now.Add(rl.window)}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

func (rl *RateLimiter) cleanupExpired(now time.Time) {
	for ip, w := range rl.windows {
		if now.After(w.resetAt) {
			delete(rl.windows, ip)
		}
	}
}

// Middleware wraps an HTTP handler with rate limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(ClientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the client IP, preferring X-Forwarded-For when set by a
// proxy or load balancer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.Split(xff, ",")[0]; ip != "" {
			return strings.TrimSpace(ip)
		}
	}
	return r.RemoteAddr
}
