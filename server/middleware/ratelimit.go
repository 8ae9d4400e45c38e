// Package middleware carries the HTTP middleware shared by the bridge and
// admin surfaces: per-caller rate limiting and request observability.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// visitorIdleTTL is how long a caller's bucket survives without traffic
	// before the sweep drops it. Bounds the map against forged header values.
	visitorIdleTTL = 3 * time.Minute

	sweepInterval = time.Minute
)

// RateLimit configures one limiter bucket.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// RateLimiter applies a token-bucket limit per caller. Callers are keyed by
// the x-agent-id header when present, falling back to client IP so
// unauthenticated probes share a bucket per host. Idle buckets are swept
// periodically so the visitor map stays bounded even under forged ids.
type RateLimiter struct {
	logger *slog.Logger
	limit  RateLimit

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds a limiter; a zero RequestsPerMinute disables it.
func NewRateLimiter(limit RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	r := &RateLimiter{
		logger:   logger,
		limit:    limit,
		visitors: make(map[string]*visitor),
	}
	if limit.RequestsPerMinute > 0 {
		go r.sweepLoop()
	}
	return r
}

// Middleware enforces the limit, answering 429 when a bucket is drained.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r == nil || r.limit.RequestsPerMinute <= 0 {
			next.ServeHTTP(w, req)
			return
		}
		key := callerKey(req)
		if !r.limiter(key, time.Now()).Allow() {
			r.logger.Warn("rate limit exceeded", "caller", key, "path", req.URL.Path)
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) limiter(key string, now time.Time) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.visitors[key]; ok {
		v.lastSeen = now
		return v.lim
	}
	lim := rate.NewLimiter(rate.Limit(r.limit.RequestsPerMinute/60.0), r.limit.Burst)
	r.visitors[key] = &visitor{lim: lim, lastSeen: now}
	return lim
}

func (r *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for now := range ticker.C {
		r.sweep(now)
	}
}

func (r *RateLimiter) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, v := range r.visitors {
		if now.Sub(v.lastSeen) >= visitorIdleTTL {
			delete(r.visitors, key)
		}
	}
}

func callerKey(req *http.Request) string {
	if agent := strings.TrimSpace(req.Header.Get("x-agent-id")); agent != "" {
		return "agent:" + agent
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return "ip:" + req.RemoteAddr
	}
	return "ip:" + host
}
