package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// Login attempt limiting: 5 attempts/second per IP, burst of 10.
const (
	loginRateLimit = rate.Limit(5)
	loginRateBurst = 10

	limiterMaxAge  = 10 * time.Minute
	limiterCleanup = 5 * time.Minute
)

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// requestLogger logs each request with its chi request id, status and
// duration.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug("http request",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// limiterEntry tracks a per-IP rate limiter and when it was last used.
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter rate limits requests per client IP. Idle entries are
// evicted lazily on each allow call, so no background goroutine is needed.
type ipRateLimiter struct {
	mu          sync.Mutex
	entries     map[string]*limiterEntry
	limit       rate.Limit
	burst       int
	lastCleanup time.Time
}

func newIPRateLimiter(limit rate.Limit, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		entries:     make(map[string]*limiterEntry),
		limit:       limit,
		burst:       burst,
		lastCleanup: time.Now(),
	}
}

func (rl *ipRateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastCleanup) > limiterCleanup {
		cutoff := now.Add(-limiterMaxAge)
		for key, entry := range rl.entries {
			if entry.lastSeen.Before(cutoff) {
				delete(rl.entries, key)
			}
		}
		rl.lastCleanup = now
	}

	entry, ok := rl.entries[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.entries[ip] = entry
	}
	entry.lastSeen = now

	return entry.limiter.Allow()
}

// clientIP returns the client IP address with the port stripped. The chi
// RealIP middleware runs first so RemoteAddr reflects X-Forwarded-For
// behind a reverse proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
