package server

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sage-x-project/sage-registry/types"
)

type contextKey int

const (
	requestIDContextKey contextKey = iota
	loggerContextKey
)

// maxBodyBytes caps request bodies ahead of any parsing.
const maxBodyBytes = 512 << 10

// writeMethods classifies which HTTP methods the API key guard covers.
var writeMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// RequestID returns the request id assigned by the middleware.
func RequestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDContextKey).(string); ok {
		return id
	}
	return ""
}

// requestIDMiddleware takes the first non-empty of x-request-id and
// x-correlation-id, minting a UUID otherwise, echoes it on the response, and
// seeds the request-scoped logger.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("x-request-id")
		if id == "" {
			id = r.Header.Get("x-correlation-id")
		}
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("x-request-id", id)

		ctx := context.WithValue(r.Context(), requestIDContextKey, id)
		ctx = context.WithValue(ctx, loggerContextKey, s.log.WithField("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the status code for the access log. It forwards
// Hijack so the websocket upgrade keeps working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		requestDuration.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).
			Observe(duration.Seconds())
		s.requestLogger(r).WithFields(map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": duration.Milliseconds(),
			"client_ip":   clientIP(r),
		}).Info("request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, x-api-key, x-request-id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		allowed, retryAfter := s.limiter.Allow(ip, time.Now())
		rateLimiterIPs.Set(float64(s.limiter.Tracked()))
		if !allowed {
			rateLimitedTotal.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			s.writeError(w, r, types.NewRateLimited("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiKeyMiddleware guards writes when an API key is configured. Reads always
// pass; with no key configured, writes pass too.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && writeMethods[r.Method] {
			if r.Header.Get("x-api-key") != s.cfg.APIKey {
				s.writeError(w, r, types.NewUnauthorized("invalid or missing API key"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the client address: first x-forwarded-for entry, then the
// transport peer, then "unknown".
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("x-forwarded-for"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a per-IP fixed-window counter. Entries are never evicted;
// memory is bounded by the active-IP cardinality.
type RateLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string]*windowEntry
}

// NewRateLimiter creates a limiter allowing max requests per window per IP.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		max:     max,
		window:  window,
		entries: make(map[string]*windowEntry),
	}
}

// Allow records a request from ip at time now. When denied, retryAfter is the
// whole number of seconds until the window resets, rounded up.
func (l *RateLimiter) Allow(ip string, now time.Time) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[ip]
	if !ok || now.After(e.resetAt) {
		l.entries[ip] = &windowEntry{count: 1, resetAt: now.Add(l.window)}
		return true, 0
	}
	if e.count >= l.max {
		return false, int(math.Ceil(e.resetAt.Sub(now).Seconds()))
	}
	e.count++
	return true, 0
}

// Tracked reports how many IPs currently hold a window entry.
func (l *RateLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
