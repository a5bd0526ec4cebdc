// Package ratelimit throttles the ingest boundary per source IP (§4.8,
// SPEC_FULL.md §10.7). State lives in a single in-process map — the
// "shared cache backend" the reference implementation describes is just
// a process-local dict keyed by IP, so this carries the same semantics
// rather than externalizing to Redis or similar.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultCleanupInterval = 1 * time.Hour
	idleThreshold          = 1 * time.Hour
)

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter is a mutex-guarded per-IP token bucket set.
type Limiter struct {
	requestsPerSecond float64
	burst             int

	mu      sync.Mutex
	entries map[string]*entry
}

// New builds a Limiter allowing requestsPerSecond sustained per IP, with a
// bucket of burst tokens (at most burst requests back to back).
func New(requestsPerSecond float64, burst int) *Limiter {
	return &Limiter{
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
		entries:           make(map[string]*entry),
	}
}

// Allow reports whether a request from clientIP is within its budget,
// creating a fresh bucket for IPs seen for the first time.
func (l *Limiter) Allow(clientIP string) bool {
	l.mu.Lock()
	e, ok := l.entries[clientIP]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.requestsPerSecond), l.burst)}
		l.entries[clientIP] = e
	}
	e.lastAccess = time.Now()
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// CleanupIdle removes buckets untouched for longer than idleThreshold, so
// a long-running process doesn't accumulate one entry per IP forever.
func (l *Limiter) CleanupIdle() {
	cutoff := time.Now().Add(-idleThreshold)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.entries {
		if e.lastAccess.Before(cutoff) {
			delete(l.entries, ip)
		}
	}
}

// StartCleanup runs CleanupIdle on a ticker until ctx-independent Stop is
// never needed in practice — the ticker is cheap enough to live for the
// process lifetime, matching the teacher's fire-and-forget cleanup job.
func (l *Limiter) StartCleanup() {
	ticker := time.NewTicker(defaultCleanupInterval)
	go func() {
		for range ticker.C {
			l.CleanupIdle()
		}
	}()
}

// Size reports the current number of tracked IPs, for diagnostics.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// ClientIP extracts the request's originating IP the same way the
// teacher's ingress middleware does: X-Forwarded-For first entry, then
// X-Real-IP, then RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
