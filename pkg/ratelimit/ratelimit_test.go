package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_Allow_BlocksBeyondBurst(t *testing.T) {
	l := New(1, 2)

	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("1.2.3.4"))
	assert.False(t, l.Allow("1.2.3.4"))
}

func TestLimiter_Allow_TracksIPsIndependently(t *testing.T) {
	l := New(1, 1)

	assert.True(t, l.Allow("1.1.1.1"))
	assert.True(t, l.Allow("2.2.2.2"))
	assert.False(t, l.Allow("1.1.1.1"))
}

func TestLimiter_CleanupIdle_RemovesOldEntries(t *testing.T) {
	l := New(1, 1)
	l.Allow("1.2.3.4")
	assert.Equal(t, 1, l.Size())

	l.mu.Lock()
	l.entries["1.2.3.4"].lastAccess = time.Now().Add(-2 * idleThreshold)
	l.mu.Unlock()

	l.CleanupIdle()
	assert.Equal(t, 0, l.Size())
}

func TestClientIP_PrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1")
	r.RemoteAddr = "127.0.0.1:1234"
	assert.Equal(t, "9.9.9.9", ClientIP(r))
}

func TestClientIP_FallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "127.0.0.1:1234"
	assert.Equal(t, "127.0.0.1", ClientIP(r))
}
