package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg RateLimitConfig) (*RateLimiter, *time.Time) {
	t.Helper()
	rl := NewRateLimiter(cfg, slog.Default())
	t.Cleanup(rl.Stop)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiter_BurstThenReject(t *testing.T) {
	rl, _ := newTestLimiter(t, RateLimitConfig{RPS: 1, Burst: 3})

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("10.0.0.1"), "request %d should pass", i)
	}
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "other clients keep their own bucket")
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	rl, now := newTestLimiter(t, RateLimitConfig{RPS: 1, Burst: 1})

	require.True(t, rl.Allow("10.0.0.1"))
	require.False(t, rl.Allow("10.0.0.1"))

	*now = now.Add(time.Second)
	assert.True(t, rl.Allow("10.0.0.1"))
}

func TestRateLimiter_EvictsIdleVisitors(t *testing.T) {
	rl, now := newTestLimiter(t, RateLimitConfig{RPS: 1, Burst: 1, IdleTTL: time.Minute})

	rl.Allow("10.0.0.1")
	*now = now.Add(30 * time.Second)
	rl.Allow("10.0.0.2")
	*now = now.Add(45 * time.Second)

	rl.evict()
	assert.Equal(t, 1, rl.size())
}

func TestRateLimiter_Middleware429(t *testing.T) {
	rl, _ := newTestLimiter(t, RateLimitConfig{RPS: 0.5, Burst: 1})
	h := rl.Middleware(okHandler)

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	h.ServeHTTP(first, req)
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, req)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "2", second.Header().Get("Retry-After"))
	assert.Contains(t, second.Body.String(), "RATE_LIMITED")
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RPS: 1, Burst: 1}, slog.Default())
	rl.Stop()
	assert.NotPanics(t, rl.Stop)
}

func TestClientIPFrom(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		headers    map[string]string
		trustProxy bool
		want       string
	}{
		{"remote addr", "192.0.2.1:1234", nil, false, "192.0.2.1"},
		{"xff ignored without trust", "192.0.2.1:1234", map[string]string{"X-Forwarded-For": "203.0.113.9"}, false, "192.0.2.1"},
		{"xff first hop", "192.0.2.1:1234", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, true, "203.0.113.9"},
		{"x-real-ip", "192.0.2.1:1234", map[string]string{"X-Real-IP": "203.0.113.10"}, true, "203.0.113.10"},
		{"garbage xff falls back", "192.0.2.1:1234", map[string]string{"X-Forwarded-For": "not-an-ip"}, true, "192.0.2.1"},
		{"remote without port", "192.0.2.1", nil, false, "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIPFrom(req, tt.trustProxy))
		})
	}
}
