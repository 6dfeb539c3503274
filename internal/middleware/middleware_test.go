package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func ok(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.4:5555"
	assert.Equal(t, "198.51.100.4", ClientIP(r))

	r.Header.Set("X-Real-IP", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(r))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientIP(r))
}

func TestRateLimit_PerIP(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RPS: 10, Burst: 20}, zap.NewNop(), nil)
	h := rl.Handler(http.HandlerFunc(ok))

	send := func(ip string) int {
		r := httptest.NewRequest(http.MethodPost, "/track", nil)
		r.Header.Set("X-Forwarded-For", ip)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	// per-IP burst is 2
	assert.Equal(t, http.StatusOK, send("203.0.113.1"))
	assert.Equal(t, http.StatusOK, send("203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.1"))
	assert.Equal(t, http.StatusOK, send("203.0.113.2"))
}

func TestRateLimit_Disabled(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: false, RPS: 1, Burst: 1}, zap.NewNop(), nil)
	h := rl.Handler(http.HandlerFunc(ok))
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimit_Cleanup(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RPS: 100, Burst: 100}, zap.NewNop(), nil)
	rl.nowFn = func() time.Time { return now }

	rl.limiterFor("a")
	now = now.Add(ipLimiterIdle / 2)
	rl.limiterFor("b")
	now = now.Add(ipLimiterIdle/2 + time.Second)

	assert.Equal(t, 1, rl.Cleanup())
	assert.Len(t, rl.ipLimiters, 1)
	assert.Contains(t, rl.ipLimiters, "b")
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := NewRecoveryMiddleware(zap.New(core)).Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/track", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"success":false,"error":"internal server error"}`, w.Body.String())
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "panic recovered", logs.All()[0].Message)
}

func TestLogging_LevelByStatus(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := NewLoggingMiddleware(zap.New(core)).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusBadRequest)
		}
	}))

	for _, p := range []string{"/bad", "/health", "/track"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, zap.DebugLevel, entries[1].Level)
	assert.Equal(t, zap.InfoLevel, entries[2].Level)
	assert.Equal(t, int64(200), entries[2].ContextMap()["status"])
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug", "json")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	_, err = NewLogger("loud", "json")
	assert.Error(t, err)
}
