package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/config"
	"github.com/radiusdt/affiliate-attribution/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ipLimiterIdle is how long an unused per-IP limiter is kept.
const ipLimiterIdle = 10 * time.Minute

// RateLimitMiddleware applies a global token bucket and a tighter one per
// client IP.
type RateLimitMiddleware struct {
	cfg     config.RateLimitConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	global  *rate.Limiter

	mu          sync.Mutex
	ipLimiters  map[string]*ipLimiter
	lastCleanup time.Time
	nowFn       func() time.Time
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimitMiddleware creates the middleware. m may be nil.
func NewRateLimitMiddleware(cfg config.RateLimitConfig, logger *zap.Logger, m *metrics.Metrics) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		global:     rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		ipLimiters: make(map[string]*ipLimiter),
		nowFn:      time.Now,
	}
}

func (rl *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r)
		if !rl.global.Allow() || !rl.limiterFor(ip).Allow() {
			rl.logger.Warn("rate limit exceeded",
				zap.String("path", r.URL.Path),
				zap.String("client_ip", ip),
			)
			if rl.metrics != nil {
				rl.metrics.RecordRateLimitHit(r.URL.Path)
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// limiterFor returns the limiter of ip. Per-IP buckets get a tenth of the
// global budget.
func (rl *RateLimitMiddleware) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	if now.Sub(rl.lastCleanup) >= ipLimiterIdle {
		rl.cleanupLocked(now)
	}
	if l, ok := rl.ipLimiters[ip]; ok {
		l.lastSeen = now
		return l.limiter
	}

	burst := rl.cfg.Burst / 10
	if burst < 1 {
		burst = 1
	}
	l := &ipLimiter{
		limiter:  rate.NewLimiter(rate.Limit(rl.cfg.RPS/10), burst),
		lastSeen: now,
	}
	rl.ipLimiters[ip] = l
	return l.limiter
}

// Cleanup drops limiters idle for longer than ipLimiterIdle and returns how
// many were removed. limiterFor also runs it once per idle period.
func (rl *RateLimitMiddleware) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.cleanupLocked(rl.nowFn())
}

func (rl *RateLimitMiddleware) cleanupLocked(now time.Time) int {
	rl.lastCleanup = now
	cutoff := now.Add(-ipLimiterIdle)
	removed := 0
	for ip, l := range rl.ipLimiters {
		if l.lastSeen.Before(cutoff) {
			delete(rl.ipLimiters, ip)
			removed++
		}
	}
	return removed
}

// ClientIP extracts the caller IP, honouring proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
