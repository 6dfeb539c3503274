// Package httpserver exposes ingestion and reporting over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/radiusdt/affiliate-attribution/internal/config"
	"github.com/radiusdt/affiliate-attribution/internal/metrics"
	"github.com/radiusdt/affiliate-attribution/internal/middleware"
	"github.com/radiusdt/affiliate-attribution/internal/postback"
	"github.com/radiusdt/affiliate-attribution/internal/reporting"
	"github.com/radiusdt/affiliate-attribution/internal/tracking"
	"go.uber.org/zap"
)

const (
	maxBodyBytes        = 1 << 20
	defaultReportPeriod = 30 * 24 * time.Hour
	healthCheckTimeout  = 2 * time.Second
)

// HealthChecker is a dependency probed by /health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies holds everything the server needs.
type Dependencies struct {
	Tracking  *tracking.Service
	Reporting *reporting.Service
	// Postback serves merchant S2S conversions when set.
	Postback *postback.Handler
	// Checks are probed by /health, keyed by component name.
	Checks  map[string]HealthChecker
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Server wraps HTTP handlers.
type Server struct {
	tracking  *tracking.Service
	reporting *reporting.Service
	postback  *postback.Handler
	checks    map[string]HealthChecker
	logger    *zap.Logger
	nowFn     func() time.Time
}

// NewServer constructs the router with every route registered.
func NewServer(deps *Dependencies) http.Handler {
	s := &Server{
		tracking:  deps.Tracking,
		reporting: deps.Reporting,
		postback:  deps.Postback,
		checks:    deps.Checks,
		logger:    deps.Logger,
		nowFn:     time.Now,
	}
	return s.routes(deps)
}

func (s *Server) routes(deps *Dependencies) http.Handler {
	cfg := deps.Config
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger).Handler)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger).Handler)

	r.Get("/health", s.handleHealth)
	if cfg.Metrics.Enabled && deps.Metrics != nil {
		r.Handle(cfg.Metrics.Path, deps.Metrics.Handler())
	}

	limiter := middleware.NewRateLimitMiddleware(cfg.RateLimit, deps.Logger, deps.Metrics)
	r.Group(func(r chi.Router) {
		r.Use(limiter.Handler)
		if cfg.Server.RequestTimeout > 0 {
			r.Use(chimw.Timeout(cfg.Server.RequestTimeout))
		}

		r.Post("/track", s.handleTrack)
		r.Post("/track/batch", s.handleTrackBatch)
		if s.postback != nil {
			r.Get("/postback", s.handlePostback)
			r.Post("/postback", s.handlePostback)
		}

		r.Get("/affiliate/{id}/performance", s.handleAffiliatePerformance)
		r.Get("/campaign/{id}/insights", s.handleCampaignInsights)
		r.Get("/event/{id}", s.handleGetEvent)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.errorResponse(w, "not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	return r
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for name, c := range s.checks {
		if err := c.Health(ctx); err != nil {
			s.logger.Warn("health check failed", zap.String("component", name), zap.Error(err))
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	s.writeJSON(w, status, body)
}

// ---- Helpers ----

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, msg string, status int) {
	s.writeJSON(w, status, errorBody{Success: false, Error: msg})
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func requestMeta(r *http.Request) tracking.RequestMeta {
	return tracking.RequestMeta{
		ClientIP:       middleware.ClientIP(r),
		UserAgent:      r.UserAgent(),
		AcceptLanguage: r.Header.Get("Accept-Language"),
	}
}
