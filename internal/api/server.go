// Package api is the HTTP adapter. It stays thin: handlers decode requests,
// call into the scheduler/registry/auth packages and project their records
// straight to JSON. All policy lives below this layer.
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/promptdhq/promptd/internal/auth"
	"github.com/promptdhq/promptd/internal/broker"
	"github.com/promptdhq/promptd/internal/config"
	"github.com/promptdhq/promptd/internal/metrics"
	"github.com/promptdhq/promptd/internal/registry"
	"github.com/promptdhq/promptd/internal/scheduler"
	"github.com/promptdhq/promptd/internal/token"
)

type Server struct {
	cfg      *config.Config
	authn    *auth.Authenticator
	issuer   *token.Issuer
	sched    *scheduler.Scheduler
	registry *registry.Registry
	broker   *broker.Broker

	rateLimitMu  sync.Mutex
	rateLimiters map[string]*rateLimiterEntry
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// metricsSource exposes the live scheduler and broker counters to the
// metrics gauges.
type metricsSource struct {
	*scheduler.Scheduler
	*broker.Broker
}

func New(cfg *config.Config, authn *auth.Authenticator, issuer *token.Issuer, sched *scheduler.Scheduler, reg *registry.Registry, br *broker.Broker) *Server {
	srv := &Server{
		cfg:          cfg,
		authn:        authn,
		issuer:       issuer,
		sched:        sched,
		registry:     reg,
		broker:       br,
		rateLimiters: make(map[string]*rateLimiterEntry),
	}
	metrics.Register(metricsSource{sched, br})
	return srv
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/api/health", s.handleHealth)

	r.With(s.rateLimitMiddleware).Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.tokenAuthMiddleware)

		r.Get("/api/repos", s.handleListRepos)
		r.With(s.rateLimitMiddleware).Post("/api/repos", s.handleRegisterRepo)
		r.Get("/api/repos/{repo}", s.handleGetRepo)
		r.With(s.rateLimitMiddleware).Delete("/api/repos/{repo}", s.handleUnregisterRepo)
		r.Get("/api/repos/{repo}/files", s.handleBrowseRepo)
		r.Get("/api/repos/{repo}/content", s.handleRepoContent)

		r.Get("/api/jobs", s.handleListJobs)
		r.With(s.rateLimitMiddleware).Post("/api/jobs", s.handleCreateJob)
		r.Get("/api/jobs/{job}", s.handleGetJob)
		r.With(s.rateLimitMiddleware).Post("/api/jobs/{job}/start", s.handleStartJob)
		r.With(s.rateLimitMiddleware).Post("/api/jobs/{job}/cancel", s.handleCancelJob)
		r.With(s.rateLimitMiddleware).Delete("/api/jobs/{job}", s.handleDeleteJob)
		r.Get("/api/jobs/{job}/position", s.handleQueuePosition)
		r.With(s.rateLimitMiddleware).Post("/api/jobs/{job}/uploads", s.handleUpload)
		r.Get("/api/jobs/{job}/output", s.handleJobOutput)
		r.Get("/api/events", s.handleJobEvents)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
