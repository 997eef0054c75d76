// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/howard-nolan/llmgateway/internal/channel"
	"github.com/howard-nolan/llmgateway/internal/checkin"
	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/stream"
)

// TokenStore resolves gateway access keys.
type TokenStore interface {
	LookupToken(ctx context.Context, key string) (*channel.AccessToken, error)
}

// CheckinRunner runs every eligible check-in now.
type CheckinRunner interface {
	RunAll(ctx context.Context) (checkin.RunResult, error)
}

// SchedulerControl is the scheduler's external surface.
type SchedulerControl interface {
	Reschedule(ctx context.Context, reset bool) (time.Time, error)
	Status(ctx context.Context) (checkin.Status, error)
}

// ScheduleSettings reads and writes the check-in schedule setting.
type ScheduleSettings interface {
	CheckinSchedule(ctx context.Context) (checkin.Schedule, error)
	SetCheckinSchedule(ctx context.Context, sched checkin.Schedule) error
}

// UsageLog lists recorded usage, newest first.
type UsageLog interface {
	RecentUsage(ctx context.Context, limit int) ([]stream.UsageEvent, error)
}

// Deps are the collaborators the handlers call into. Proxy and Tokens are
// required; the admin routes are only mounted for the dependencies that
// are set.
type Deps struct {
	Proxy     http.Handler
	Tokens    TokenStore
	Checkin   CheckinRunner
	Scheduler SchedulerControl
	Settings  ScheduleSettings
	Usage     UsageLog
	Gatherer  prometheus.Gatherer
}

// Server holds the HTTP router and all dependencies that handlers need.
type Server struct {
	router chi.Router
	cfg    *config.Config
	deps   Deps
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID tags each request so the access log line and any error
	// logged while handling it can be correlated. RealIP trusts
	// X-Forwarded-For, which is fine behind our own load balancer.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog)

	// Recoverer turns a panic in a handler into a 500 instead of taking the
	// whole process down.
	r.Use(middleware.Recoverer)

	// --- Operational routes ---
	r.Get("/health", s.handleHealth)
	if s.deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// --- Admin routes ---
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuth)
		if s.deps.Checkin != nil {
			r.Post("/checkin/run", s.handleCheckinRun)
		}
		if s.deps.Scheduler != nil {
			r.Post("/checkin/reschedule", s.handleCheckinReschedule)
			r.Get("/checkin/status", s.handleCheckinStatus)
		}
		if s.deps.Settings != nil {
			r.Get("/settings/checkin-schedule", s.handleGetSchedule)
			r.Put("/settings/checkin-schedule", s.handlePutSchedule)
		}
		if s.deps.Usage != nil {
			r.Get("/usage", s.handleUsage)
		}
	})

	// --- Everything else is proxied ---
	// "/*" matches any path and Handle matches any method, so this is the
	// catch-all entry point for every dialect.
	r.With(s.tokenAuth).Handle("/*", s.deps.Proxy)

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
