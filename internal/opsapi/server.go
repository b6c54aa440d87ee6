// Package opsapi is the operator HTTP surface: pending jobs, per-day queues,
// message withdraw/snooze, trigger previews, health and Prometheus metrics.
// Everything under /v1 requires the bearer token; mutating calls are
// written to the audit log.
package opsapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"nudge/internal/admission"
	"nudge/internal/dispatch"
	"nudge/internal/metrics"
	"nudge/internal/notifygen"
	"nudge/internal/storage"
	"nudge/internal/userqueue"
	logx "nudge/pkg/logx"
)

const (
	defaultRequestTimeout = 30 * time.Second
	shutdownTimeout       = 5 * time.Second
)

type Config struct {
	Addr  string
	Token string
}

type Dispatcher interface {
	ListPending(ctx context.Context) ([]dispatch.Job, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
	ClearAll(ctx context.Context) (int, error)
	Snapshot() dispatch.Snapshot
}

type Admission interface {
	Withdraw(ctx context.Context, messageID string) (bool, error)
	Snooze(ctx context.Context, messageID string, at time.Time, limit int) (admission.Result, error)
	CancelJob(ctx context.Context, j dispatch.Job) (bool, error)
}

type Generator interface {
	Run(ctx context.Context) (notifygen.Report, error)
}

// Deps are the components the API drives. Generator and Metrics may be nil.
type Deps struct {
	Store        storage.Store
	Queue        *userqueue.Queue
	Dispatch     Dispatcher
	Admission    Admission
	Generator    Generator
	Metrics      *metrics.Recorder
	DefaultLimit int
	// Status adds named snapshots to /health (supervisor, task engine).
	Status map[string]func() any
	// Pprof, when set, is mounted at /debug/pprof behind the token.
	Pprof http.Handler
	Now   func() time.Time
}

type Server struct {
	cfg      Config
	deps     Deps
	log      logx.Logger
	router   *chi.Mux
	validate *validator.Validate
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		log:      log.With(logx.String("comp", "opsapi")),
		router:   chi.NewRouter(),
		validate: validator.New(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)

	// CPU profiles and traces outlive the request timeout.
	if s.deps.Pprof != nil {
		r.Mount("/debug/pprof", s.requireToken(s.deps.Pprof))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(defaultRequestTimeout))

		r.Get("/health", s.handleHealth)
		if s.deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
		}

		r.Route("/v1", func(r chi.Router) {
			r.Use(s.requireToken)

			r.Get("/jobs", s.handleListJobs)
			r.Delete("/jobs", s.handleClearJobs)
			r.Delete("/jobs/{id}", s.handleCancelJob)

			r.Get("/queues/{user}", s.handleShowQueue)
			r.Delete("/queues/{user}", s.handleClearQueue)
			r.Delete("/queues", s.handleClearAllQueues)

			r.Get("/messages/{id}", s.handleGetMessage)
			r.Delete("/messages/{id}", s.handleWithdraw)
			r.Post("/messages/{id}/snooze", s.handleSnooze)

			r.Get("/triggers/{id}/preview", s.handlePreview)
			r.Post("/generate", s.handleGenerate)
			r.Get("/audit", s.handleAudit)
		})
	})
}

// Run serves on cfg.Addr until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("ops api listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("ops api shutdown", logx.Err(err))
	}
	return nil
}
