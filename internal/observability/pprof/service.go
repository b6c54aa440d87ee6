// Package pprof exposes net/http/pprof as a mountable handler for the ops API
// and applies the runtime profiling rates from configuration.
package pprof

import (
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	logx "nudge/pkg/logx"
)

const DefaultPrefix = "/debug/pprof/"

type Config struct {
	Enabled              bool
	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

// Service holds the current profiling config. Handler checks Enabled per
// request so a reload can switch profiling off without rebuilding the router.
type Service struct {
	mu  sync.RWMutex
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Service {
	s := &Service{log: log.With(logx.String("comp", "pprof"))}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	if cfg.Enabled {
		applyRuntimeRates(cfg)
	} else if prev.Enabled {
		// back to Go defaults
		runtime.SetMutexProfileFraction(0)
		runtime.SetBlockProfileRate(0)
	}
	if cfg.Enabled != prev.Enabled {
		s.log.Info("pprof", logx.Bool("enabled", cfg.Enabled))
	}
}

func (s *Service) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Enabled
}

func applyRuntimeRates(cfg Config) {
	// 0 keeps Go default; negative values are rejected by config validation.
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

// Handler serves the pprof endpoints relative to prefix. Mount it with
// chi's Mount at the same prefix (without the trailing slash).
func (s *Service) Handler(prefix string) http.Handler {
	prefix = normalizePrefix(prefix)
	r := chi.NewRouter()
	r.Use(s.gate)
	r.Get("/", pprofIndexAt(prefix))
	r.Get("/cmdline", hpprof.Cmdline)
	r.Get("/profile", hpprof.Profile)
	r.Get("/symbol", hpprof.Symbol)
	r.Post("/symbol", hpprof.Symbol)
	r.Get("/trace", hpprof.Trace)
	r.Get("/{name}", pprofIndexAt(prefix))
	return r
}

func (s *Service) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Enabled() {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = DefaultPrefix
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/, so the path is
// rewritten before handing off.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, canon)
		if suffix == r.URL.Path {
			suffix = strings.TrimPrefix(r.URL.Path, "/")
		}
		r2 := r.Clone(r.Context())
		r2.URL.Path = DefaultPrefix + suffix
		hpprof.Index(w, r2)
	}
}
