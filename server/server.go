// Package server wires the bridge handler, admin API, and middleware into
// one HTTP surface.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/rai1001/chefos/admin"
	"github.com/rai1001/chefos/bridge/replay"
	"github.com/rai1001/chefos/server/middleware"
	"github.com/rai1001/chefos/store"
)

const (
	// DefaultMaxSkew bounds how far a request's claimed timestamp may
	// drift from server time.
	DefaultMaxSkew = time.Minute

	maxAllowedSkew = 2 * time.Minute

	// BridgePrefix is where the agent routes are mounted.
	BridgePrefix = "/functions/v1/agent-bridge"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Store   *store.Store
	Guard   replay.Guard
	Logger  *slog.Logger
	MaxSkew time.Duration
	Now     func() time.Time

	Admin         *admin.API
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
}

// Server hosts the signed-request bridge.
type Server struct {
	store   *store.Store
	guard   replay.Guard
	logger  *slog.Logger
	maxSkew time.Duration
	now     func() time.Time

	router http.Handler
}

// New constructs a configured Server. MaxSkew is defaulted and clamped the
// same way the replay TTL is.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = DefaultMaxSkew
	}
	if cfg.MaxSkew > maxAllowedSkew {
		cfg.MaxSkew = maxAllowedSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	srv := &Server{
		store:   cfg.Store,
		guard:   cfg.Guard,
		logger:  cfg.Logger,
		maxSkew: cfg.MaxSkew,
		now:     cfg.Now,
	}
	srv.router = srv.buildRouter(cfg)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route(BridgePrefix, func(br chi.Router) {
		if cfg.RateLimiter != nil {
			br.Use(cfg.RateLimiter.Middleware)
		}
		if cfg.Observability != nil {
			br.Use(cfg.Observability.Middleware("agent-bridge"))
		}
		br.HandleFunc("/*", s.handleBridge)
	})

	if cfg.Admin != nil {
		r.Route("/admin/v1", func(ar chi.Router) {
			if cfg.Observability != nil {
				ar.Use(cfg.Observability.Middleware("admin"))
			}
			cfg.Admin.Mount(ar)
		})
	}

	if cfg.Observability != nil {
		r.Handle("/metrics", cfg.Observability.MetricsHandler())
	}

	return r
}
