package web

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-chi/render"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sandboxops/lease-notify/internal/metrics"
)

// Config for the operations HTTP server: health probes and the Prometheus
// scrape endpoint. No business traffic flows through it.
type Config struct {
	Addr string

	RLEnabled bool
	RLLimit   int
	RLWindow  time.Duration
}

type Server struct {
	cfg   Config
	redis *redis.Client
	db    *sql.DB
	lg    zerolog.Logger

	srv *http.Server
}

func NewServer(cfg Config, rds *redis.Client, db *sql.DB, lg zerolog.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		redis: rds,
		db:    db,
		lg:    lg.With().Str("component", "web").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if cfg.RLEnabled && cfg.RLLimit > 0 {
		r.Use(httprate.LimitByIP(cfg.RLLimit, cfg.RLWindow))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", metrics.Handler())

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Start(_ context.Context) error {
	s.lg.Info().Str("addr", s.cfg.Addr).Msg("ops http server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, healthResponse{Status: "ok"})
}

// handleReadyz probes the two durable dependencies the dispatcher cannot run
// without: the idempotency store and the dead-letter store.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		} else {
			checks["redis"] = "ok"
		}
	}
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			checks["postgres"] = err.Error()
			healthy = false
		} else {
			checks["postgres"] = "ok"
		}
	}

	resp := healthResponse{Status: "ready", Checks: checks}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	render.Status(r, code)
	render.JSON(w, r, resp)
}
