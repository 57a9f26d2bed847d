package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"southwinds.dev/heirloom"
)

// Config holds the listener and limiter settings of the HTTP surface.
type Config struct {
	Address         string
	RateLimit       float64
	RateBurst       int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Address == "" {
		c.Address = ":8443"
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 5
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Server exposes a vault over HTTP. It holds no vault state of its own.
type Server struct {
	vault    heirloom.ManagerService
	verifier TokenVerifier
	limiter  *multiLimiter
	log      zerolog.Logger
	cfg      Config
	router   *mux.Router
}

// New builds the router for vault. verifier authenticates every /api/v1
// request.
func New(vault heirloom.ManagerService, verifier TokenVerifier, cfg Config, log zerolog.Logger) (*Server, error) {
	if vault == nil {
		return nil, errors.New("vault cannot be nil")
	}
	if verifier == nil {
		return nil, errors.New("token verifier cannot be nil")
	}
	cfg = cfg.withDefaults()
	s := &Server{
		vault:    vault,
		verifier: verifier,
		limiter:  newMultiLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst, 10*time.Minute),
		log:      log.With().Str("component", "http").Logger(),
		cfg:      cfg,
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("address", s.cfg.Address).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.log.Info().Msg("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}

// accessLog records one line per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		event := s.log.Debug()
		if rec.status >= http.StatusInternalServerError {
			event = s.log.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
