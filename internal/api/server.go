package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/agentguard/internal/auth"
	"github.com/org/agentguard/internal/gateway"
	"github.com/rs/zerolog"
)

// Config holds server configuration.
type Config struct {
	ListenAddr   string
	TLSCertFile  string
	TLSKeyFile   string
	RateLimit    float64 // requests per second per client, 0 disables
	RateBurst    int
	// WriteTimeout bounds each response and must outlast the slowest tool
	// run. Zero disables it.
	WriteTimeout time.Duration
}

// Server is the HTTP transport for the gateway operation surface.
type Server struct {
	gw      *gateway.Service
	tokens  *auth.Registry
	events  http.Handler
	metrics *metrics
	ops     map[string]bool
	cfg     Config
	log     zerolog.Logger
	httpSrv *http.Server
}

// NewServer creates a Server. events may be nil, in which case /v1/events is
// not served.
func NewServer(gw *gateway.Service, tokens *auth.Registry, events http.Handler, cfg Config, logger zerolog.Logger) *Server {
	ops := map[string]bool{}
	for _, name := range gw.Operations() {
		ops[name] = true
	}
	s := &Server{
		gw:      gw,
		ops:     ops,
		tokens:  tokens,
		events:  events,
		metrics: newMetrics(gw),
		cfg:     cfg,
		log:     logger.With().Str("component", "api").Logger(),
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.BuildRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(s.metrics.middleware)
	if s.cfg.RateLimit > 0 {
		burst := s.cfg.RateBurst
		if burst <= 0 {
			burst = int(s.cfg.RateLimit * 2)
		}
		r.Use(newRateLimiter(s.cfg.RateLimit, burst, s.log).middleware)
	}

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", s.metrics.handler())

	r.Get("/v1/health", s.HealthHandler)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.tokens))

		r.Post("/v1/op", s.OpHandler)
		r.Get("/v1/ops", s.OpsListHandler)
		if s.events != nil {
			r.With(operatorOnly).Get("/v1/events", s.events.ServeHTTP)
		}
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
