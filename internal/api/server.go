// Package api exposes the decision engine over HTTP.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP API server.
type Server struct {
	router *chi.Mux
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Dependencies) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Recover sits inside tracing and logging so a panic is still logged
	// as a 500 with its request id.
	router.Use(CORSMiddleware(cfg.AllowedOrigins))
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Probes and metrics
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.Handler())

	// Evaluation
	router.Post("/evaluate", handler.Evaluate)
	router.Post("/evaluate/batch", handler.EvaluateBatch)
	router.Post("/submissions", handler.Submit)

	// Decision store
	router.Route("/evaluations", func(r chi.Router) {
		r.Get("/", handler.ListEvaluations)
		r.Get("/summary", handler.Summary)
		r.Get("/{id}", handler.GetEvaluation)
	})

	// Model and rules
	router.Get("/model", handler.Model)
	router.Route("/rules", func(r chi.Router) {
		r.Get("/", handler.ListRules)
		r.Post("/validate", handler.ValidateRule)
		r.Get("/{id}", handler.GetRule)
	})

	return &Server{
		router: router,
		server: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
