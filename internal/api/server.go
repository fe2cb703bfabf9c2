package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/ceap/internal/audit"
	"github.com/opensource-finance/ceap/internal/domain"
	"github.com/opensource-finance/ceap/internal/trainer"
)

// maxBodyBytes bounds request bodies; a full year of meal claims fits.
const maxBodyBytes = 64 << 20

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, classifierCfg domain.ClassifierConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, trainer *trainer.Service, processor *audit.Processor, version string) *Server {
	handler := NewHandler(classifierCfg, repo, cache, bus, trainer, processor, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(LoggingMiddleware(slog.Default()))    // Request logging, outermost so it sees panics as 500
	router.Use(middleware.Recoverer)                 // Recover from panics
	router.Use(TracingMiddleware)                    // OpenTelemetry tracing
	router.Use(middleware.RealIP)                    // Extract real IP
	router.Use(middleware.RequestSize(maxBodyBytes)) // Bound uploads
	router.Use(middleware.Compress(5))               // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Category rules are tenant independent
	router.Get("/categories", handler.ListCategoryRules)
	router.Post("/categories/validate", handler.ValidateCategoryRule)

	// API routes (tenant required)
	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Ingestion
		r.Post("/reimbursements", handler.IngestReimbursements)
		r.Get("/reimbursements/{id}", handler.GetReimbursement)

		// Model lifecycle
		r.Post("/fit", handler.Fit)
		r.Get("/model", handler.GetModel)
		r.Get("/model/groups/{identity}", handler.GetGroups)

		// Scoring
		r.Post("/predict", handler.Predict)
		r.Post("/assess", handler.Assess)

		// Evaluation retrieval
		r.Get("/evaluations/{id}", handler.GetEvaluation)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
