package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/neuralsieve/relay/internal/handler"
	"github.com/neuralsieve/relay/internal/openapi"
	"github.com/neuralsieve/relay/internal/server/middleware"
	"github.com/neuralsieve/relay/internal/service"
	"github.com/neuralsieve/relay/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	MaxBodySize     int64 // bytes
	MaxContentBytes int   // capture content ceiling
	MaxPending      int64 // queue depth ceiling, 0 = unbounded
	RateLimitPerMin int   // per-credential request limit
	Version         string
}

// DefaultConfig returns a Config with sensible production defaults. The relay
// binds to localhost by default; exposure is expected to happen through a
// tunnel or reverse proxy that terminates TLS.
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            8421,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		MaxBodySize:     1 << 20, // 1MB
		MaxContentBytes: 512_000,
		MaxPending:      1000,
		RateLimitPerMin: 120,
		Version:         "dev",
	}
}

// Server is the relay's HTTP server. It owns the chi router and wires the
// capture queue and credential management onto the store and auth service.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *store.Store
	authSvc    *service.AuthService
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server with all routes and middleware wired. Call
// ListenAndServe to start accepting connections.
func New(cfg Config, st *store.Store, authSvc *service.AuthService, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		authSvc: authSvc,
		logger:  logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(maxBytes(s.cfg.MaxBodySize))

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// --- OpenAPI spec (no auth required) ---
	r.Get("/openapi.json", s.handleOpenAPI)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(s.authSvc))
		// After auth on purpose: failed credentials are 401'd above and
		// never mint a limiter bucket.
		if s.cfg.RateLimitPerMin > 0 {
			r.Use(middleware.RateLimitByKey(s.cfg.RateLimitPerMin))
		}

		captureHandler := handler.NewCaptureHandler(s.store, s.logger, s.cfg.MaxContentBytes, s.cfg.MaxPending)

		// Capture queue: any valid key may submit, list, and ack. The single
		// consumer is the trusted local agent, so listing is not scoped by
		// submitter.
		r.Post("/captures", captureHandler.Submit)
		r.Get("/captures/pending", captureHandler.ListPending)
		r.Post("/captures/{captureID}/ack", captureHandler.Ack)

		// Credential management requires an admin-scoped key.
		r.Route("/system", func(r chi.Router) {
			r.Use(middleware.RequireAdmin())

			sysHandler := handler.NewSystemHandler(s.authSvc)
			r.Get("/key", sysHandler.ListKeys)
			r.Post("/key", sysHandler.CreateKey)
			r.Delete("/key/{keyID}", sysHandler.RevokeKey)
		})
	})

	s.router = r
}

// maxBytes caps the request body size before any handler reads it.
func maxBytes(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","service":"sieve-relay"}`))
}

// handleReadyz is a readiness probe. Returns 200 with the current queue depth
// when the store is reachable, or 503 if the database ping fails.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := s.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "degraded"})
		return
	}

	pending, err := s.store.CountPending(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "degraded"})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"pending": pending,
	})
}

// handleOpenAPI serves the relay's OpenAPI 3.1 document.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	baseURL := fmt.Sprintf("http://%s:%d", s.cfg.Host, s.cfg.Port)
	doc := openapi.GenerateSpec(baseURL, s.cfg.Version)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(doc)
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests before returning.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
