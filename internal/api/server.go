package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/seantiz/sandboxd/internal/manager"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 5 * time.Minute
)

// Options tunes the HTTP server.
type Options struct {
	// Version is reported by /health.
	Version string

	CORSOrigins []string

	// CreateRate is the number of context creations allowed per second
	// across all clients; zero disables the limit.
	CreateRate  float64
	CreateBurst int
}

// Server wraps the chi router and the context manager.
type Server struct {
	router  *chi.Mux
	manager *manager.Manager
	logger  *slog.Logger
	addr    string
	version string
	started time.Time
	limiter *rate.Limiter
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, m *manager.Manager, opts Options, logger *slog.Logger) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		manager: m,
		logger:  logger,
		addr:    addr,
		version: opts.Version,
		started: time.Now(),
		limiter: newCreateLimiter(opts.CreateRate, opts.CreateBurst),
	}
	if srv.version == "" {
		srv.version = "dev"
	}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/backends", s.handleListBackends)
	s.router.Get("/v1/capabilities", s.handleListAllCapabilities)

	s.router.Route("/v1/contexts", func(r chi.Router) {
		r.With(s.limitCreates).Post("/", s.handleCreateContext)
		r.Get("/", s.handleListContexts)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetContext)
			r.Delete("/", s.handleDeleteContext)
			r.Post("/stop", s.handleStopContext)
			r.Post("/code", s.handleExecuteCode)
			r.Post("/command", s.handleExecuteCommand)
			r.Post("/files/read", s.handleReadFile)
			r.Post("/files/write", s.handleWriteFile)
			r.Get("/capabilities", s.handleListCapabilities)
			r.Post("/capabilities/{name}", s.handleExecuteCapability)
			r.Get("/executions", s.handleListExecutions)
			r.Get("/output", s.handleStreamOutput)
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts the listener down
// gracefully. Context teardown is left to the caller.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", context.Cause(ctx))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
