// Package web exposes the importer over HTTP: uploads, progress streams,
// cached status and health.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/catalog-import/internal/logging"
	"github.com/JonMunkholm/catalog-import/internal/progress"
	mw "github.com/JonMunkholm/catalog-import/internal/web/middleware"
)

// Submitter hands a persisted upload to the job queue.
type Submitter interface {
	Submit(ctx context.Context, id, path string, size int64) error
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Options configures the HTTP surface.
type Options struct {
	UploadDir     string
	MaxFileSize   int64
	RelayIdle     time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration // Zero keeps progress streams open
	IdleTimeout   time.Duration
	HealthTimeout time.Duration

	// TrustedProxies lists CIDRs or IPs allowed to set the client address.
	TrustedProxies []string
}

// Server is the importer's HTTP server.
type Server struct {
	jobs   Submitter
	status progress.Subscriber
	relay  *progress.Relay
	checks map[string]HealthCheck
	opts   Options

	router *chi.Mux
	server *http.Server

	// streams is cancelled by Shutdown to end attached progress streams,
	// which would otherwise hold their connections open.
	streams     context.Context
	stopStreams context.CancelFunc
}

// NewServer wires routes over the given queue and status source.
func NewServer(jobs Submitter, status progress.Subscriber, checks map[string]HealthCheck, opts Options) *Server {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 2 * time.Second
	}
	s := &Server{
		jobs:   jobs,
		status: status,
		relay:  progress.NewRelay(status, opts.RelayIdle),
		checks: checks,
		opts:   opts,
		router: chi.NewRouter(),
	}
	s.streams, s.stopStreams = context.WithCancel(context.Background())
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.opts.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(securityHeaders)
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Get("/progress/{jobID}", s.handleProgress)
		r.Get("/status/{jobID}", s.handleStatus)
	})
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	slog.Info("http server listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown ends progress streams, then gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopStreams()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.HealthTimeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			logging.FromContext(ctx).Warn("health check failed", "check", name, "error", err)
			results[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": results})
}
