// Package api is the HTTP ingress of the inspection service: job
// submission, status queries, deletion and queue stats.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/banshee-data/scaninspect/internal/inspection"
)

// AdminRoutes mounts debug handlers under /debug/.
type AdminRoutes interface {
	AttachAdminRoutes(mux *http.ServeMux) error
}

// Deps are the collaborators the handlers use. Cleaner and Admin are
// optional.
type Deps struct {
	Service *inspection.Service
	Cleaner *inspection.Cleaner
	Token   string
	Admin   AdminRoutes
	Logger  *slog.Logger
}

type Server struct {
	svc     *inspection.Service
	cleaner *inspection.Cleaner
	token   string
	admin   AdminRoutes
	logger  *slog.Logger
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:     deps.Service,
		cleaner: deps.Cleaner,
		token:   deps.Token,
		admin:   deps.Admin,
		logger:  logger.With("component", "api"),
	}
}

// Handler returns the routed handler. /healthz is open; everything under
// /v1 needs the bearer token.
func (s *Server) Handler() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(s.token))
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)
		r.Get("/queue", s.handleQueue)
	})

	if s.admin != nil {
		mux := http.NewServeMux()
		if err := s.admin.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
		r.Handle("/debug/*", mux)
	}
	return r, nil
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	h, err := s.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{w, http.StatusOK}
			next.ServeHTTP(lrw, r)
			level := slog.LevelDebug
			if lrw.statusCode >= 500 {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", lrw.statusCode,
				"duration_ms", float64(time.Since(start).Nanoseconds())/1e6)
		})
	}
}
