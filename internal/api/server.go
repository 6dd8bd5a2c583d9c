// Package api exposes the HTTP interface for the progress service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/freelancehub/progress-service/internal/config"
	"github.com/freelancehub/progress-service/internal/metrics"
	"github.com/freelancehub/progress-service/internal/progress"
)

const handlerTimeout = 5 * time.Second

// Server wires HTTP handlers to the domain services.
type Server struct {
	router    chi.Router
	updates   *progress.Service
	analytics *progress.Analytics
	comments  *progress.CommentService
	logger    *zap.Logger
	cfg       config.Config
	ready     func(context.Context) error
}

// NewServer constructs a Server with middleware and routes. ready is the
// readiness probe; nil means always ready.
func NewServer(
	updates *progress.Service,
	analytics *progress.Analytics,
	comments *progress.CommentService,
	cfg config.Config,
	logger *zap.Logger,
	ready func(context.Context) error,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		updates:   updates,
		analytics: analytics,
		comments:  comments,
		logger:    logger,
		cfg:       cfg,
		ready:     ready,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/progress-updates", func(r chi.Router) {
			r.Get("/", s.listUpdates)
			r.Post("/", s.createUpdate)

			r.Get("/project/{projectId}", s.listByProject)
			r.Get("/contract/{contractId}", s.listByContract)
			r.Get("/freelancer/{freelancerId}", s.listByFreelancer)

			r.Get("/trend/project/{projectId}", s.projectTrend)
			r.Get("/stalled/projects", s.stalledProjects)
			r.Get("/rankings/freelancers", s.freelancerRankings)
			r.Get("/rankings/projects", s.projectRankings)
			r.Get("/stats/freelancer/{freelancerId}", s.freelancerStats)
			r.Get("/stats/project/{projectId}", s.projectStats)
			r.Get("/stats/contract/{contractId}", s.contractStats)
			r.Get("/stats/dashboard", s.dashboardStats)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getUpdate)
				r.Put("/", s.replaceUpdate)
				r.Delete("/", s.deleteUpdate)
				r.Get("/comments", s.listComments)
				r.Post("/comments", s.createComment)
			})
		})
		r.Route("/progress-comments/{commentId}", func(r chi.Router) {
			r.Get("/", s.getComment)
			r.Put("/", s.replaceCommentMessage)
			r.Delete("/", s.deleteComment)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("durationMs", time.Since(start).Milliseconds()),
			zap.String("requestId", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
