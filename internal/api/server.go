package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Lewis-walter7/seoanalyzer/internal/apperr"
	"github.com/Lewis-walter7/seoanalyzer/internal/auth"
	"github.com/Lewis-walter7/seoanalyzer/internal/billing"
	"github.com/Lewis-walter7/seoanalyzer/internal/config"
	"github.com/Lewis-walter7/seoanalyzer/internal/crawler"
	"github.com/Lewis-walter7/seoanalyzer/internal/metrics"
	"github.com/Lewis-walter7/seoanalyzer/internal/policy/blocklist"
)

const (
	requestTimeout = 60 * time.Second
	storeTimeout   = 5 * time.Second
)

// JobQueue accepts crawl jobs and interrupts running ones.
type JobQueue interface {
	Enqueue(ctx context.Context, item crawler.QueueItem) error
	Cancel(jobID string) bool
}

// Deps bundles the collaborators the handlers call.
type Deps struct {
	Store    crawler.Store
	Jobs     JobQueue
	Sessions auth.SessionResolver
	Minter   *auth.Minter
	Verifier *auth.Verifier
	Plans    *billing.PlanClient
	Catalog  *billing.Catalog
	IDs      crawler.IDGenerator
	Clock    crawler.Clock
	// Ready reports whether downstream dependencies can serve traffic. Nil means always ready.
	Ready func(ctx context.Context) error
	// Blocked lists hosts projects may not target. Nil allows every host.
	Blocked *blocklist.List
}

// Server wires HTTP handlers to the stores, the job queue and auth.
type Server struct {
	Deps
	router chi.Router
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		Deps:   deps,
		cfg:    cfg,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/seo-audits", s.listSeoAudits)
		r.Get("/subscription/plans", s.proxyPlans)
		r.Get("/auth/backend-token", s.backendToken)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireBackendToken)
		r.Get("/subscription/plans", s.listPlans)
		r.Route("/projects", func(r chi.Router) {
			r.Post("/", s.createProject)
			r.Get("/", s.listProjects)
			r.Route("/{project_id}", func(r chi.Router) {
				r.Get("/", s.getProject)
				r.Post("/analyze", s.analyzeProject)
				r.Get("/summary", s.projectSummary)
			})
		})
		r.Route("/crawl-jobs/{job_id}", func(r chi.Router) {
			r.Get("/", s.getCrawlJob)
			r.Get("/pages", s.listCrawlJobPages)
			r.Post("/cancel", s.cancelCrawlJob)
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
	if s.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()
		if err := s.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type requestIDKey struct{}

// RequestID returns the request ID assigned by the server middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", rec),
					)
					writeError(w, http.StatusInternalServerError, "Internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps err onto a response. Internal and configuration errors are
// logged and answered with fallback so their details never reach the caller.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal || kind == apperr.KindConfig {
		s.logger.Error(fallback,
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, fallback)
		return
	}
	var msg string
	if appErr, ok := asAppError(err); ok {
		msg = appErr.Message
	}
	writeError(w, apperr.StatusCode(kind), msg)
}
