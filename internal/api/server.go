// Package api exposes the HTTP interface for the crawlmanager service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webrecorder/crawlmanager/internal/crawl"
	"github.com/webrecorder/crawlmanager/internal/metrics"
	"github.com/webrecorder/crawlmanager/internal/middleware"
	"github.com/webrecorder/crawlmanager/internal/scheduler"
)

// Server wires HTTP handlers to the scheduler and state store.
type Server struct {
	router chi.Router
	sched  *scheduler.Scheduler
	store  crawl.StateStore
	ready  func(context.Context) error
	logger *zap.Logger
}

// Config controls server construction.
type Config struct {
	// AuthEnabled requires the X-API-Key header on every request.
	AuthEnabled bool
	// APIKey is the expected key when AuthEnabled is set.
	APIKey string
	// Ready probes the coordination store for /readyz. Optional.
	Ready func(context.Context) error
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sched *scheduler.Scheduler, store crawl.StateStore, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sched:  sched,
		store:  store,
		ready:  cfg.Ready,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(middleware.Metrics)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/crawls", s.submitCrawl)
		r.Get("/crawls", s.listCrawls)
		r.Get("/pools", s.listPools)
		r.Route("/crawl/{crawl_id}", func(r chi.Router) {
			r.Get("/", s.getCrawl)
			r.Delete("/", s.deleteCrawl)
			r.Post("/cancel", s.cancelCrawl)
			r.Post("/done", s.completeCrawl)
			r.Post("/heartbeat", s.crawlHeartbeat)
		})
		r.Post("/browsers/{browser_id}/heartbeat", s.browserHeartbeat)
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
		if err := s.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "state store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitCrawlRequest struct {
	Pool        string   `json:"pool"`
	SeedURLs    []string `json:"seed_urls"`
	Scope       string   `json:"scope"`
	NumBrowsers int      `json:"num_browsers"`
	NumTabs     int      `json:"num_tabs"`
	Behaviors   bool     `json:"behaviors"`
	// Deadline is RFC 3339; zero means the configured default applies.
	Deadline time.Time `json:"deadline"`
}

func (req submitCrawlRequest) toTarget() (crawl.TargetSpec, error) {
	if req.Pool == "" {
		return crawl.TargetSpec{}, errors.New("pool required")
	}
	if len(req.SeedURLs) == 0 {
		return crawl.TargetSpec{}, errors.New("seed_urls required")
	}
	scope := crawl.ScopeType(req.Scope)
	if scope == "" {
		scope = crawl.ScopeSinglePage
	}
	switch scope {
	case crawl.ScopeSinglePage, crawl.ScopeAllLinks, crawl.ScopeSameDomain:
	default:
		return crawl.TargetSpec{}, fmt.Errorf("unknown scope %q", req.Scope)
	}
	numBrowsers := req.NumBrowsers
	if numBrowsers <= 0 {
		numBrowsers = 1
	}
	numTabs := req.NumTabs
	if numTabs <= 0 {
		numTabs = 1
	}
	return crawl.TargetSpec{
		SeedURLs:    req.SeedURLs,
		Scope:       scope,
		NumBrowsers: numBrowsers,
		NumTabs:     numTabs,
		Behaviors:   req.Behaviors,
	}, nil
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req submitCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target, err := req.toTarget()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, err := s.sched.Submit(r.Context(), req.Pool, target, req.Deadline)
	if err != nil {
		writeCrawlError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"crawl_id": jobID})
}

func (s *Server) listCrawls(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.sched.List(r.Context())
	if err != nil {
		writeCrawlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawls": jobs})
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.store.ListPools(r.Context())
	if err != nil {
		writeCrawlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": pools})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "crawl_id")
	job, err := s.sched.Status(r.Context(), jobID)
	if err != nil {
		writeCrawlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "crawl_id")
	if err := s.sched.Cancel(r.Context(), jobID); err != nil {
		writeCrawlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"crawl_id": jobID, "state": string(crawl.JobStateCancelled)})
}

func (s *Server) completeCrawl(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "crawl_id")
	if err := s.sched.Complete(r.Context(), jobID); err != nil {
		writeCrawlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"crawl_id": jobID, "state": string(crawl.JobStateCompleted)})
}

func (s *Server) deleteCrawl(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "crawl_id")
	if err := s.sched.Delete(r.Context(), jobID); err != nil {
		writeCrawlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"crawl_id": jobID, "deleted": "true"})
}

func (s *Server) crawlHeartbeat(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "crawl_id")
	if err := s.sched.Heartbeat(r.Context(), jobID); err != nil {
		writeCrawlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"crawl_id": jobID})
}

func (s *Server) browserHeartbeat(w http.ResponseWriter, r *http.Request) {
	browserID := chi.URLParam(r, "browser_id")
	if err := s.sched.BrowserHeartbeat(r.Context(), browserID); err != nil {
		writeCrawlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"browser_id": browserID})
}

// writeCrawlError maps domain sentinels onto HTTP statuses.
func writeCrawlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crawl.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, crawl.ErrInvalidPool):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawl.ErrCapacityExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, crawl.ErrPoolExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, crawl.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, crawl.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
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
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
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

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

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
