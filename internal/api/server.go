// Package api exposes the HTTP control surface for the gallery engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/templio/gallery-engine/internal/adminjobs"
	"github.com/templio/gallery-engine/internal/discovery"
	"github.com/templio/gallery-engine/internal/gallery"
	"github.com/templio/gallery-engine/internal/metrics"
	"github.com/templio/gallery-engine/internal/scheduler"
	"github.com/templio/gallery-engine/internal/store"
)

// SessionController is the scheduler surface the API depends on.
type SessionController interface {
	StartSession(ctx context.Context, spec scheduler.SessionSpec) (gallery.ScrapeSession, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) (gallery.ScrapeSession, error)
	Cancel(ctx context.Context) error
	Session(ctx context.Context, id string) (gallery.ScrapeSession, error)
	Active(ctx context.Context) (gallery.ScrapeSession, error)
}

// JobQueue is the ad-hoc job surface the API depends on.
type JobQueue interface {
	Submit(ctx context.Context, req adminjobs.SubmitRequest) (gallery.AdminJob, error)
	Snapshot() adminjobs.Snapshot
	CancelAll() adminjobs.Snapshot
}

// Previewer runs a discovery pass without starting a session.
type Previewer interface {
	Discover(ctx context.Context, sitemapURL string) discovery.Result
}

// ReadyFunc reports whether downstream dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

// Config tunes the HTTP server.
type Config struct {
	SitemapURL     string
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	return c
}

// Server wires HTTP handlers to the scheduler, job queue and discoverer.
type Server struct {
	router    chi.Router
	sessions  SessionController
	jobs      JobQueue
	discovery Previewer
	ready     ReadyFunc
	cfg       Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	sessions SessionController,
	jobs JobQueue,
	disc Previewer,
	ready ReadyFunc,
	cfg Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		sessions:  sessions,
		jobs:      jobs,
		discovery: disc,
		ready:     ready,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(s.cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.startSession)
			r.Get("/active", s.activeSession)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Post("/pause", s.pauseSession)
				r.Post("/resume", s.resumeSession)
				r.Post("/cancel", s.cancelSession)
			})
		})
		r.Post("/discovery/preview", s.previewDiscovery)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/", s.jobSnapshot)
			r.Post("/cancel-all", s.cancelAllJobs)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startSessionRequest struct {
	Type         string                 `json:"type"`
	FeaturedURLs []string               `json:"featured_urls"`
	URLs         []string               `json:"urls"`
	SitemapURL   string                 `json:"sitemap_url"`
	BatchSize    int                    `json:"batch_size"`
	Speed        int                    `json:"speed"`
	Capture      *gallery.CaptureConfig `json:"capture"`
	Pool         *gallery.PoolConfig    `json:"pool"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	typ := gallery.SessionType(strings.TrimSpace(req.Type))
	if typ == "" {
		typ = gallery.SessionTypeFull
	}
	if !typ.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown session type")
		return
	}

	spec := scheduler.SessionSpec{
		Type:         typ,
		FeaturedURLs: req.FeaturedURLs,
		URLs:         req.URLs,
		BatchSize:    req.BatchSize,
	}
	if req.Capture != nil {
		if err := gallery.DefaultCaptureConfig().Merge(*req.Capture).Validate(); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		spec.Capture = *req.Capture
	}
	switch {
	case req.Speed > 0:
		spec.Pool = gallery.FromSpeed(req.Speed, batchSizeOrDefault(req.BatchSize))
	case req.Pool != nil:
		if err := req.Pool.Validate(); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		spec.Pool = *req.Pool
	}

	if len(spec.URLs) == 0 && len(spec.FeaturedURLs) == 0 {
		urls, err := s.discoverSessionURLs(r.Context(), typ, req.SitemapURL)
		if err != nil {
			s.writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		if len(urls) == 0 {
			s.writeError(w, http.StatusUnprocessableEntity, "discovery produced no candidate URLs")
			return
		}
		spec.URLs = urls
	}

	sess, err := s.sessions.StartSession(r.Context(), spec)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrSessionActive):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"session": sess})
}

func (s *Server) discoverSessionURLs(ctx context.Context, typ gallery.SessionType, override string) ([]string, error) {
	sitemap := override
	if sitemap == "" {
		sitemap = s.cfg.SitemapURL
	}
	if sitemap == "" {
		return nil, errors.New("no URLs given and no sitemap configured")
	}
	result := s.discovery.Discover(ctx, sitemap)
	if result.ErrorText != "" {
		return nil, errors.New(result.ErrorText)
	}
	candidates := result.Candidates
	if typ == gallery.SessionTypeIncremental {
		candidates = result.NewTemplates
	}
	urls := make([]string, 0, len(candidates))
	for _, c := range candidates {
		urls = append(urls, c.URL)
	}
	return urls, nil
}

func (s *Server) activeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Active(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "no active session")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	sess, err := s.sessions.Session(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Pause(r.Context()); err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "pausing"})
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Resume(r.Context())
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"session": sess})
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Cancel(r.Context()); err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// writeControlError maps pause/resume/cancel failures onto HTTP codes.
func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrNoActiveSession),
		errors.Is(err, scheduler.ErrNotPaused),
		errors.Is(err, scheduler.ErrSessionActive):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type previewRequest struct {
	SitemapURL string `json:"sitemap_url"`
}

func (s *Server) previewDiscovery(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sitemap := req.SitemapURL
	if sitemap == "" {
		sitemap = s.cfg.SitemapURL
	}
	if sitemap == "" {
		s.writeError(w, http.StatusBadRequest, "sitemap_url is required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.discovery.Discover(r.Context(), sitemap))
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req adminjobs.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, adminjobs.ErrUnknownJobType),
			errors.Is(err, adminjobs.ErrMissingSelector),
			errors.Is(err, adminjobs.ErrMissingHomepage),
			errors.Is(err, adminjobs.ErrMissingTarget),
			errors.Is(err, adminjobs.ErrNoTargets):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "template not found")
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) jobSnapshot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.jobs.Snapshot())
}

func (s *Server) cancelAllJobs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.jobs.CancelAll())
}

func batchSizeOrDefault(n int) int {
	if n <= 0 {
		return gallery.DefaultPoolConfig().BatchSize
	}
	return n
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
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
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

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
