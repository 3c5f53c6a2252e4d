// Package api exposes the HTTP interface for the retrieval service.
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

	"github.com/pagevault/pagevault/internal/archive"
	"github.com/pagevault/pagevault/internal/config"
	"github.com/pagevault/pagevault/internal/metrics"
	"github.com/pagevault/pagevault/internal/router"
	"github.com/pagevault/pagevault/internal/scrape"
)

// Enqueuer hands submitted jobs to the worker pool. Satisfied by
// *dispatcher.Dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, job scrape.Job) error
}

// HealthReporter exposes per-source health. Satisfied by *router.Router.
type HealthReporter interface {
	Health() []router.SourceHealth
}

// Server wires HTTP handlers to the dispatcher, tracker, and stores.
type Server struct {
	router   chi.Router
	enqueuer Enqueuer
	tracker  scrape.JobTracker
	health   HealthReporter
	pages    archive.PageStore
	idGen    archive.IDGenerator
	clock    archive.Clock
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	enqueuer Enqueuer,
	tracker scrape.JobTracker,
	health HealthReporter,
	pages archive.PageStore,
	idGen archive.IDGenerator,
	clock archive.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		enqueuer: enqueuer,
		tracker:  tracker,
		health:   health,
		pages:    pages,
		idGen:    idGen,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(s.apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/scrapes", func(r chi.Router) {
			r.Post("/", s.submitScrape)
			r.Get("/{scrape_id}", s.getScrape)
		})
		r.Get("/sources/health", s.sourcesHealth)
		r.Delete("/projects/{project_id}", s.deleteProject)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	for _, source := range s.health.Health() {
		if source.Status == router.HealthUnhealthy {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"source": string(source.Source),
			})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scrapeRequest struct {
	ProjectID          string   `json:"project_id"`
	Domain             string   `json:"domain"`
	MatchType          string   `json:"match_type"`
	From               string   `json:"from"`
	To                 string   `json:"to"`
	MinSize            int64    `json:"min_size"`
	MaxSize            int64    `json:"max_size"`
	IncludeAttachments bool     `json:"include_attachments"`
	MaxPages           int      `json:"max_pages"`
	Fallback           string   `json:"fallback"`
	Tags               []string `json:"tags"`
	ReviewStatus       string   `json:"review_status"`
	Notes              string   `json:"notes"`
}

func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	cfg, err := s.toDomainConfig(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("generate job id: %v", err))
		return
	}
	job := scrape.Job{
		ID:         jobID,
		Config:     cfg,
		EnqueuedAt: s.clock.Now(),
	}
	s.tracker.JobQueued(job)

	queueCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.enqueuer.Enqueue(queueCtx, job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"scrape_id": jobID})
}

func (s *Server) getScrape(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "scrape_id")
	record, ok := s.tracker.Lookup(jobID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "scrape not found")
		return
	}
	resp := map[string]any{
		"scrape_id":  record.Job.ID,
		"project_id": record.Job.Config.ProjectID,
		"domain":     record.Job.Config.Query.Domain,
		"status":     record.Status,
		"updated_at": record.UpdatedAt,
	}
	if record.Error != "" {
		resp["error"] = record.Error
	}
	if record.Outcome != nil {
		resp["stats"] = record.Outcome.Stats
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sourcesHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"sources": s.health.Health()})
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	if err := s.pages.DeleteProject(r.Context(), projectID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Pages stay in the shared store; only the project's associations go.
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toDomainConfig(req scrapeRequest) (scrape.DomainConfig, error) {
	if req.ProjectID == "" {
		return scrape.DomainConfig{}, errors.New("project_id required")
	}
	if req.Domain == "" {
		return scrape.DomainConfig{}, errors.New("domain required")
	}
	matchType := archive.MatchType(req.MatchType)
	if req.MatchType == "" {
		matchType = archive.MatchDomain
	}
	query := archive.ArchiveQuery{
		Domain:             req.Domain,
		MatchType:          matchType,
		MinSize:            req.MinSize,
		MaxSize:            req.MaxSize,
		IncludeAttachments: req.IncludeAttachments,
		MaxPages:           req.MaxPages,
		Fallback:           archive.FallbackPolicy(req.Fallback),
	}
	var err error
	if query.From, err = parseDate(req.From); err != nil {
		return scrape.DomainConfig{}, fmt.Errorf("from: %w", err)
	}
	if query.To, err = parseDate(req.To); err != nil {
		return scrape.DomainConfig{}, fmt.Errorf("to: %w", err)
	}
	if err := query.Validate(); err != nil {
		return scrape.DomainConfig{}, err
	}
	return scrape.DomainConfig{
		ProjectID: req.ProjectID,
		Query:     query,
		Association: archive.AssociationMetadata{
			Tags:         req.Tags,
			ReviewStatus: req.ReviewStatus,
			Notes:        req.Notes,
		},
	}, nil
}

func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD, got %q", value)
	}
	return t, nil
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
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
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
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

func (s *Server) apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				s.writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

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
