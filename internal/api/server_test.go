package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagevault/pagevault/internal/archive"
	"github.com/pagevault/pagevault/internal/clock/system"
	"github.com/pagevault/pagevault/internal/config"
	"github.com/pagevault/pagevault/internal/id/uuid"
	"github.com/pagevault/pagevault/internal/router"
	"github.com/pagevault/pagevault/internal/scrape"
	storemem "github.com/pagevault/pagevault/internal/store/memory"
	"github.com/pagevault/pagevault/internal/worker"
)

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []scrape.Job
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, job scrape.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeHealth struct {
	rows []router.SourceHealth
}

func (f *fakeHealth) Health() []router.SourceHealth { return f.rows }

func newTestServer(t *testing.T, cfg config.Config) (*Server, *fakeEnqueuer, *worker.Tracker, *storemem.Store) {
	t.Helper()
	enqueuer := &fakeEnqueuer{}
	tracker := worker.NewTracker(nil)
	store := storemem.New(nil)
	health := &fakeHealth{rows: []router.SourceHealth{
		{Source: archive.SourceCDX, Status: router.HealthHealthy, BreakerState: "closed"},
	}}
	srv := NewServer(enqueuer, tracker, health, store, uuid.NewUUIDGenerator(), system.New(), cfg, zap.NewNop())
	return srv, enqueuer, tracker, store
}

func submitBody(t *testing.T, overrides map[string]any) *bytes.Buffer {
	t.Helper()
	body := map[string]any{
		"project_id": "proj-1",
		"domain":     "example.com",
		"match_type": "domain",
		"tags":       []string{"osint"},
	}
	for k, v := range overrides {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return bytes.NewBuffer(raw)
}

func TestSubmitScrapeAccepted(t *testing.T) {
	t.Parallel()

	srv, enqueuer, tracker, _ := newTestServer(t, config.Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/scrapes", submitBody(t, nil))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["scrape_id"])

	record, ok := tracker.Lookup(resp["scrape_id"])
	require.True(t, ok)
	require.Equal(t, scrape.JobQueued, record.Status)
	require.Equal(t, "example.com", record.Job.Config.Query.Domain)

	enqueuer.mu.Lock()
	defer enqueuer.mu.Unlock()
	require.Len(t, enqueuer.jobs, 1)
	require.Equal(t, []string{"osint"}, enqueuer.jobs[0].Config.Association.Tags)
}

func TestSubmitScrapeValidation(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newTestServer(t, config.Config{})
	cases := []struct {
		name string
		body *bytes.Buffer
	}{
		{"invalid json", bytes.NewBufferString("{nope")},
		{"missing project", submitBody(t, map[string]any{"project_id": ""})},
		{"missing domain", submitBody(t, map[string]any{"domain": ""})},
		{"bad match type", submitBody(t, map[string]any{"match_type": "fuzzy"})},
		{"bad date", submitBody(t, map[string]any{"from": "01/02/2024"})},
		{"bad fallback", submitBody(t, map[string]any{"fallback": "roulette"})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/scrapes", tc.body)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetScrapeStatus(t *testing.T) {
	t.Parallel()

	srv, _, tracker, _ := newTestServer(t, config.Config{})

	job := scrape.Job{
		ID: "job-42",
		Config: scrape.DomainConfig{
			ProjectID: "proj-1",
			Query:     archive.ArchiveQuery{Domain: "example.com", MatchType: archive.MatchDomain},
		},
		EnqueuedAt: time.Now(),
	}
	tracker.JobQueued(job)
	tracker.JobStarted(job.ID)
	tracker.JobFinished(job.ID, archive.ScrapeOutcome{
		Status: archive.ScrapeCompleted,
		Stats:  archive.ScrapeStats{Discovered: 50, PagesStored: 35},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/scrapes/job-42", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "completed", resp["status"])
	stats, ok := resp["stats"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(35), stats["PagesStored"])
}

func TestGetScrapeNotFound(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newTestServer(t, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/v1/scrapes/missing", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSourcesHealth(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newTestServer(t, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/v1/sources/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Sources []router.SourceHealth `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Sources, 1)
	require.Equal(t, archive.SourceCDX, resp.Sources[0].Source)
}

func TestDeleteProjectRemovesOnlyAssociations(t *testing.T) {
	t.Parallel()

	srv, _, _, store := newTestServer(t, config.Config{})

	page := archive.SharedPage{ID: "page-1", NormalizedURL: "https://example.com/a", CapturedAt: time.Now()}
	_, _, err := store.UpsertPage(context.Background(), page)
	require.NoError(t, err)
	_, err = store.AssociateWithProject(context.Background(), "proj-1", "page-1", archive.AssociationMetadata{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/v1/projects/proj-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	ids, err := store.ProjectIDsForPage(context.Background(), "page-1")
	require.NoError(t, err)
	require.Empty(t, ids)
	require.Equal(t, 1, store.PageCount())
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekret"
	srv, _, _, _ := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "sekret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReportsUnhealthySource(t *testing.T) {
	t.Parallel()

	enqueuer := &fakeEnqueuer{}
	tracker := worker.NewTracker(nil)
	store := storemem.New(nil)
	health := &fakeHealth{rows: []router.SourceHealth{
		{Source: archive.SourceCDX, Status: router.HealthUnhealthy, BreakerState: "open"},
	}}
	srv := NewServer(enqueuer, tracker, health, store, uuid.NewUUIDGenerator(), system.New(), config.Config{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
