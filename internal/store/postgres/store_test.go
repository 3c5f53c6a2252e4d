package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/pagevault/pagevault/internal/archive"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, "shared_pages")
	require.NoError(t, err)
	return store, mock
}

func samplePage() archive.SharedPage {
	captured := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	return archive.SharedPage{
		ID:            "0190-test-uuid",
		NormalizedURL: "https://example.com/report",
		CapturedAt:    captured,
		Title:         "Quarterly Observations",
		Text:          "The survey covered forty markets.",
		Digest:        "sha256:abc",
		MimeType:      "text/html",
		Method:        "readability",
		QualityScore:  0.9,
		Processed:     true,
		CreatedAt:     captured.Add(time.Hour),
	}
}

func pageRows(page archive.SharedPage, created bool) *pgxmock.Rows {
	return pgxmock.NewRows(append(pageColumnList, "created")).
		AddRow(
			page.ID, page.NormalizedURL, page.CapturedAt, page.Title, page.Text,
			page.Digest, page.MimeType, page.Method, page.QualityScore,
			page.Processed, page.RetryCount, page.LastError, page.CreatedAt,
			page.CreatedAt, created,
		)
}

func TestUpsertPage_CreatesRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	page := samplePage()

	mock.ExpectQuery("INSERT INTO shared_pages").
		WithArgs(
			page.ID, page.NormalizedURL, page.CapturedAt, page.Title, page.Text,
			page.Digest, page.MimeType, page.Method, page.QualityScore,
			page.Processed, page.RetryCount, page.LastError, page.CreatedAt,
		).
		WillReturnRows(pageRows(page, true))

	stored, created, err := store.UpsertPage(context.Background(), page)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, page.ID, stored.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPage_ConflictReturnsExistingRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	incoming := samplePage()
	existing := samplePage()
	existing.ID = "0190-earlier-uuid"

	// The conflict clause must refresh extraction fields only on a better
	// quality score, never the row identity.
	mock.ExpectQuery(`INSERT INTO shared_pages AS p (.|\n)*GREATEST\(p.quality_score, EXCLUDED.quality_score\)`).
		WithArgs(
			incoming.ID, incoming.NormalizedURL, incoming.CapturedAt, incoming.Title,
			incoming.Text, incoming.Digest, incoming.MimeType, incoming.Method,
			incoming.QualityScore, incoming.Processed, incoming.RetryCount,
			incoming.LastError, incoming.CreatedAt,
		).
		WillReturnRows(pageRows(existing, false))

	stored, created, err := store.UpsertPage(context.Background(), incoming)
	require.NoError(t, err)
	require.False(t, created, "conflict returns the existing row")
	require.Equal(t, existing.ID, stored.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPage_RequiresKey(t *testing.T) {
	t.Parallel()

	store, _ := newMockStore(t)

	_, _, err := store.UpsertPage(context.Background(), archive.SharedPage{ID: "x"})
	require.Error(t, err)

	page := samplePage()
	page.ID = ""
	_, _, err = store.UpsertPage(context.Background(), page)
	require.Error(t, err)
}

func TestAssociateWithProject_Upserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	createdAt := time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO project_pages").
		WithArgs("proj-1", "page-1", []byte(`["osint"]`), "pending", true, "note").
		WillReturnRows(pgxmock.NewRows(
			[]string{"project_id", "page_id", "tags", "review_status", "starred", "notes", "created_at"}).
			AddRow("proj-1", "page-1", []byte(`["osint"]`), "pending", true, "note", createdAt))

	assoc, err := store.AssociateWithProject(context.Background(), "proj-1", "page-1",
		archive.AssociationMetadata{Tags: []string{"osint"}, ReviewStatus: "pending", Starred: true, Notes: "note"})
	require.NoError(t, err)
	require.Equal(t, []string{"osint"}, assoc.Tags)
	require.Equal(t, "proj-1", assoc.ProjectID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupByDigest(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	page := samplePage()

	rows := pgxmock.NewRows(pageColumnList).AddRow(
		page.ID, page.NormalizedURL, page.CapturedAt, page.Title, page.Text,
		page.Digest, page.MimeType, page.Method, page.QualityScore,
		page.Processed, page.RetryCount, page.LastError, page.CreatedAt, page.CreatedAt,
	)
	mock.ExpectQuery("SELECT .+ FROM shared_pages p").
		WithArgs("sha256:abc").
		WillReturnRows(rows)

	found, ok, err := store.LookupByDigest(context.Background(), "sha256:abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page.ID, found.ID)

	// Unknown digest: no rows, no error.
	mock.ExpectQuery("SELECT .+ FROM shared_pages p").
		WithArgs("sha256:unknown").
		WillReturnRows(pgxmock.NewRows(pageColumnList))

	_, ok, err = store.LookupByDigest(context.Background(), "sha256:unknown")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterDigest_FirstWriterWins(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO page_digests").
		WithArgs("sha256:abc", "page-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.RegisterDigest(context.Background(), "sha256:abc", "page-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkExtractionFailed(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	capturedAt := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE shared_pages").
		WithArgs("https://example.com/report", capturedAt, "all extraction strategies failed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.MarkExtractionFailed(context.Background(),
		"https://example.com/report", capturedAt, "all extraction strategies failed")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteProject_CascadesOnlyAssociations(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM project_pages").
		WithArgs("proj-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	require.NoError(t, store.DeleteProject(context.Background(), "proj-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectIDsForPage(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT project_id FROM project_pages").
		WithArgs("page-1").
		WillReturnRows(pgxmock.NewRows([]string{"project_id"}).AddRow("proj-1").AddRow("proj-2"))

	ids, err := store.ProjectIDsForPage(context.Background(), "page-1")
	require.NoError(t, err)
	require.Equal(t, []string{"proj-1", "proj-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDecision(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	decidedAt := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	decision := archive.FilterDecision{
		RecordKey:  "https://example.com/a@20240110120000",
		Outcome:    archive.OutcomeReject,
		ReasonCode: archive.ReasonListPage,
		Category:   "url-pattern",
		Detail:     "matched pagination segment",
		MatchedPattern:        `/page/\d+`,
		Confidence:            0.9,
		ManualOverrideAllowed: true,
		DecidedAt:             decidedAt,
	}

	mock.ExpectExec("INSERT INTO filter_decisions").
		WithArgs(
			decision.RecordKey, "reject", decision.ReasonCode, decision.Category,
			decision.Detail, decision.MatchedPattern, decision.Confidence,
			decision.ManualOverrideAllowed, decision.Priority, decision.DecidedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveDecision(context.Background(), decision))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeStateRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	updatedAt := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	state := archive.DomainResumeState{
		Domain:         "example.com",
		Source:         archive.SourceCDX,
		PageCursor:     4,
		LastDigestSeen: "sha256:abc",
		DigestsSeen:    []string{"sha256:abc"},
		BreakerSnapshots: map[archive.Source]archive.BreakerSnapshot{
			archive.SourceCDX: {State: "open", Failures: 3, LastFailure: updatedAt},
		},
		UpdatedAt: updatedAt,
	}

	mock.ExpectExec("INSERT INTO resume_state").
		WithArgs(
			state.Domain, "cdx", state.PageCursor, state.LastDigestSeen,
			pgxmock.AnyArg(), pgxmock.AnyArg(), state.UpdatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.SaveResumeState(context.Background(), state))

	mock.ExpectQuery("SELECT .+ FROM resume_state").
		WithArgs("example.com").
		WillReturnRows(pgxmock.NewRows(
			[]string{"domain", "source", "page_cursor", "last_digest_seen", "digests_seen", "breaker_snapshots", "updated_at"}).
			AddRow("example.com", "cdx", 4, "sha256:abc",
				[]byte(`["sha256:abc"]`),
				[]byte(`{"cdx":{"State":"open","Failures":3,"LastFailure":"2024-01-10T12:00:00Z"}}`),
				updatedAt))

	loaded, ok, err := store.LoadResumeState(context.Background(), "example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, state.PageCursor, loaded.PageCursor)
	require.Equal(t, state.DigestsSeen, loaded.DigestsSeen)
	require.Equal(t, "open", loaded.BreakerSnapshots[archive.SourceCDX].State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadResumeState_Missing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .+ FROM resume_state").
		WithArgs("unknown.example").
		WillReturnRows(pgxmock.NewRows(
			[]string{"domain", "source", "page_cursor", "last_digest_seen", "digests_seen", "breaker_snapshots", "updated_at"}))

	_, ok, err := store.LoadResumeState(context.Background(), "unknown.example")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
