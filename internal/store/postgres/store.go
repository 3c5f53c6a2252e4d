// Package postgres provides Postgres-backed persistence for shared pages,
// project associations, filter decisions, and resume state.
//
// Expected schema:
//
//	shared_pages(id, normalized_url, captured_at, title, body_text, digest,
//	    mime_type, method, quality_score, processed, retry_count, last_error,
//	    created_at, updated_at, UNIQUE (normalized_url, captured_at))
//	page_digests(digest PRIMARY KEY, page_id)
//	project_pages(project_id, page_id, tags JSONB, review_status, starred,
//	    notes, created_at, PRIMARY KEY (project_id, page_id))
//	filter_decisions(record_key, outcome, reason_code, category, detail,
//	    matched_pattern, confidence, manual_override, priority, decided_at)
//	resume_state(domain PRIMARY KEY, source, page_cursor, last_digest_seen,
//	    digests_seen JSONB, breaker_snapshots JSONB, updated_at)
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagevault/pagevault/internal/archive"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	PagesTable      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Store implements archive.PageStore, archive.DecisionStore, and
// archive.ResumeStore over one pool.
type Store struct {
	pool  pgxPool
	table string
}

// New connects a pool and builds the Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, cfg.PagesTable)
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(pool pgxPool, pagesTable string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if pagesTable == "" {
		pagesTable = "shared_pages"
	}
	if !validTableName.MatchString(pagesTable) {
		return nil, fmt.Errorf("invalid table name %q", pagesTable)
	}
	return &Store{pool: pool, table: pagesTable}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

var pageColumnList = []string{
	"id", "normalized_url", "captured_at", "title", "body_text", "digest",
	"mime_type", "method", "quality_score", "processed", "retry_count",
	"last_error", "created_at", "updated_at",
}

var pageColumns = strings.Join(pageColumnList, ", ")

// UpsertPage inserts the page or converges on the existing row for the same
// (normalized_url, captured_at) key. On conflict the row's identity (id,
// digest) is kept, but the extraction columns are refreshed when the incoming
// quality score beats the stored one, so a re-extraction with a better
// strategy lands. xmax = 0 distinguishes a fresh insert from a
// conflict-returned row, which makes concurrent upserts of the same capture
// converge on one created=true winner.
func (s *Store) UpsertPage(ctx context.Context, page archive.SharedPage) (archive.SharedPage, bool, error) {
	if page.ID == "" {
		return archive.SharedPage{}, false, fmt.Errorf("page id is required")
	}
	if page.NormalizedURL == "" || page.CapturedAt.IsZero() {
		return archive.SharedPage{}, false, fmt.Errorf("page key (normalized_url, captured_at) is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s AS p (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
ON CONFLICT (normalized_url, captured_at)
DO UPDATE SET
	title = CASE WHEN EXCLUDED.quality_score > p.quality_score THEN EXCLUDED.title ELSE p.title END,
	body_text = CASE WHEN EXCLUDED.quality_score > p.quality_score THEN EXCLUDED.body_text ELSE p.body_text END,
	method = CASE WHEN EXCLUDED.quality_score > p.quality_score THEN EXCLUDED.method ELSE p.method END,
	quality_score = GREATEST(p.quality_score, EXCLUDED.quality_score),
	updated_at = EXCLUDED.updated_at
RETURNING %s, (xmax = 0) AS created`, s.table, pageColumns, pageColumns)

	var (
		stored  archive.SharedPage
		created bool
	)
	row := s.pool.QueryRow(ctx, query,
		page.ID,
		page.NormalizedURL,
		page.CapturedAt,
		page.Title,
		page.Text,
		page.Digest,
		page.MimeType,
		page.Method,
		page.QualityScore,
		page.Processed,
		page.RetryCount,
		page.LastError,
		page.CreatedAt,
	)
	if err := scanPage(row, &stored, &created); err != nil {
		return archive.SharedPage{}, false, fmt.Errorf("upsert page: %w", err)
	}
	return stored, created, nil
}

// AssociateWithProject idempotently links a page into a project, refreshing
// the project-local metadata on repeat calls.
func (s *Store) AssociateWithProject(ctx context.Context, projectID, pageID string, meta archive.AssociationMetadata) (archive.ProjectPageAssociation, error) {
	if projectID == "" || pageID == "" {
		return archive.ProjectPageAssociation{}, fmt.Errorf("project id and page id are required")
	}
	tagsJSON, err := json.Marshal(normalizeTags(meta.Tags))
	if err != nil {
		return archive.ProjectPageAssociation{}, fmt.Errorf("marshal tags: %w", err)
	}
	query := `
INSERT INTO project_pages (project_id, page_id, tags, review_status, starred, notes, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (project_id, page_id)
DO UPDATE SET tags = EXCLUDED.tags,
	review_status = EXCLUDED.review_status,
	starred = EXCLUDED.starred,
	notes = EXCLUDED.notes
RETURNING project_id, page_id, tags, review_status, starred, notes, created_at`

	var (
		assoc   archive.ProjectPageAssociation
		rawTags []byte
	)
	err = s.pool.QueryRow(ctx, query, projectID, pageID, tagsJSON, meta.ReviewStatus, meta.Starred, meta.Notes).
		Scan(&assoc.ProjectID, &assoc.PageID, &rawTags, &assoc.ReviewStatus, &assoc.Starred, &assoc.Notes, &assoc.CreatedAt)
	if err != nil {
		return archive.ProjectPageAssociation{}, fmt.Errorf("associate page: %w", err)
	}
	if err := json.Unmarshal(rawTags, &assoc.Tags); err != nil {
		return archive.ProjectPageAssociation{}, fmt.Errorf("decode tags: %w", err)
	}
	return assoc, nil
}

// LookupByDigest returns the page owning a content digest.
func (s *Store) LookupByDigest(ctx context.Context, digest string) (archive.SharedPage, bool, error) {
	if digest == "" {
		return archive.SharedPage{}, false, nil
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s p
JOIN page_digests d ON d.page_id = p.id
WHERE d.digest = $1`, qualifyColumns("p"), s.table)

	var page archive.SharedPage
	err := scanPage(s.pool.QueryRow(ctx, query, digest), &page, nil)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.SharedPage{}, false, nil
	}
	if err != nil {
		return archive.SharedPage{}, false, fmt.Errorf("lookup digest: %w", err)
	}
	return page, true, nil
}

// RegisterDigest records digest ownership; first writer wins.
func (s *Store) RegisterDigest(ctx context.Context, digest, pageID string) error {
	if digest == "" || pageID == "" {
		return fmt.Errorf("digest and page id are required")
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO page_digests (digest, page_id)
VALUES ($1,$2)
ON CONFLICT (digest) DO NOTHING`, digest, pageID)
	if err != nil {
		return fmt.Errorf("register digest: %w", err)
	}
	return nil
}

// MarkExtractionFailed bumps retry bookkeeping without touching content.
func (s *Store) MarkExtractionFailed(ctx context.Context, normalizedURL string, capturedAt time.Time, lastError string) error {
	query := fmt.Sprintf(`
UPDATE %s
SET retry_count = retry_count + 1, last_error = $3, updated_at = NOW()
WHERE normalized_url = $1 AND captured_at = $2`, s.table)
	if _, err := s.pool.Exec(ctx, query, normalizedURL, capturedAt, lastError); err != nil {
		return fmt.Errorf("mark extraction failed: %w", err)
	}
	return nil
}

// DeleteProject removes only the project's association rows; shared pages
// and digest registrations stay.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	if projectID == "" {
		return fmt.Errorf("project id is required")
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM project_pages WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("delete project associations: %w", err)
	}
	return nil
}

// ProjectIDsForPage lists projects currently linked to a page.
func (s *Store) ProjectIDsForPage(ctx context.Context, pageID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT project_id FROM project_pages WHERE page_id = $1 ORDER BY project_id`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list projects for page: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project ids: %w", err)
	}
	return ids, nil
}

// SaveDecision persists one filter decision. Every discovered record gets a
// row; there are no silent drops.
func (s *Store) SaveDecision(ctx context.Context, decision archive.FilterDecision) error {
	if decision.RecordKey == "" {
		return fmt.Errorf("decision record key is required")
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO filter_decisions (
	record_key, outcome, reason_code, category, detail,
	matched_pattern, confidence, manual_override, priority, decided_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		decision.RecordKey,
		string(decision.Outcome),
		decision.ReasonCode,
		decision.Category,
		decision.Detail,
		decision.MatchedPattern,
		decision.Confidence,
		decision.ManualOverrideAllowed,
		decision.Priority,
		decision.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	return nil
}

// SaveResumeState upserts the per-domain progress marker.
func (s *Store) SaveResumeState(ctx context.Context, state archive.DomainResumeState) error {
	if state.Domain == "" {
		return fmt.Errorf("resume state domain is required")
	}
	digestsJSON, err := json.Marshal(state.DigestsSeen)
	if err != nil {
		return fmt.Errorf("marshal digests seen: %w", err)
	}
	breakersJSON, err := json.Marshal(state.BreakerSnapshots)
	if err != nil {
		return fmt.Errorf("marshal breaker snapshots: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO resume_state (domain, source, page_cursor, last_digest_seen, digests_seen, breaker_snapshots, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (domain)
DO UPDATE SET source = EXCLUDED.source,
	page_cursor = EXCLUDED.page_cursor,
	last_digest_seen = EXCLUDED.last_digest_seen,
	digests_seen = EXCLUDED.digests_seen,
	breaker_snapshots = EXCLUDED.breaker_snapshots,
	updated_at = EXCLUDED.updated_at`,
		state.Domain,
		string(state.Source),
		state.PageCursor,
		state.LastDigestSeen,
		digestsJSON,
		breakersJSON,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save resume state: %w", err)
	}
	return nil
}

// LoadResumeState fetches the progress marker for a domain.
func (s *Store) LoadResumeState(ctx context.Context, domain string) (archive.DomainResumeState, bool, error) {
	var (
		state        archive.DomainResumeState
		source       string
		digestsJSON  []byte
		breakersJSON []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT domain, source, page_cursor, last_digest_seen, digests_seen, breaker_snapshots, updated_at
FROM resume_state WHERE domain = $1`, domain).
		Scan(&state.Domain, &source, &state.PageCursor, &state.LastDigestSeen, &digestsJSON, &breakersJSON, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.DomainResumeState{}, false, nil
	}
	if err != nil {
		return archive.DomainResumeState{}, false, fmt.Errorf("load resume state: %w", err)
	}
	state.Source = archive.Source(source)
	if len(digestsJSON) > 0 {
		if err := json.Unmarshal(digestsJSON, &state.DigestsSeen); err != nil {
			return archive.DomainResumeState{}, false, fmt.Errorf("decode digests seen: %w", err)
		}
	}
	if len(breakersJSON) > 0 {
		if err := json.Unmarshal(breakersJSON, &state.BreakerSnapshots); err != nil {
			return archive.DomainResumeState{}, false, fmt.Errorf("decode breaker snapshots: %w", err)
		}
	}
	return state, true, nil
}

func scanPage(row pgx.Row, page *archive.SharedPage, created *bool) error {
	dest := []any{
		&page.ID,
		&page.NormalizedURL,
		&page.CapturedAt,
		&page.Title,
		&page.Text,
		&page.Digest,
		&page.MimeType,
		&page.Method,
		&page.QualityScore,
		&page.Processed,
		&page.RetryCount,
		&page.LastError,
		&page.CreatedAt,
		&page.UpdatedAt,
	}
	if created != nil {
		dest = append(dest, created)
	}
	return row.Scan(dest...)
}

func normalizeTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// qualifyColumns prefixes each page column with a table alias.
func qualifyColumns(alias string) string {
	parts := make([]string, len(pageColumnList))
	for i, column := range pageColumnList {
		parts[i] = alias + "." + column
	}
	return strings.Join(parts, ", ")
}
