package archive

import (
	"context"
	"time"
)

// IndexClient queries one archive index for capture records. Discovery is
// finite, restartable via the query's page cursor, and never writes to the
// page store.
type IndexClient interface {
	Source() Source
	Discover(ctx context.Context, query ArchiveQuery) (DiscoveryResult, error)
}

// DiscoveryResult is the (possibly partial) output of one discovery run.
type DiscoveryResult struct {
	Records []CaptureRecord
	// NextCursor is set when the run stopped early; resuming from it skips
	// pages already merged into Records.
	NextCursor int
	Partial    bool
}

// ContentFetcher retrieves raw capture bytes via a record's content locator.
type ContentFetcher interface {
	FetchContent(ctx context.Context, record CaptureRecord) ([]byte, error)
}

// PageStore is the deduplicated shared page registry.
type PageStore interface {
	// UpsertPage inserts the page or returns the existing row for the same
	// (normalized_url, captured_at) key. created is false when an existing
	// row was returned; in that case only non-content metadata is refreshed.
	UpsertPage(ctx context.Context, page SharedPage) (stored SharedPage, created bool, err error)
	// AssociateWithProject idempotently links a page into a project.
	AssociateWithProject(ctx context.Context, projectID, pageID string, meta AssociationMetadata) (ProjectPageAssociation, error)
	// LookupByDigest returns the page owning the digest, or ok=false.
	LookupByDigest(ctx context.Context, digest string) (SharedPage, bool, error)
	// RegisterDigest records digest ownership for duplicate detection.
	RegisterDigest(ctx context.Context, digest, pageID string) error
	// MarkExtractionFailed bumps retry bookkeeping without touching content.
	MarkExtractionFailed(ctx context.Context, normalizedURL string, capturedAt time.Time, lastError string) error
	// DeleteProject cascades only the project's association rows.
	DeleteProject(ctx context.Context, projectID string) error
	// ProjectIDsForPage lists projects currently linked to a page.
	ProjectIDsForPage(ctx context.Context, pageID string) ([]string, error)
}

// DecisionStore persists filter decisions; no silent drops.
type DecisionStore interface {
	SaveDecision(ctx context.Context, decision FilterDecision) error
}

// ResumeStore reads and writes per-domain resume state.
type ResumeStore interface {
	SaveResumeState(ctx context.Context, state DomainResumeState) error
	LoadResumeState(ctx context.Context, domain string) (DomainResumeState, bool, error)
}

// BlobStore archives raw capture bytes and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Notifier emits fire-and-forget page-ready events to the external search
// index. Failures must never fail the pipeline run.
type Notifier interface {
	PageReady(ctx context.Context, event PageReadyEvent) error
}

// Hasher computes content digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (injectable for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces time-ordered unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
