// Package archive defines core types shared across the retrieval pipeline.
package archive

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies one configured capture index.
type Source string

// Known capture index kinds.
const (
	SourceCDX      Source = "cdx"
	SourceColumnar Source = "columnar"
)

// MatchType controls how the index matches the queried URL pattern.
type MatchType string

// Match types accepted by capture indexes.
const (
	MatchExact  MatchType = "exact"
	MatchPrefix MatchType = "prefix"
	MatchDomain MatchType = "domain"
	MatchHost   MatchType = "host"
)

// FallbackPolicy selects how the router uses secondary sources.
type FallbackPolicy string

// Fallback policies supported by the source router.
const (
	FallbackSequential     FallbackPolicy = "sequential"
	FallbackImmediate      FallbackPolicy = "immediate"
	FallbackParallel       FallbackPolicy = "parallel"
	FallbackCircuitBreaker FallbackPolicy = "circuit_breaker"
)

// ArchiveQuery is the immutable request value handed to the router.
type ArchiveQuery struct {
	Domain             string
	MatchType          MatchType
	From               time.Time
	To                 time.Time
	MinSize            int64
	MaxSize            int64
	IncludeAttachments bool
	MaxPages           int
	Fallback           FallbackPolicy
	PageCursor         int
}

// Validate rejects queries the indexes cannot serve. Validation failures are
// configuration errors, never retried.
func (q ArchiveQuery) Validate() error {
	if strings.TrimSpace(q.Domain) == "" {
		return &ConfigurationError{Field: "domain", Reason: "must not be empty"}
	}
	if strings.ContainsAny(q.Domain, " \t\n") {
		return &ConfigurationError{Field: "domain", Reason: "must not contain whitespace"}
	}
	switch q.MatchType {
	case MatchExact, MatchPrefix, MatchDomain, MatchHost:
	default:
		return &ConfigurationError{Field: "match_type", Reason: fmt.Sprintf("unknown value %q", q.MatchType)}
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return &ConfigurationError{Field: "to_date", Reason: "must not precede from_date"}
	}
	if q.MinSize < 0 || (q.MaxSize > 0 && q.MaxSize < q.MinSize) {
		return &ConfigurationError{Field: "size", Reason: "invalid min/max size range"}
	}
	switch q.Fallback {
	case "", FallbackSequential, FallbackImmediate, FallbackParallel, FallbackCircuitBreaker:
	default:
		return &ConfigurationError{Field: "fallback", Reason: fmt.Sprintf("unknown policy %q", q.Fallback)}
	}
	return nil
}

// CaptureRecord is one snapshot listing produced by discovery. It is
// ephemeral: consumed once by the filter and never persisted as-is.
type CaptureRecord struct {
	Source         Source
	OriginalURL    string
	Timestamp      time.Time
	Digest         string
	MimeType       string
	StatusCode     int
	Length         int64
	ContentLocator string
}

// Key identifies the capture by (url, timestamp), the global uniqueness key
// of the shared page store.
func (r CaptureRecord) Key() string {
	return r.OriginalURL + "@" + r.Timestamp.UTC().Format("20060102150405")
}

// DedupKey identifies an exact (url, timestamp, digest) triple for in-run
// duplicate dropping during page merges.
func (r CaptureRecord) DedupKey() string {
	return r.Key() + "#" + r.Digest
}

// Outcome is the classification a FilterDecision carries.
type Outcome string

// Filter outcomes. Every discovered record gets exactly one.
const (
	OutcomeAccept      Outcome = "accept"
	OutcomeReject      Outcome = "reject"
	OutcomeNeedsReview Outcome = "needs_review"
)

// Reason codes recorded on filter decisions.
const (
	ReasonUnsupportedType  = "unsupported-type"
	ReasonListPage         = "list-page"
	ReasonDuplicateContent = "duplicate-content"
	ReasonSizeOutOfRange   = "size-out-of-range"
	ReasonAccepted         = "accepted"
)

// FilterDecision is the auditable classification of one capture record.
type FilterDecision struct {
	RecordKey            string
	Outcome              Outcome
	ReasonCode           string
	Category             string
	Detail               string
	MatchedPattern       string
	Confidence           float64
	ManualOverrideAllowed bool
	Priority             float64
	DecidedAt            time.Time
}

// SourceStats holds per-source rolling counters maintained by the router.
type SourceStats struct {
	Source     Source
	Successes  int64
	Failures   int64
	AvgLatency time.Duration
	LastError  string
}

// RoutingResult is always returned, never panicked, for expected failure
// modes. Err is set only when every configured source was exhausted.
type RoutingResult struct {
	Records          []CaptureRecord
	PrimarySource    Source
	SuccessfulSource Source
	FallbackUsed     bool
	// Partial and NextCursor carry through the winning source's pagination
	// state so callers can persist a resume point.
	Partial        bool
	NextCursor     int
	PerSourceStats map[Source]SourceStats
	Err            error
}

// ExtractedContent is the output of the extraction cascade.
type ExtractedContent struct {
	Text       string
	Title      string
	Language   string
	WordCount  int
	Method     string
	Confidence float64
	Elapsed    time.Duration
}

// SharedPage is the canonical, project-agnostic record of one archived
// capture, keyed by (NormalizedURL, CapturedAt). Content fields are immutable
// once Processed is true; only metadata may be refreshed afterwards.
type SharedPage struct {
	ID            string
	NormalizedURL string
	CapturedAt    time.Time
	Title         string
	Text          string
	Digest        string
	MimeType      string
	Method        string
	QualityScore  float64
	Processed     bool
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProjectPageAssociation links a SharedPage into one project with
// project-local metadata. Idempotent under (ProjectID, PageID).
type ProjectPageAssociation struct {
	ProjectID    string
	PageID       string
	Tags         []string
	ReviewStatus string
	Starred      bool
	Notes        string
	CreatedAt    time.Time
}

// AssociationMetadata carries the project-local fields of an association
// upsert. It never touches SharedPage content.
type AssociationMetadata struct {
	Tags         []string
	ReviewStatus string
	Starred      bool
	Notes        string
}

// DomainResumeState is the persisted progress marker for one domain run.
type DomainResumeState struct {
	Domain           string
	Source           Source
	PageCursor       int
	LastDigestSeen   string
	DigestsSeen      []string
	BreakerSnapshots map[Source]BreakerSnapshot
	UpdatedAt        time.Time
}

// BreakerSnapshot captures circuit state for resume persistence.
type BreakerSnapshot struct {
	State       string
	Failures    int
	LastFailure time.Time
}

// ScrapeStatus is the terminal status of one domain run.
type ScrapeStatus string

// Domain run outcomes. Exceptions are reserved for configuration errors.
const (
	ScrapeCompleted           ScrapeStatus = "completed"
	ScrapeCompletedWithErrors ScrapeStatus = "completed_with_errors"
	ScrapeFailed              ScrapeStatus = "failed"
)

// ScrapeStats summarizes a domain run.
type ScrapeStats struct {
	Discovered  int
	Accepted    int
	Rejected    int
	NeedsReview int
	Extracted   int
	Failed      int
	PagesStored int
	PagesReused int
}

// ScrapeOutcome is returned by every domain run, including interrupted ones.
type ScrapeOutcome struct {
	Status   ScrapeStatus
	Stats    ScrapeStats
	ErrText  string
	Resume   *DomainResumeState
	Elapsed  time.Duration
}

// PageReadyEvent is the fire-and-forget notification emitted to the external
// search/index collaborator after a SharedPage write.
type PageReadyEvent struct {
	PageID     string
	URL        string
	Title      string
	Text       string
	Digest     string
	CapturedAt time.Time
	ProjectIDs []string
}
