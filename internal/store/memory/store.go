// Package memory provides an in-memory store mirroring the Postgres
// semantics, for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pagevault/pagevault/internal/archive"
)

// Store implements archive.PageStore, archive.DecisionStore, and
// archive.ResumeStore with mutex-guarded maps.
type Store struct {
	mu           sync.Mutex
	pagesByKey   map[string]archive.SharedPage
	pagesByID    map[string]archive.SharedPage
	digests      map[string]string
	associations map[string]archive.ProjectPageAssociation
	decisions    []archive.FilterDecision
	resume       map[string]archive.DomainResumeState
	clock        archive.Clock
}

// New builds an empty Store.
func New(clock archive.Clock) *Store {
	return &Store{
		pagesByKey:   make(map[string]archive.SharedPage),
		pagesByID:    make(map[string]archive.SharedPage),
		digests:      make(map[string]string),
		associations: make(map[string]archive.ProjectPageAssociation),
		resume:       make(map[string]archive.DomainResumeState),
		clock:        clock,
	}
}

func pageKey(normalizedURL string, capturedAt time.Time) string {
	return normalizedURL + "@" + capturedAt.UTC().Format("20060102150405")
}

func assocKey(projectID, pageID string) string {
	return projectID + "/" + pageID
}

// UpsertPage inserts the page or converges on the existing row for the same
// (normalized_url, captured_at) key. On conflict the row's identity is kept;
// extraction fields are refreshed when the incoming quality score beats the
// stored one. Under concurrent upserts of the same capture exactly one caller
// observes created=true.
func (s *Store) UpsertPage(_ context.Context, page archive.SharedPage) (archive.SharedPage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pageKey(page.NormalizedURL, page.CapturedAt)
	if existing, ok := s.pagesByKey[key]; ok {
		if page.QualityScore > existing.QualityScore {
			existing.Title = page.Title
			existing.Text = page.Text
			existing.Method = page.Method
			existing.QualityScore = page.QualityScore
		}
		existing.UpdatedAt = s.now()
		s.pagesByKey[key] = existing
		s.pagesByID[existing.ID] = existing
		return existing, false, nil
	}
	page.CreatedAt = s.now()
	page.UpdatedAt = page.CreatedAt
	s.pagesByKey[key] = page
	s.pagesByID[page.ID] = page
	return page, true, nil
}

// AssociateWithProject idempotently links a page into a project.
func (s *Store) AssociateWithProject(_ context.Context, projectID, pageID string, meta archive.AssociationMetadata) (archive.ProjectPageAssociation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assocKey(projectID, pageID)
	assoc, ok := s.associations[key]
	if !ok {
		assoc = archive.ProjectPageAssociation{
			ProjectID: projectID,
			PageID:    pageID,
			CreatedAt: s.now(),
		}
	}
	assoc.Tags = append([]string(nil), meta.Tags...)
	assoc.ReviewStatus = meta.ReviewStatus
	assoc.Starred = meta.Starred
	assoc.Notes = meta.Notes
	s.associations[key] = assoc
	return assoc, nil
}

// LookupByDigest returns the page owning the digest.
func (s *Store) LookupByDigest(_ context.Context, digest string) (archive.SharedPage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pageID, ok := s.digests[digest]
	if !ok {
		return archive.SharedPage{}, false, nil
	}
	page, ok := s.pagesByID[pageID]
	return page, ok, nil
}

// RegisterDigest records digest ownership; first writer wins.
func (s *Store) RegisterDigest(_ context.Context, digest, pageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.digests[digest]; !taken {
		s.digests[digest] = pageID
	}
	return nil
}

// MarkExtractionFailed bumps retry bookkeeping without touching content.
func (s *Store) MarkExtractionFailed(_ context.Context, normalizedURL string, capturedAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pageKey(normalizedURL, capturedAt)
	page, ok := s.pagesByKey[key]
	if !ok {
		return nil
	}
	page.RetryCount++
	page.LastError = lastError
	page.UpdatedAt = s.now()
	s.pagesByKey[key] = page
	s.pagesByID[page.ID] = page
	return nil
}

// DeleteProject removes only the project's associations; pages stay.
func (s *Store) DeleteProject(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, assoc := range s.associations {
		if assoc.ProjectID == projectID {
			delete(s.associations, key)
		}
	}
	return nil
}

// ProjectIDsForPage lists projects currently linked to a page.
func (s *Store) ProjectIDsForPage(_ context.Context, pageID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, assoc := range s.associations {
		if assoc.PageID == pageID {
			ids = append(ids, assoc.ProjectID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveDecision appends the decision to the audit log.
func (s *Store) SaveDecision(_ context.Context, decision archive.FilterDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, decision)
	return nil
}

// Decisions returns a copy of the audit log, for assertions.
func (s *Store) Decisions() []archive.FilterDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]archive.FilterDecision(nil), s.decisions...)
}

// PageCount reports the number of distinct stored captures.
func (s *Store) PageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pagesByKey)
}

// SaveResumeState upserts the per-domain progress marker.
func (s *Store) SaveResumeState(_ context.Context, state archive.DomainResumeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resume[state.Domain] = state
	return nil
}

// LoadResumeState fetches the progress marker for a domain.
func (s *Store) LoadResumeState(_ context.Context, domain string) (archive.DomainResumeState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.resume[domain]
	return state, ok, nil
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}
