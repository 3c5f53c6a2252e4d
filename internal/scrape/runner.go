// Package scrape executes the full domain retrieval pipeline: discovery,
// filtering, content fetch, extraction, and deduplicated storage.
package scrape

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pagevault/pagevault/internal/archive"
	"github.com/pagevault/pagevault/internal/extract"
	"github.com/pagevault/pagevault/internal/filter"
	"github.com/pagevault/pagevault/internal/metrics"
	"github.com/pagevault/pagevault/internal/router"
)

// DomainConfig describes one domain run.
type DomainConfig struct {
	ProjectID   string
	Query       archive.ArchiveQuery
	Association archive.AssociationMetadata
}

// Config controls runner-wide behavior shared across runs.
type Config struct {
	// ExtractWorkers bounds the fetch+extract pool per run.
	ExtractWorkers int
	BlobPrefix     string
	RawContentType string
	FilterPolicy   filter.Policy
}

// Runner drives one domain run end to end. Safe for concurrent runs.
type Runner struct {
	router   *router.Router
	fetcher  archive.ContentFetcher
	cascade  *extract.Cascade
	pages    archive.PageStore
	decision archive.DecisionStore
	resume   archive.ResumeStore
	blobs    archive.BlobStore
	notifier archive.Notifier
	hasher   archive.Hasher
	clock    archive.Clock
	ids      archive.IDGenerator
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Runner.
func New(
	rt *router.Router,
	fetcher archive.ContentFetcher,
	cascade *extract.Cascade,
	pages archive.PageStore,
	decisions archive.DecisionStore,
	resume archive.ResumeStore,
	blobs archive.BlobStore,
	notifier archive.Notifier,
	hasher archive.Hasher,
	clock archive.Clock,
	ids archive.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExtractWorkers <= 0 {
		cfg.ExtractWorkers = 4
	}
	if cfg.RawContentType == "" {
		cfg.RawContentType = "text/html; charset=utf-8"
	}
	if cfg.FilterPolicy == (filter.Policy{}) {
		cfg.FilterPolicy = filter.DefaultPolicy()
	}
	return &Runner{
		router:   rt,
		fetcher:  fetcher,
		cascade:  cascade,
		pages:    pages,
		decision: decisions,
		resume:   resume,
		blobs:    blobs,
		notifier: notifier,
		hasher:   hasher,
		clock:    clock,
		ids:      ids,
		cfg:      cfg,
		logger:   logger,
	}
}

// runState is the mutable, mutex-guarded progress of one run. seen carries
// across runs via resume state; linked is per-run bookkeeping for the
// reused-page count.
type runState struct {
	mu      sync.Mutex
	stats   archive.ScrapeStats
	seen    map[string]struct{}
	linked  map[string]struct{}
	lastErr string
}

func (s *runState) markSeen(digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if digest != "" {
		s.seen[digest] = struct{}{}
	}
}

func (s *runState) isSeen(digest string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[digest]
	return ok
}

func (s *runState) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Failed++
	s.lastErr = err.Error()
}

func (s *runState) recordStored(created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Extracted++
	if created {
		s.stats.PagesStored++
	} else {
		s.stats.PagesReused++
	}
}

func (s *runState) digests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.seen))
	for d := range s.seen {
		out = append(out, d)
	}
	return out
}

// Run executes one domain run. It is safely re-invocable: interrupted runs
// persist their cursor, seen digests, and breaker state, and a re-run with
// the same config picks up where the last one stopped. The returned error is
// non-nil only for configuration and terminal source errors; expected
// failures land in the outcome.
func (r *Runner) Run(ctx context.Context, cfg DomainConfig, resume *archive.DomainResumeState) (archive.ScrapeOutcome, error) {
	start := r.clock.Now()

	if resume == nil {
		if loaded, ok, err := r.resume.LoadResumeState(ctx, cfg.Query.Domain); err != nil {
			r.logger.Warn("resume state load failed", zap.String("domain", cfg.Query.Domain), zap.Error(err))
		} else if ok {
			resume = &loaded
		}
	}

	state := &runState{
		seen:   make(map[string]struct{}),
		linked: make(map[string]struct{}),
	}
	query := cfg.Query
	if resume != nil {
		query.PageCursor = resume.PageCursor
		for _, d := range resume.DigestsSeen {
			state.seen[d] = struct{}{}
		}
		r.router.Breakers().Restore(resume.BreakerSnapshots)
		r.logger.Info("resuming domain run",
			zap.String("domain", query.Domain),
			zap.Int("page_cursor", query.PageCursor),
			zap.Int("digests_seen", len(resume.DigestsSeen)),
		)
	}

	routing, err := r.router.Route(ctx, query)
	if err != nil {
		return archive.ScrapeOutcome{}, err
	}
	if routing.Err != nil {
		outcome := r.finish(ctx, cfg, query, routing, state, start, routing.Err.Error())
		outcome.Status = archive.ScrapeFailed
		metrics.ObserveJob(string(outcome.Status))
		return outcome, nil
	}
	state.stats.Discovered = len(routing.Records)

	accepted, err := r.classify(ctx, cfg, routing.Records, state)
	if err != nil {
		outcome := r.finish(ctx, cfg, query, routing, state, start, err.Error())
		outcome.Status = archive.ScrapeFailed
		metrics.ObserveJob(string(outcome.Status))
		return outcome, nil
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ExtractWorkers)
	for _, entry := range accepted {
		record := entry.Record
		if state.isSeen(record.Digest) {
			// Already persisted by a previous interrupted run.
			continue
		}
		g.Go(func() error {
			if err := runCtx.Err(); err != nil {
				return err
			}
			if err := r.processRecord(runCtx, cfg, record, state); err != nil {
				if runCtx.Err() != nil {
					return runCtx.Err()
				}
				state.recordFailure(err)
				r.logger.Warn("record processing failed",
					zap.String("url", record.OriginalURL),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	errText := ""
	if err := g.Wait(); err != nil {
		errText = err.Error()
	}

	outcome := r.finish(ctx, cfg, query, routing, state, start, errText)
	outcome.Status = r.deriveStatus(ctx, routing, state, errText)
	metrics.ObserveJob(string(outcome.Status))
	r.logger.Info("domain run finished",
		zap.String("domain", query.Domain),
		zap.String("status", string(outcome.Status)),
		zap.Int("discovered", outcome.Stats.Discovered),
		zap.Int("stored", outcome.Stats.PagesStored),
		zap.Int("reused", outcome.Stats.PagesReused),
		zap.Int("failed", outcome.Stats.Failed),
	)
	return outcome, nil
}

// classify runs the filter over discovered records and persists every
// decision; no record is silently dropped.
func (r *Runner) classify(ctx context.Context, cfg DomainConfig, records []archive.CaptureRecord, state *runState) ([]filter.Classified, error) {
	classifier := filter.New(cfg.Query, r.pages, r.cfg.FilterPolicy, r.clock, r.logger)
	all, accepted, err := classifier.Run(ctx, records)
	for _, entry := range all {
		metrics.ObserveFilterDecision(string(entry.Decision.Outcome), entry.Decision.ReasonCode)
		switch entry.Decision.Outcome {
		case archive.OutcomeAccept:
			state.stats.Accepted++
		case archive.OutcomeReject:
			state.stats.Rejected++
		case archive.OutcomeNeedsReview:
			state.stats.NeedsReview++
		}
		if saveErr := r.decision.SaveDecision(ctx, entry.Decision); saveErr != nil {
			r.logger.Warn("decision save failed",
				zap.String("record", entry.Decision.RecordKey),
				zap.Error(saveErr),
			)
		}
		if entry.Decision.ReasonCode == archive.ReasonDuplicateContent {
			r.linkDuplicate(ctx, cfg, entry.Record, state)
		}
	}
	if err != nil {
		return nil, err
	}
	return accepted, nil
}

// linkDuplicate associates a rejected duplicate's existing page into the
// project: the content is already stored, only the link is new. PagesReused
// counts distinct pages, so further rejects carrying an already-linked digest
// are no-ops.
func (r *Runner) linkDuplicate(ctx context.Context, cfg DomainConfig, record archive.CaptureRecord, state *runState) {
	state.mu.Lock()
	_, already := state.linked[record.Digest]
	state.mu.Unlock()
	if already {
		return
	}
	page, found, err := r.pages.LookupByDigest(ctx, record.Digest)
	if err != nil || !found {
		return
	}
	if _, err := r.pages.AssociateWithProject(ctx, cfg.ProjectID, page.ID, cfg.Association); err != nil {
		r.logger.Warn("duplicate association failed",
			zap.String("page_id", page.ID),
			zap.Error(err),
		)
		return
	}
	state.mu.Lock()
	state.linked[record.Digest] = struct{}{}
	state.stats.PagesReused++
	state.mu.Unlock()
}

// processRecord takes one accepted capture through fetch, raw archival,
// extraction, upsert, association, and notification.
func (r *Runner) processRecord(ctx context.Context, cfg DomainConfig, record archive.CaptureRecord, state *runState) error {
	body, err := r.fetcher.FetchContent(ctx, record)
	if err != nil {
		r.markFailed(ctx, record, err)
		return fmt.Errorf("fetch content: %w", err)
	}

	digest := record.Digest
	if digest == "" {
		if digest, err = r.hasher.Hash(body); err != nil {
			return fmt.Errorf("hash body: %w", err)
		}
	}

	if _, err := r.blobs.PutObject(ctx, r.blobPath(cfg.Query.Domain, digest), r.cfg.RawContentType, body); err != nil {
		return fmt.Errorf("archive raw capture: %w", err)
	}

	content, err := r.cascade.Extract(ctx, extract.Document{
		URL:    record.OriginalURL,
		Digest: digest,
		HTML:   body,
	})
	if err != nil {
		r.markFailed(ctx, record, err)
		return fmt.Errorf("extract: %w", err)
	}
	metrics.ObserveExtraction(content.Method, content.Elapsed)

	normalized, err := archive.NormalizeURL(record.OriginalURL)
	if err != nil {
		return fmt.Errorf("normalize url: %w", err)
	}
	id, err := r.ids.NewID()
	if err != nil {
		return fmt.Errorf("new page id: %w", err)
	}

	page := archive.SharedPage{
		ID:            id,
		NormalizedURL: normalized,
		CapturedAt:    record.Timestamp,
		Title:         content.Title,
		Text:          content.Text,
		Digest:        digest,
		MimeType:      record.MimeType,
		Method:        content.Method,
		QualityScore:  content.Confidence,
		Processed:     true,
	}
	stored, created, err := r.pages.UpsertPage(ctx, page)
	if err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	metrics.ObservePageUpsert(created)
	if created {
		if err := r.pages.RegisterDigest(ctx, digest, stored.ID); err != nil {
			return fmt.Errorf("register digest: %w", err)
		}
	}
	if _, err := r.pages.AssociateWithProject(ctx, cfg.ProjectID, stored.ID, cfg.Association); err != nil {
		return fmt.Errorf("associate page: %w", err)
	}

	state.recordStored(created)
	state.markSeen(digest)
	r.notifyPageReady(ctx, stored)
	return nil
}

// notifyPageReady publishes the page-ready event. Fire and forget: failures
// are counted and logged, never propagated.
func (r *Runner) notifyPageReady(ctx context.Context, page archive.SharedPage) {
	projectIDs, err := r.pages.ProjectIDsForPage(ctx, page.ID)
	if err != nil {
		r.logger.Warn("project lookup for notification failed", zap.String("page_id", page.ID), zap.Error(err))
	}
	event := archive.PageReadyEvent{
		PageID:     page.ID,
		URL:        page.NormalizedURL,
		Title:      page.Title,
		Text:       page.Text,
		Digest:     page.Digest,
		CapturedAt: page.CapturedAt,
		ProjectIDs: projectIDs,
	}
	if err := r.notifier.PageReady(ctx, event); err != nil {
		metrics.ObserveNotifyFailure()
		r.logger.Warn("page-ready notification failed", zap.String("page_id", page.ID), zap.Error(err))
	}
}

// markFailed bumps per-page retry bookkeeping. Best effort.
func (r *Runner) markFailed(ctx context.Context, record archive.CaptureRecord, cause error) {
	normalized, err := archive.NormalizeURL(record.OriginalURL)
	if err != nil {
		return
	}
	if err := r.pages.MarkExtractionFailed(ctx, normalized, record.Timestamp, cause.Error()); err != nil {
		r.logger.Debug("mark extraction failed errored", zap.String("url", normalized), zap.Error(err))
	}
}

// finish persists the resume state and assembles the outcome shell.
func (r *Runner) finish(ctx context.Context, cfg DomainConfig, query archive.ArchiveQuery, routing archive.RoutingResult, state *runState, start time.Time, errText string) archive.ScrapeOutcome {
	cursor := 0
	if routing.Partial {
		cursor = routing.NextCursor
	}
	resumeState := archive.DomainResumeState{
		Domain:           query.Domain,
		Source:           routing.SuccessfulSource,
		PageCursor:       cursor,
		DigestsSeen:      state.digests(),
		BreakerSnapshots: r.router.Breakers().Snapshot(),
		UpdatedAt:        r.clock.Now(),
	}
	if len(resumeState.DigestsSeen) > 0 {
		resumeState.LastDigestSeen = resumeState.DigestsSeen[len(resumeState.DigestsSeen)-1]
	}
	// Persist even when the run context is gone; use a detached context so
	// cancellation cannot lose the progress marker.
	saveCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := r.resume.SaveResumeState(saveCtx, resumeState); err != nil {
		r.logger.Error("resume state save failed", zap.String("domain", query.Domain), zap.Error(err))
	}

	if errText == "" {
		errText = state.lastErr
	}
	return archive.ScrapeOutcome{
		Stats:   state.stats,
		ErrText: errText,
		Resume:  &resumeState,
		Elapsed: r.clock.Now().Sub(start),
	}
}

func (r *Runner) deriveStatus(ctx context.Context, routing archive.RoutingResult, state *runState, errText string) archive.ScrapeStatus {
	state.mu.Lock()
	defer state.mu.Unlock()
	switch {
	case ctx.Err() != nil:
		return archive.ScrapeFailed
	case state.stats.Failed == 0 && !routing.Partial && errText == "":
		return archive.ScrapeCompleted
	case state.stats.PagesStored+state.stats.PagesReused > 0:
		return archive.ScrapeCompletedWithErrors
	default:
		return archive.ScrapeFailed
	}
}

func (r *Runner) blobPath(domain, digest string) string {
	prefix := strings.Trim(r.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", domain, digest)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, domain, digest)
}
