package worker

import (
	"sync"
	"time"

	"github.com/pagevault/pagevault/internal/archive"
	"github.com/pagevault/pagevault/internal/scrape"
)

// Tracker is an in-memory job registry implementing scrape.JobTracker.
type Tracker struct {
	mu    sync.Mutex
	jobs  map[string]scrape.JobRecord
	clock archive.Clock
}

// NewTracker builds an empty Tracker.
func NewTracker(clock archive.Clock) *Tracker {
	return &Tracker{
		jobs:  make(map[string]scrape.JobRecord),
		clock: clock,
	}
}

// JobQueued registers a freshly enqueued job.
func (t *Tracker) JobQueued(job scrape.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[job.ID] = scrape.JobRecord{
		Job:       job,
		Status:    scrape.JobQueued,
		UpdatedAt: t.now(),
	}
}

// JobStarted transitions a job to running.
func (t *Tracker) JobStarted(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.jobs[id]
	if !ok {
		return
	}
	record.Status = scrape.JobRunning
	record.UpdatedAt = t.now()
	t.jobs[id] = record
}

// JobFinished records the terminal state. A non-nil err means the run aborted
// on a configuration or terminal source error.
func (t *Tracker) JobFinished(id string, outcome archive.ScrapeOutcome, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.jobs[id]
	if !ok {
		return
	}
	if err != nil {
		record.Status = scrape.JobStatus(archive.ScrapeFailed)
		record.Error = err.Error()
	} else {
		record.Status = scrape.JobStatus(outcome.Status)
		record.Outcome = &outcome
		record.Error = outcome.ErrText
	}
	record.UpdatedAt = t.now()
	t.jobs[id] = record
}

// Lookup fetches the tracked record for a job.
func (t *Tracker) Lookup(id string) (scrape.JobRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.jobs[id]
	return record, ok
}

func (t *Tracker) now() time.Time {
	if t.clock != nil {
		return t.clock.Now()
	}
	return time.Now().UTC()
}
