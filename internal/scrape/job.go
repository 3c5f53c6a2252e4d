package scrape

import (
	"context"
	"time"

	"github.com/pagevault/pagevault/internal/archive"
)

// Job is one queued domain run request.
type Job struct {
	ID         string
	Config     DomainConfig
	EnqueuedAt time.Time
}

// JobStatus is the lifecycle state of a queued job. Terminal states mirror
// the run outcome statuses.
type JobStatus string

// Job lifecycle states.
const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
)

// JobRecord is the tracked state of one job.
type JobRecord struct {
	Job       Job
	Status    JobStatus
	Outcome   *archive.ScrapeOutcome
	Error     string
	UpdatedAt time.Time
}

// Queue hands jobs from the API to the worker pool.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
	Close()
}

// JobTracker records job lifecycle transitions for status queries.
type JobTracker interface {
	JobQueued(job Job)
	JobStarted(id string)
	JobFinished(id string, outcome archive.ScrapeOutcome, err error)
	Lookup(id string) (JobRecord, bool)
}
