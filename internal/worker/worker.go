// Package worker consumes queued scrape jobs and executes domain runs.
package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/pagevault/pagevault/internal/archive"
	"github.com/pagevault/pagevault/internal/metrics"
	"github.com/pagevault/pagevault/internal/scrape"
)

// Runner executes one domain run. Satisfied by *scrape.Runner.
type Runner interface {
	Run(ctx context.Context, cfg scrape.DomainConfig, resume *archive.DomainResumeState) (archive.ScrapeOutcome, error)
}

// Worker consumes queue items and executes the retrieval pipeline.
type Worker struct {
	queue   scrape.Queue
	runner  Runner
	tracker scrape.JobTracker
	logger  *zap.Logger
}

// New constructs a Worker.
func New(queue scrape.Queue, runner Runner, tracker scrape.JobTracker, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:   queue,
		runner:  runner,
		tracker: tracker,
		logger:  logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("queue dequeue failed", zap.Error(err))
			}
			return
		}
		w.logger.Debug("dequeued job", zap.String("job_id", job.ID), zap.String("domain", job.Config.Query.Domain))
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job scrape.Job) {
	w.tracker.JobStarted(job.ID)
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	outcome, err := w.runner.Run(ctx, job.Config, nil)
	w.tracker.JobFinished(job.ID, outcome, err)
	if err != nil {
		w.logger.Error("domain run aborted",
			zap.String("job_id", job.ID),
			zap.String("domain", job.Config.Query.Domain),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("domain run done",
		zap.String("job_id", job.ID),
		zap.String("domain", job.Config.Query.Domain),
		zap.String("status", string(outcome.Status)),
		zap.Int("pages_stored", outcome.Stats.PagesStored),
	)
}
