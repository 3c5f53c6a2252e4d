package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagevault/pagevault/internal/archive"
	queuemem "github.com/pagevault/pagevault/internal/queue/memory"
	"github.com/pagevault/pagevault/internal/scrape"
	"github.com/pagevault/pagevault/internal/worker"
)

// countingRunner records which domains it ran.
type countingRunner struct {
	mu   sync.Mutex
	seen map[string]int
	done chan struct{}
}

func (c *countingRunner) Run(_ context.Context, cfg scrape.DomainConfig, _ *archive.DomainResumeState) (archive.ScrapeOutcome, error) {
	c.mu.Lock()
	c.seen[cfg.Query.Domain]++
	c.mu.Unlock()
	c.done <- struct{}{}
	return archive.ScrapeOutcome{Status: archive.ScrapeCompleted}, nil
}

func TestDispatcherFansOutJobs(t *testing.T) {
	t.Parallel()

	queue := queuemem.NewQueue(8)
	tracker := worker.NewTracker(nil)
	runner := &countingRunner{seen: make(map[string]int), done: make(chan struct{}, 8)}

	workers := []*worker.Worker{
		worker.New(queue, runner, tracker, zap.NewNop()),
		worker.New(queue, runner, tracker, zap.NewNop()),
	}
	d := New(queue, workers)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(finished)
	}()

	domains := []string{"a.example", "b.example", "c.example"}
	for i, domain := range domains {
		job := scrape.Job{
			ID: domain,
			Config: scrape.DomainConfig{
				ProjectID: "proj-1",
				Query:     archive.ArchiveQuery{Domain: domain, MatchType: archive.MatchDomain},
			},
		}
		tracker.JobQueued(job)
		require.NoError(t, d.Enqueue(ctx, job), "job %d", i)
	}

	for range domains {
		select {
		case <-runner.done:
		case <-time.After(time.Second):
			t.Fatal("jobs were not drained")
		}
	}

	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop on cancel")
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	for _, domain := range domains {
		require.Equal(t, 1, runner.seen[domain])
	}
}
