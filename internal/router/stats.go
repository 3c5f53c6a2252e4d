package router

import (
	"sync"
	"time"

	"github.com/pagevault/pagevault/internal/archive"
)

// rollingStats accumulates per-source counters across queries.
type rollingStats struct {
	mu           sync.Mutex
	successes    int64
	failures     int64
	totalLatency time.Duration
	calls        int64
	lastError    string
}

func (s *rollingStats) recordSuccess(latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
	s.calls++
	s.totalLatency += latency
}

func (s *rollingStats) recordFailure(latency time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	s.calls++
	s.totalLatency += latency
	if err != nil {
		s.lastError = err.Error()
	}
}

func (s *rollingStats) snapshot(source archive.Source) archive.SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := archive.SourceStats{
		Source:    source,
		Successes: s.successes,
		Failures:  s.failures,
		LastError: s.lastError,
	}
	if s.calls > 0 {
		stats.AvgLatency = s.totalLatency / time.Duration(s.calls)
	}
	return stats
}

// Health grades for the monitoring snapshot.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// SourceHealth is one row of the router's health snapshot.
type SourceHealth struct {
	Source       archive.Source `json:"source"`
	Status       string         `json:"status"`
	BreakerState string         `json:"breaker_state"`
	Successes    int64          `json:"successes"`
	Failures     int64          `json:"failures"`
	AvgLatencyMs int64          `json:"avg_latency_ms"`
	LastError    string         `json:"last_error,omitempty"`
}
