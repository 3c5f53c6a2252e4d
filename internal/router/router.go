// Package router orchestrates capture-index clients with circuit breaking
// and configurable fallback between archive sources.
package router

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pagevault/pagevault/internal/archive"
	"github.com/pagevault/pagevault/internal/breaker"
	"github.com/pagevault/pagevault/internal/metrics"
)

// Config controls router behavior.
type Config struct {
	// Order lists sources by preference; the first entry is the primary.
	Order           []archive.Source
	DefaultPolicy   archive.FallbackPolicy
	SequentialDelay time.Duration
	CallTimeout     time.Duration
}

// Router fans a query out to one or more index clients per fallback policy.
type Router struct {
	clients  map[archive.Source]archive.IndexClient
	order    []archive.Source
	breakers *breaker.Registry
	stats    map[archive.Source]*rollingStats
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Router. Every source named in cfg.Order must have a
// client; anything else is a configuration error.
func New(clients []archive.IndexClient, breakers *breaker.Registry, cfg Config, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.SequentialDelay <= 0 {
		cfg.SequentialDelay = 2 * time.Second
	}
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = archive.FallbackSequential
	}

	bySource := make(map[archive.Source]archive.IndexClient, len(clients))
	for _, client := range clients {
		bySource[client.Source()] = client
	}
	order := cfg.Order
	if len(order) == 0 {
		for _, client := range clients {
			order = append(order, client.Source())
		}
	}
	if len(order) == 0 {
		return nil, &archive.ConfigurationError{Field: "sources", Reason: "at least one index client is required"}
	}
	stats := make(map[archive.Source]*rollingStats, len(order))
	for _, source := range order {
		if _, ok := bySource[source]; !ok {
			return nil, &archive.ConfigurationError{Field: "sources", Reason: fmt.Sprintf("no client for source %q", source)}
		}
		stats[source] = &rollingStats{}
	}
	return &Router{
		clients:  bySource,
		order:    order,
		breakers: breakers,
		stats:    stats,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Breakers exposes the shared breaker registry for resume snapshots.
func (r *Router) Breakers() *breaker.Registry { return r.breakers }

// Route queries the configured sources per the query's fallback policy.
// Expected failures land in RoutingResult.Err; the returned error is non-nil
// only for configuration errors and terminal source errors.
func (r *Router) Route(ctx context.Context, query archive.ArchiveQuery) (archive.RoutingResult, error) {
	if err := query.Validate(); err != nil {
		return archive.RoutingResult{}, err
	}

	policy := query.Fallback
	if policy == "" {
		policy = r.cfg.DefaultPolicy
	}

	result := archive.RoutingResult{PrimarySource: r.order[0]}

	var err error
	switch policy {
	case archive.FallbackSequential:
		err = r.routeOrdered(ctx, query, &result, r.cfg.SequentialDelay, false)
	case archive.FallbackImmediate:
		err = r.routeOrdered(ctx, query, &result, 0, false)
	case archive.FallbackParallel:
		err = r.routeParallel(ctx, query, &result)
	case archive.FallbackCircuitBreaker:
		err = r.routeOrdered(ctx, query, &result, 0, true)
	default:
		return archive.RoutingResult{}, &archive.ConfigurationError{Field: "fallback", Reason: fmt.Sprintf("unknown policy %q", policy)}
	}
	result.PerSourceStats = r.statsSnapshot()
	if err != nil {
		return result, err
	}
	return result, nil
}

// routeOrdered walks sources in preference order. skipOpen implements the
// CIRCUIT_BREAKER policy; delay applies between attempts for SEQUENTIAL.
func (r *Router) routeOrdered(ctx context.Context, query archive.ArchiveQuery, result *archive.RoutingResult, delay time.Duration, skipOpen bool) error {
	var lastErr error
	for i, source := range r.order {
		if i > 0 {
			result.FallbackUsed = true
			if delay > 0 {
				select {
				case <-ctx.Done():
					result.Err = ctx.Err()
					return nil
				case <-time.After(delay):
				}
			}
		}
		if skipOpen && !r.breakers.For(source).Allow() {
			r.logger.Warn("skipping source with open breaker", zap.String("source", string(source)))
			lastErr = fmt.Errorf("source %s: circuit open", source)
			continue
		}
		discovery, err := r.callSource(ctx, source, query)
		if err == nil && len(discovery.Records) > 0 {
			result.Records = discovery.Records
			result.SuccessfulSource = source
			result.Partial = discovery.Partial
			result.NextCursor = discovery.NextCursor
			return nil
		}
		if err == nil {
			lastErr = archive.ErrNoRecords
			continue
		}
		if archive.IsTerminal(err) {
			// No fallback and no breaker increment for terminal errors.
			return err
		}
		lastErr = err
	}
	result.Err = fmt.Errorf("all sources exhausted: %w", lastErr)
	return nil
}

func (r *Router) routeParallel(ctx context.Context, query archive.ArchiveQuery, result *archive.RoutingResult) error {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type attempt struct {
		source    archive.Source
		discovery archive.DiscoveryResult
		err       error
	}
	results := make(chan attempt, len(r.order))
	for _, source := range r.order {
		go func(source archive.Source) {
			discovery, err := r.callSource(raceCtx, source, query)
			results <- attempt{source: source, discovery: discovery, err: err}
		}(source)
	}

	var lastErr error
	for range r.order {
		a := <-results
		if a.err == nil && len(a.discovery.Records) > 0 {
			// First success wins; cancel the loser.
			cancel()
			result.Records = a.discovery.Records
			result.SuccessfulSource = a.source
			result.FallbackUsed = a.source != result.PrimarySource
			result.Partial = a.discovery.Partial
			result.NextCursor = a.discovery.NextCursor
			return nil
		}
		if a.err != nil && archive.IsTerminal(a.err) {
			cancel()
			return a.err
		}
		if a.err != nil {
			lastErr = a.err
		} else {
			lastErr = archive.ErrNoRecords
		}
	}
	result.Err = fmt.Errorf("all sources exhausted: %w", lastErr)
	return nil
}

// callSource runs one source call under the per-call timeout, recording
// stats and breaker outcomes. Terminal errors bypass the breaker.
func (r *Router) callSource(ctx context.Context, source archive.Source, query archive.ArchiveQuery) (archive.DiscoveryResult, error) {
	client := r.clients[source]
	b := r.breakers.For(source)
	stats := r.stats[source]

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	discovery, err := client.Discover(callCtx, query)
	latency := time.Since(start)

	switch {
	case err == nil:
		stats.recordSuccess(latency)
		b.RecordSuccess()
		metrics.ObserveSourceCall(string(source), "success")
		metrics.ObserveDiscovery(string(source), len(discovery.Records))
	case archive.IsTerminal(err):
		stats.recordFailure(latency, err)
		metrics.ObserveSourceCall(string(source), "terminal")
	default:
		stats.recordFailure(latency, err)
		b.RecordFailure()
		metrics.ObserveSourceCall(string(source), "failure")
		r.logger.Warn("source call failed",
			zap.String("source", string(source)),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
	}
	metrics.SetBreakerState(string(source), breakerGauge(b.State()))
	return discovery, err
}

func breakerGauge(state breaker.State) float64 {
	switch state {
	case breaker.Open:
		return 2
	case breaker.HalfOpen:
		return 1
	default:
		return 0
	}
}

func (r *Router) statsSnapshot() map[archive.Source]archive.SourceStats {
	out := make(map[archive.Source]archive.SourceStats, len(r.stats))
	for source, stats := range r.stats {
		out[source] = stats.snapshot(source)
	}
	return out
}

// Health returns the per-source health snapshot for external monitoring.
func (r *Router) Health() []SourceHealth {
	out := make([]SourceHealth, 0, len(r.order))
	for _, source := range r.order {
		snap := r.stats[source].snapshot(source)
		state := r.breakers.For(source).State()

		status := HealthHealthy
		total := snap.Successes + snap.Failures
		switch {
		case state == breaker.Open:
			status = HealthUnhealthy
		case state == breaker.HalfOpen:
			status = HealthDegraded
		case total > 0 && snap.Failures*2 > total:
			status = HealthDegraded
		}

		out = append(out, SourceHealth{
			Source:       source,
			Status:       status,
			BreakerState: state.String(),
			Successes:    snap.Successes,
			Failures:     snap.Failures,
			AvgLatencyMs: snap.AvgLatency.Milliseconds(),
			LastError:    snap.LastError,
		})
	}
	return out
}
