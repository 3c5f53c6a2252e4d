package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if recordsDiscoveredTotal == nil || filterDecisionsTotal == nil ||
		sourceCallsTotal == nil || breakerState == nil ||
		extractionSeconds == nil || pagesUpsertedTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObservations(t *testing.T) {
	Init()

	ObserveDiscovery("cdx", 12)
	if val := testutil.ToFloat64(recordsDiscoveredTotal.WithLabelValues("cdx")); val != 12 {
		t.Errorf("expected recordsDiscoveredTotal to be 12, got %f", val)
	}
	// Zero-record discoveries add nothing.
	ObserveDiscovery("cdx", 0)
	if val := testutil.ToFloat64(recordsDiscoveredTotal.WithLabelValues("cdx")); val != 12 {
		t.Errorf("expected recordsDiscoveredTotal to stay 12, got %f", val)
	}

	ObserveFilterDecision("reject", "list-page")
	if val := testutil.ToFloat64(filterDecisionsTotal.WithLabelValues("reject", "list-page")); val != 1 {
		t.Errorf("expected filterDecisionsTotal to be 1, got %f", val)
	}

	ObservePageUpsert(true)
	ObservePageUpsert(false)
	if val := testutil.ToFloat64(pagesUpsertedTotal.WithLabelValues("created")); val != 1 {
		t.Errorf("expected created upserts to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(pagesUpsertedTotal.WithLabelValues("existing")); val != 1 {
		t.Errorf("expected existing upserts to be 1, got %f", val)
	}

	SetBreakerState("cdx", 2)
	if val := testutil.ToFloat64(breakerState.WithLabelValues("cdx")); val != 2 {
		t.Errorf("expected breakerState to be 2, got %f", val)
	}

	ObserveExtraction("readability", 120*time.Millisecond)
	if val := testutil.CollectAndCount(extractionSeconds); val <= 0 {
		t.Errorf("expected extractionSeconds to be observed, got %d", val)
	}
}
