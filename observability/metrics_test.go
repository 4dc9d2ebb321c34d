package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPipelineMetricsRecordOutcome(t *testing.T) {
	m := Pipeline()
	if Pipeline() != m {
		t.Fatalf("registry must be a singleton")
	}
	before := testutil.ToFloat64(m.runs.WithLabelValues("0x1::init::init", "confirmed"))
	m.Started()
	m.Transition("built")
	m.Finished("0x1::init::init", "confirmed", 2, 1500*time.Millisecond)
	after := testutil.ToFloat64(m.runs.WithLabelValues("0x1::init::init", "confirmed"))
	if after != before+1 {
		t.Fatalf("expected run counter to advance, got %v -> %v", before, after)
	}
	if got := testutil.ToFloat64(m.inflight); got != 0 {
		t.Fatalf("expected no runs in flight, got %v", got)
	}
}

func TestHTTPMetricsCountErrors(t *testing.T) {
	m := HTTP()
	m.Observe("/did_init", "GET", 409, 10*time.Millisecond)
	if got := testutil.ToFloat64(m.errors.WithLabelValues("/did_init", "409")); got < 1 {
		t.Fatalf("expected error counter to be recorded, got %v", got)
	}
	m.RecordThrottle("")
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("unknown")); got < 1 {
		t.Fatalf("expected throttle counter under unknown route, got %v", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var p *PipelineMetrics
	p.Started()
	p.Transition("x")
	p.Finished("f", "o", 0, 0)
	var h *HTTPMetrics
	h.Observe("r", "GET", 200, 0)
	var s *StoreMetrics
	s.RecordConflict("records")
}
