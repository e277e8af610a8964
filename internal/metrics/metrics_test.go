package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Published(5)
	m.Published(7)
	m.WaitStarted()
	m.WaitEnded(10 * time.Millisecond)
	m.Completed(OutcomeDelivered)
	m.Completed(OutcomeTimeout)
	m.Completed(OutcomeTimeout)

	if got := testutil.ToFloat64(m.published); got != 2 {
		t.Fatalf("expected 2 published, got %v", got)
	}
	if got := testutil.ToFloat64(m.publishedBytes); got != 12 {
		t.Fatalf("expected 12 bytes, got %v", got)
	}
	if got := testutil.ToFloat64(m.waiting); got != 0 {
		t.Fatalf("expected 0 waiting, got %v", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues(OutcomeTimeout)); got != 2 {
		t.Fatalf("expected 2 timeouts, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Published(1)
	m.WaitStarted()
	m.WaitEnded(time.Second)
	m.Completed(OutcomeCancelled)
}
