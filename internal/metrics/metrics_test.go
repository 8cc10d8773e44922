package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPercentileLawIdenticalSamples(t *testing.T) {
	r := newReservoir(10)
	for i := 0; i < 5; i++ {
		r.add(42.0)
	}
	s := r.stats()
	if s.P50 != 42.0 || s.P95 != 42.0 || s.P99 != 42.0 {
		t.Fatalf("expected p50=p95=p99=42, got %+v", s)
	}
	if s.Min != 42.0 || s.Max != 42.0 || s.Avg != 42.0 {
		t.Fatalf("expected min=max=avg=42, got %+v", s)
	}
}

func TestReservoirLawRetainsLastCapacitySamples(t *testing.T) {
	r := newReservoir(1000)
	for i := 0; i < 1200; i++ {
		r.add(float64(i))
	}
	if r.len() != 1000 {
		t.Fatalf("expected reservoir to hold exactly 1000 samples, got %d", r.len())
	}
	s := r.stats()
	if s.Min != 200 {
		t.Fatalf("expected oldest 200 samples evicted, min=200, got %v", s.Min)
	}
	if s.Max != 1199 {
		t.Fatalf("expected max=1199, got %v", s.Max)
	}
}

func TestRecordTaskCompletedUpdatesCounterAndDurationSample(t *testing.T) {
	c := New()
	c.RecordTaskCreated()
	c.RecordTaskCompleted(250 * time.Millisecond)

	snap := c.Snapshot()
	if snap.Tasks.Created != 1 {
		t.Fatalf("expected created=1, got %v", snap.Tasks.Created)
	}
	if snap.Tasks.Completed != 1 {
		t.Fatalf("expected completed=1, got %v", snap.Tasks.Completed)
	}
	if snap.ProcessingTime.P50 != 0.25 {
		t.Fatalf("expected p50=0.25s, got %v", snap.ProcessingTime.P50)
	}
}

func TestSetQueueDepthsTracksHistoricalMaxima(t *testing.T) {
	c := New()
	c.SetQueueDepths(5, 2)
	c.SetQueueDepths(3, 8)
	c.SetQueueDepths(1, 1)

	snap := c.Snapshot()
	if snap.Queue.MaxPending != 5 {
		t.Fatalf("expected max pending 5, got %d", snap.Queue.MaxPending)
	}
	if snap.Queue.MaxProcessing != 8 {
		t.Fatalf("expected max processing 8, got %d", snap.Queue.MaxProcessing)
	}
	if snap.Queue.Pending != 1 {
		t.Fatalf("expected current pending to reflect the last call (1), got %d", snap.Queue.Pending)
	}
	if snap.Queue.Processing != 1 {
		t.Fatalf("expected current processing to reflect the last call (1), got %d", snap.Queue.Processing)
	}
}

func TestPrometheusHandlerServesStandardExposition(t *testing.T) {
	c := New()
	c.RecordTaskCreated()

	handler := c.PrometheusHandler()
	if handler == nil {
		t.Fatal("expected non-nil handler")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `echarts_tasks_total{result="created"} 1`) {
		t.Fatalf("expected the created counter in the exposition, got:\n%s", rec.Body.String())
	}
}
