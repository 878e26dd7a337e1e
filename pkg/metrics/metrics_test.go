package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestCollector() *Collector {
	return NewCollector(logrus.NewEntry(logrus.New()))
}

func TestCollector_ExecutionLifecycle(t *testing.T) {
	c := newTestCollector()

	c.ExecutionStarted()
	snap := c.GetSnapshot()
	if snap.InFlight != 1 {
		t.Errorf("InFlight = %d, want 1", snap.InFlight)
	}
	if snap.TotalExecutions != 1 {
		t.Errorf("TotalExecutions = %d, want 1", snap.TotalExecutions)
	}

	c.ExecutionFinished("success", 42*time.Millisecond)
	snap = c.GetSnapshot()
	if snap.InFlight != 0 {
		t.Errorf("InFlight = %d, want 0", snap.InFlight)
	}
	if snap.Outcomes["success"] != 1 {
		t.Errorf("success count = %d, want 1", snap.Outcomes["success"])
	}
	if snap.LatencyP50 != 42 {
		t.Errorf("LatencyP50 = %g, want 42", snap.LatencyP50)
	}
}

func TestCollector_Counters(t *testing.T) {
	c := newTestCollector()

	c.RecordRejected()
	c.RecordWorkspaceError()
	c.RecordWorkspaceError()
	c.RecordSpawnError()

	snap := c.GetSnapshot()
	if snap.TotalRejected != 1 {
		t.Errorf("TotalRejected = %d, want 1", snap.TotalRejected)
	}
	if snap.WorkspaceErrors != 2 {
		t.Errorf("WorkspaceErrors = %d, want 2", snap.WorkspaceErrors)
	}
	if snap.SpawnErrors != 1 {
		t.Errorf("SpawnErrors = %d, want 1", snap.SpawnErrors)
	}
}

func TestCollector_PrometheusHandler(t *testing.T) {
	c := newTestCollector()
	c.ExecutionStarted()
	c.ExecutionFinished("oom", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	c.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"sandboxd_executions_total 1",
		`sandboxd_execution_outcomes_total{status="oom"} 1`,
		`sandboxd_execution_outcomes_total{status="success"} 0`,
		"sandboxd_executions_in_flight 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q\n%s", want, body)
		}
	}
}

func TestPercentile(t *testing.T) {
	data := []float64{5, 1, 4, 2, 3}

	if got := percentile(data, 0.50); got != 3 {
		t.Errorf("p50 = %g, want 3", got)
	}
	if got := percentile(data, 0.99); got != 4 {
		t.Errorf("p99 = %g, want 4", got)
	}
	if got := percentile(data, 1.0); got != 5 {
		t.Errorf("p100 = %g, want 5", got)
	}
	if got := percentile(nil, 0.50); got != 0 {
		t.Errorf("p50 of empty = %g, want 0", got)
	}
}

func TestLatencyWindowBounded(t *testing.T) {
	c := newTestCollector()
	for i := 0; i < 150; i++ {
		c.observeLatency(float64(i))
	}
	if len(c.executionLatencies) != latencyWindow {
		t.Errorf("window len = %d, want %d", len(c.executionLatencies), latencyWindow)
	}
	if c.executionLatencies[0] != 50 {
		t.Errorf("oldest sample = %g, want 50", c.executionLatencies[0])
	}
}
