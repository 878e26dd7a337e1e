// Package metrics provides Prometheus-compatible metrics for the sandbox
// execution service.
//
// Metrics are exposed via a /metrics HTTP endpoint and can be scraped by
// Prometheus. Key metrics include:
// - Execution counts per termination status
// - In-flight executions and requests never admitted
// - Execution latencies
// - Workspace setup/cleanup failures
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// latencyWindow bounds the number of latency samples kept for percentiles.
const latencyWindow = 100

// Collector collects and exposes runtime metrics.
type Collector struct {
	mu sync.RWMutex

	// Execution outcome counters, keyed by status string
	outcomes map[string]int64

	// Gauges
	inFlight int64

	// Execution latencies (in milliseconds)
	executionLatencies []float64

	// Counters
	totalExecutions int64
	totalRejected   int64

	// Error counters
	workspaceErrors int64
	spawnErrors     int64

	log *logrus.Entry
}

// NewCollector creates a new metrics collector.
func NewCollector(log *logrus.Entry) *Collector {
	return &Collector{
		log:                log.WithField("component", "metrics"),
		outcomes:           make(map[string]int64),
		executionLatencies: make([]float64, 0, latencyWindow),
	}
}

// =============================================================================
// Execution Metrics
// =============================================================================

// ExecutionStarted marks an execution as in flight.
func (c *Collector) ExecutionStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight++
	c.totalExecutions++
}

// ExecutionFinished records the outcome and latency of a completed execution.
func (c *Collector) ExecutionFinished(status string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight--
	if c.inFlight < 0 {
		c.inFlight = 0
	}
	c.outcomes[status]++
	c.observeLatency(float64(duration.Milliseconds()))
}

// observeLatency pushes one sample into the bounded window, dropping the
// oldest sample once the window is full. Callers hold c.mu.
func (c *Collector) observeLatency(ms float64) {
	if len(c.executionLatencies) >= latencyWindow {
		c.executionLatencies = c.executionLatencies[1:]
	}
	c.executionLatencies = append(c.executionLatencies, ms)
}

// RecordRejected records a request that never acquired an admission slot.
func (c *Collector) RecordRejected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRejected++
}

// RecordWorkspaceError records a workspace setup or teardown failure.
func (c *Collector) RecordWorkspaceError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workspaceErrors++
}

// RecordSpawnError records a jail spawn or wait failure.
func (c *Collector) RecordSpawnError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spawnErrors++
}

// =============================================================================
// Metrics Export
// =============================================================================

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	InFlight        int64            `json:"in_flight"`
	TotalExecutions int64            `json:"total_executions"`
	TotalRejected   int64            `json:"total_rejected"`
	Outcomes        map[string]int64 `json:"outcomes"`

	LatencyP50 float64 `json:"latency_p50_ms"`
	LatencyP95 float64 `json:"latency_p95_ms"`
	LatencyP99 float64 `json:"latency_p99_ms"`

	WorkspaceErrors int64 `json:"workspace_errors"`
	SpawnErrors     int64 `json:"spawn_errors"`
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	outcomes := make(map[string]int64, len(c.outcomes))
	for status, count := range c.outcomes {
		outcomes[status] = count
	}

	return Snapshot{
		InFlight:        c.inFlight,
		TotalExecutions: c.totalExecutions,
		TotalRejected:   c.totalRejected,
		Outcomes:        outcomes,

		LatencyP50: percentile(c.executionLatencies, 0.50),
		LatencyP95: percentile(c.executionLatencies, 0.95),
		LatencyP99: percentile(c.executionLatencies, 0.99),

		WorkspaceErrors: c.workspaceErrors,
		SpawnErrors:     c.spawnErrors,
	}
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics.
func (c *Collector) PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := c.GetSnapshot()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		writeGauge(w, "sandboxd_executions_in_flight", "Executions currently holding an admission slot", float64(snap.InFlight))
		writeCounter(w, "sandboxd_executions_total", "Total executions admitted", "", float64(snap.TotalExecutions))
		writeCounter(w, "sandboxd_executions_rejected_total", "Requests that never acquired a slot", "", float64(snap.TotalRejected))

		for _, status := range []string{"success", "timeout", "oom", "error"} {
			series := `{status="` + status + `"}`
			writeCounter(w, "sandboxd_execution_outcomes_total", "Executions by termination status", series, float64(snap.Outcomes[status]))
		}

		writeGauge(w, "sandboxd_execution_latency_p50_ms", "Execution latency p50", snap.LatencyP50)
		writeGauge(w, "sandboxd_execution_latency_p95_ms", "Execution latency p95", snap.LatencyP95)
		writeGauge(w, "sandboxd_execution_latency_p99_ms", "Execution latency p99", snap.LatencyP99)

		writeCounter(w, "sandboxd_workspace_errors_total", "Workspace setup/teardown failures", "", float64(snap.WorkspaceErrors))
		writeCounter(w, "sandboxd_spawn_errors_total", "Jail spawn/wait failures", "", float64(snap.SpawnErrors))
	})
}

// =============================================================================
// Helpers
// =============================================================================

// writeSample emits one metric in the Prometheus text exposition format.
// labels is either empty or a pre-rendered `{name="value"}` series suffix.
func writeSample(w io.Writer, name, metricType, help, labels string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s%s %s\n", name, labels, strconv.FormatFloat(value, 'g', -1, 64))
}

func writeGauge(w io.Writer, name, help string, value float64) {
	writeSample(w, name, "gauge", help, "", value)
}

func writeCounter(w io.Writer, name, help, labels string, value float64) {
	writeSample(w, name, "counter", help, labels, value)
}

// percentile returns the sample at index floor(p*(n-1)) of the sorted copy
// of the window. An empty window reports zero.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	return sorted[int(p*float64(len(sorted)-1))]
}

// =============================================================================
// Global Collector (convenience)
// =============================================================================

var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// Global returns the process-wide collector, creating it on first use.
func Global() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(logrus.NewEntry(logrus.StandardLogger()))
	}
	return globalCollector
}

// SetGlobal replaces the process-wide collector.
func SetGlobal(c *Collector) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = c
}
