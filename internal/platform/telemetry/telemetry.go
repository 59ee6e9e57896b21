// Package telemetry exposes operational counters and gauges over a
// Prometheus text exposition endpoint using standard library constructs
// only. Every method is nil-safe so instrumented components can run
// without a wired Metrics instance.
package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
)

// Metric names used across the system.
const (
	MetricDeltasPublished      = "sync_deltas_published_total"
	MetricSessionsConnected    = "sync_sessions_connected"
	MetricSessionOverflows     = "sync_session_overflows_total"
	MetricSnapshotsSent        = "sync_snapshots_sent_total"
	MetricExtractionRuns       = "pipeline_extraction_runs_total"
	MetricExtractionFailures   = "pipeline_extraction_failures_total"
	MetricSuggestionAttempts   = "pipeline_suggestion_attempts_total"
	MetricSuggestionRetries    = "pipeline_suggestion_retries_total"
	MetricSuggestionExhausted  = "pipeline_suggestion_exhausted_total"
	MetricSuggestionsCompleted = "pipeline_suggestions_completed_total"
	MetricFeedbackRecorded     = "feedback_events_recorded_total"
	MetricSuggestionLatency    = "pipeline_suggestion_latency_seconds"
)

// Metrics is a threadsafe registry of counters, gauges and summaries.
type Metrics struct {
	mu        sync.Mutex
	counters  map[string]int64
	gauges    map[string]int64
	summaries map[string]*summary
}

type summary struct {
	count int64
	sum   float64
}

func New() *Metrics {
	return &Metrics{
		counters:  make(map[string]int64),
		gauges:    make(map[string]int64),
		summaries: make(map[string]*summary),
	}
}

// Inc increments a counter by one.
func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
}

// Counter returns the current value of a counter.
func (m *Metrics) Counter(name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// SetGauge records the current value of a gauge.
func (m *Metrics) SetGauge(name string, v int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = v
}

// Gauge returns the current value of a gauge.
func (m *Metrics) Gauge(name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}

// Observe records one duration sample for a latency summary.
func (m *Metrics) Observe(name string, seconds float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[name]
	if !ok {
		s = &summary{}
		m.summaries[name] = s
	}
	s.count++
	s.sum += seconds
}

// Summary returns the sample count and sum of a latency summary.
func (m *Metrics) Summary(name string) (count int64, sum float64) {
	if m == nil {
		return 0, 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.summaries[name]; ok {
		return s.count, s.sum
	}
	return 0, 0
}

// Handler renders the registry in Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		m.mu.Lock()
		counters := make(map[string]int64, len(m.counters))
		for k, v := range m.counters {
			counters[k] = v
		}
		gauges := make(map[string]int64, len(m.gauges))
		for k, v := range m.gauges {
			gauges[k] = v
		}
		summaries := make(map[string]summary, len(m.summaries))
		for k, v := range m.summaries {
			summaries[k] = *v
		}
		m.mu.Unlock()

		for _, name := range sortedKeys(counters) {
			fmt.Fprintf(&b, "# TYPE %s counter\n%s %d\n", name, name, counters[name])
		}
		for _, name := range sortedKeys(gauges) {
			fmt.Fprintf(&b, "# TYPE %s gauge\n%s %d\n", name, name, gauges[name])
		}
		names := make([]string, 0, len(summaries))
		for k := range summaries {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, name := range names {
			s := summaries[name]
			fmt.Fprintf(&b, "# TYPE %s summary\n%s_sum %g\n%s_count %d\n", name, name, s.sum, name, s.count)
		}

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4", []byte(b.String()))
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
