package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pagetrail/pagetrail/internal/progress"
)

// PrometheusSink exports run and page progress via Prometheus. It owns all
// collectors for runs started/completed/running, page status counts, and
// breaker transitions.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	pageStatuses *prometheus.CounterVec
	pageBytes    *prometheus.CounterVec

	gapsOpen    *prometheus.GaugeVec
	coveragePct *prometheus.GaugeVec

	breakerChanges *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_runs_started_total",
			Help: "Total runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_runs_completed_total",
			Help: "Total runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "archiver_runs_running",
			Help: "Current number of executing runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archiver_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		pageStatuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_page_status_total",
			Help: "Page status changes partitioned by domain and status.",
		}, []string{"domain", "status"}),
		pageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_page_fetch_bytes_total",
			Help: "Bytes of archived content fetched per domain.",
		}, []string{"domain"}),
		gapsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "archiver_gaps_open",
			Help: "Open coverage gaps per domain after the latest analysis.",
		}, []string{"domain"}),
		coveragePct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "archiver_coverage_window_percent",
			Help: "Covered share of the analysis window per domain.",
		}, []string{"domain"}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_breaker_changes_total",
			Help: "Circuit breaker transitions partitioned by backend and target state.",
		}, []string{"backend", "to"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.pageStatuses,
		s.pageBytes,
		s.gapsOpen,
		s.coveragePct,
		s.breakerChanges,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
			s.handleRunEvent(evt)
		case progress.StagePageStatus:
			s.handlePageEvent(evt)
		case progress.StageGapAnalysis:
			s.gapsOpen.WithLabelValues(evt.Domain).Set(float64(evt.Gaps))
			s.coveragePct.WithLabelValues(evt.Domain).Set(evt.CoveragePct)
		case progress.StageBreaker:
			s.breakerChanges.WithLabelValues(evt.Backend, evt.BreakerTo).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
		return
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		if evt.Dur > 0 {
			s.runRuntime.WithLabelValues("success").Observe(evt.Dur.Seconds())
		}
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error").Inc()
		if evt.Dur > 0 {
			s.runRuntime.WithLabelValues("error").Observe(evt.Dur.Seconds())
		}
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) handlePageEvent(evt progress.Event) {
	domain := evt.Domain
	if domain == "" {
		domain = "unknown"
	}
	s.pageStatuses.WithLabelValues(domain, evt.Status).Inc()
	if evt.Bytes > 0 {
		s.pageBytes.WithLabelValues(domain).Add(float64(evt.Bytes))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
