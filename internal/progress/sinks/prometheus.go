package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/a11ylab/scanrunner/internal/progress"
)

// PrometheusSink exports scan progress metrics via Prometheus. It owns all
// collectors for runs started/completed/running and per-status poll counters.
type PrometheusSink struct {
	scansStarted   prometheus.Counter
	scansCompleted *prometheus.CounterVec
	scansRunning   prometheus.Gauge
	scanRuntime    *prometheus.HistogramVec
	pollsTotal     *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		scansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanrunner_scans_started_total",
			Help: "Total scan runs that have started.",
		}),
		scansCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanrunner_scans_completed_total",
			Help: "Total scan runs completed partitioned by result.",
		}, []string{"result"}),
		scansRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanrunner_scans_running",
			Help: "Current number of running scans.",
		}),
		scanRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scanrunner_scan_runtime_seconds",
			Help:    "Wall time per completed scan run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanrunner_status_polls_total",
			Help: "Status polls performed, partitioned by reported status.",
		}, []string{"status"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.scansStarted,
		s.scansCompleted,
		s.scansRunning,
		s.scanRuntime,
		s.pollsTotal,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageScanStart:
		s.scansStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.scansRunning.Inc()
		}
	case progress.StagePoll:
		status := string(evt.Status)
		if status == "" {
			status = "unknown"
		}
		s.pollsTotal.WithLabelValues(status).Inc()
	case progress.StageScanDone:
		s.finishRun(evt, "success")
	case progress.StageScanError:
		result := evt.ErrorKind
		if result == "" {
			result = "error"
		}
		s.finishRun(evt, result)
	}
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.scansCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.scanRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.scansRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
