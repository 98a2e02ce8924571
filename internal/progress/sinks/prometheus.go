package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/batchscrape/internal/progress"
)

// PrometheusSink exports batch and unit progress as Prometheus collectors.
type PrometheusSink struct {
	batchesStarted   prometheus.Counter
	batchesCompleted *prometheus.CounterVec
	batchesRunning   prometheus.Gauge
	batchRuntime     *prometheus.HistogramVec

	unitsCompleted *prometheus.CounterVec
	unitsFailed    *prometheus.CounterVec
	unitBytes      *prometheus.CounterVec
	unitDuration   *prometheus.HistogramVec

	tracker *batchTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		batchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchscrape_batches_started_total",
			Help: "Batches started.",
		}),
		batchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchscrape_batches_completed_total",
			Help: "Batches finished, by result (success, partial, error).",
		}, []string{"result"}),
		batchesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchscrape_batches_running",
			Help: "Batches currently in flight.",
		}),
		batchRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchscrape_batch_runtime_seconds",
			Help:    "Wall time per finished batch.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"result"}),
		unitsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchscrape_units_completed_total",
			Help: "Units that reached Done after a successful fetch, by site and status class.",
		}, []string{"site", "status_class"}),
		unitsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchscrape_units_failed_total",
			Help: "Units that failed, by site and error kind.",
		}, []string{"site", "error_kind"}),
		unitBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchscrape_unit_bytes_total",
			Help: "Body bytes fetched per site.",
		}, []string{"site"}),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchscrape_unit_fetch_seconds",
			Help:    "Fetch time per completed unit, retries included.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"site"}),
		tracker: newBatchTracker(),
	}
	for _, c := range []prometheus.Collector{
		s.batchesStarted, s.batchesCompleted, s.batchesRunning, s.batchRuntime,
		s.unitsCompleted, s.unitsFailed, s.unitBytes, s.unitDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume implements progress.Sink.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageBatchStart, progress.StageBatchDone, progress.StageBatchError:
			s.batchEvent(evt)
		case progress.StageUnitDone:
			site := siteLabel(evt.Site)
			class := string(evt.StatusClass)
			if class == "" {
				class = string(progress.StatusOther)
			}
			s.unitsCompleted.WithLabelValues(site, class).Inc()
			if evt.Bytes > 0 {
				s.unitBytes.WithLabelValues(site).Add(float64(evt.Bytes))
			}
			if evt.Dur > 0 {
				s.unitDuration.WithLabelValues(site).Observe(evt.Dur.Seconds())
			}
		case progress.StageUnitFailed:
			s.unitsFailed.WithLabelValues(siteLabel(evt.Site), evt.ErrorKind).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) batchEvent(evt progress.Event) {
	if evt.Stage == progress.StageBatchStart {
		s.batchesStarted.Inc()
		if s.tracker.start(evt.BatchID) {
			s.batchesRunning.Inc()
		}
		return
	}
	result := "error"
	if evt.Stage == progress.StageBatchDone {
		result = "success"
		if evt.Partial {
			result = "partial"
		}
	}
	s.batchesCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.batchRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.BatchID) {
		s.batchesRunning.Dec()
	}
}

func siteLabel(site string) string {
	if site == "" {
		return "unknown"
	}
	return site
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type batchTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newBatchTracker() *batchTracker {
	return &batchTracker{running: make(map[[16]byte]struct{})}
}

func (t *batchTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *batchTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
