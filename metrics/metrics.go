// Package metrics holds the Prometheus metrics for the clipping pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the namespace for all clipper metrics.
	Namespace = "clipper"

	subsystemPipeline  = "pipeline"
	subsystemScheduler = "scheduler"
)

// Stage outcomes recorded by ObserveStage.
const (
	OutcomeAdvanced = "advanced"
	OutcomeRetry    = "retry"
	OutcomeFailed   = "failed"
	OutcomeCanceled = "canceled"
	OutcomeConflict = "conflict"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	JobsSubmitted   prometheus.Counter
	StageOutcomes   *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	Retries         *prometheus.CounterVec
	JobsRecovered   prometheus.Counter
	JobsInFlight    prometheus.Gauge
	QueueDepth      prometheus.Gauge
	DownloadsIssued prometheus.Counter
}

// New creates and registers all metrics on reg, or on the default registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemScheduler,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted",
		}),
		StageOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemPipeline,
			Name:      "stage_outcomes_total",
			Help:      "Stage executions by stage and outcome",
		}, []string{"stage", "outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: subsystemPipeline,
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~55min
		}, []string{"stage"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemPipeline,
			Name:      "retries_total",
			Help:      "Retries scheduled by stage and error kind",
		}, []string{"stage", "kind"}),
		JobsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemScheduler,
			Name:      "jobs_recovered_total",
			Help:      "Stale jobs re-enqueued by the recovery scan",
		}),
		JobsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystemScheduler,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently holding a worker slot",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystemScheduler,
			Name:      "queue_depth",
			Help:      "Jobs waiting in the work queue",
		}),
		DownloadsIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "downloads_issued_total",
			Help:      "Signed clip download links issued",
		}),
	}
}

func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageOutcomes.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveRetry(stage, kind string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(stage, kind).Inc()
}

func (m *Metrics) JobSubmitted() {
	if m == nil {
		return
	}
	m.JobsSubmitted.Inc()
}

func (m *Metrics) JobRecovered() {
	if m == nil {
		return
	}
	m.JobsRecovered.Inc()
}

func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.JobsInFlight.Inc()
}

func (m *Metrics) WorkerFinished() {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) DownloadIssued() {
	if m == nil {
		return
	}
	m.DownloadsIssued.Inc()
}
