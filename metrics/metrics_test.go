package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveStage("downloading", OutcomeAdvanced, 2*time.Second)
	m.ObserveStage("downloading", OutcomeRetry, time.Second)
	m.ObserveRetry("downloading", "transient")
	m.JobSubmitted()
	m.WorkerStarted()
	m.SetQueueDepth(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageOutcomes.WithLabelValues("downloading", OutcomeAdvanced)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retries.WithLabelValues("downloading", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsInFlight))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth))

	m.WorkerFinished()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.JobsInFlight))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStage("cutting", OutcomeFailed, time.Second)
		m.ObserveRetry("cutting", "transient")
		m.JobSubmitted()
		m.JobRecovered()
		m.WorkerStarted()
		m.WorkerFinished()
		m.SetQueueDepth(1)
		m.DownloadIssued()
	})
}
