package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kdotropez/loto-news/pkg/types"
)

// gather returns the metric families of reg keyed by name
func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	f, ok := gather(t, reg)[name]
	require.True(t, ok, "metric %s not found", name)
	return f.GetMetric()[0].GetCounter().GetValue()
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	f, ok := gather(t, reg)[name]
	require.True(t, ok, "metric %s not found", name)
	return f.GetMetric()[0].GetGauge().GetValue()
}

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.jobsDispatched)
	assert.NotNil(t, collector.evalDuration)
	assert.NotNil(t, collector.queueJobs)

	// registering twice on the same registry panics
	assert.Panics(t, func() { NewCollector(reg) })
	// a fresh registry is fine
	assert.NotPanics(t, func() { NewCollector(prometheus.NewRegistry()) })
}

func TestRecordResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDispatch(3)
	c.RecordResult(true, false, 10*time.Millisecond)
	c.RecordResult(true, true, 20*time.Millisecond)
	c.RecordResult(false, false, 5*time.Millisecond)

	assert.Equal(t, 3.0, counterValue(t, reg, "lotto_jobs_dispatched_total"))
	assert.Equal(t, 2.0, counterValue(t, reg, "lotto_jobs_done_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "lotto_jobs_error_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "lotto_fallback_total"))

	hist := gather(t, reg)["lotto_evaluation_duration_seconds"].GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(3), hist.GetSampleCount())
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordGenerated(12)
	c.RecordStale()
	c.RecordPersistFailure()
	c.RecordPersistFailure()
	c.RecordBackup()

	assert.Equal(t, 12.0, counterValue(t, reg, "lotto_jobs_generated_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "lotto_stale_results_total"))
	assert.Equal(t, 2.0, counterValue(t, reg, "lotto_persist_failures_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "lotto_snapshot_backups_total"))
}

func TestGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetRunning(true)
	assert.Equal(t, 1.0, gaugeValue(t, reg, "lotto_runner_running"))
	c.SetRunning(false)
	assert.Equal(t, 0.0, gaugeValue(t, reg, "lotto_runner_running"))

	c.ObserverConnected()
	c.ObserverConnected()
	c.ObserverDisconnected()
	assert.Equal(t, 1.0, gaugeValue(t, reg, "lotto_stream_observers"))

	c.SetRecovery(4)
	assert.Equal(t, 4.0, gaugeValue(t, reg, "lotto_recovery_requeued_jobs"))
}

func TestUpdateQueue(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.UpdateQueue(types.Counts{Total: 10, Pending: 4, Running: 1, Done: 3, Error: 2})

	values := map[string]float64{}
	for _, m := range gather(t, reg)["lotto_queue_jobs"].GetMetric() {
		values[m.GetLabel()[0].GetValue()] = m.GetGauge().GetValue()
	}
	assert.Equal(t, map[string]float64{"pending": 4, "running": 1, "done": 3, "error": 2}, values)
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordGenerated(1)
		c.RecordDispatch(1)
		c.RecordResult(true, true, time.Second)
		c.RecordStale()
		c.RecordPersistFailure()
		c.RecordBackup()
		c.SetRecovery(1)
		c.SetRunning(true)
		c.ObserverConnected()
		c.ObserverDisconnected()
		c.UpdateQueue(types.Counts{})
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordDispatch(1)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "lotto_jobs_dispatched_total 1")
}
