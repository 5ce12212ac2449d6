package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

func newTestCollector(t *testing.T) (*MetricsCollector, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	return NewMetricsCollectorWithRegistry("test", registry, zap.NewNop()), registry
}

func findFamily(t *testing.T, registry *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestRecordJobResult(t *testing.T) {
	mc, registry := newTestCollector(t)

	mc.RecordJobResult(ResultCompleted)
	mc.RecordJobResult(ResultCompleted)
	mc.RecordJobResult(ResultLost)

	mf := findFamily(t, registry, "test_jobs_total")
	counts := map[string]float64{}
	for _, m := range mf.GetMetric() {
		counts[labelValue(m, "result")] = m.GetCounter().GetValue()
	}

	assert.Equal(t, 2.0, counts[ResultCompleted])
	assert.Equal(t, 1.0, counts[ResultLost])
	assert.NotContains(t, counts, ResultFailed)
}

func TestRecordFetch(t *testing.T) {
	mc, registry := newTestCollector(t)

	mc.RecordFetch(250 * time.Millisecond)
	mc.RecordFetch(2 * time.Second)

	attempts := findFamily(t, registry, "test_scrape_attempts_total")
	assert.Equal(t, 2.0, attempts.GetMetric()[0].GetCounter().GetValue())

	duration := findFamily(t, registry, "test_fetch_duration_seconds")
	h := duration.GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(2), h.GetSampleCount())
	assert.InDelta(t, 2.25, h.GetSampleSum(), 0.001)
}

func TestBrowserMetrics(t *testing.T) {
	mc, registry := newTestCollector(t)

	mc.UpdateBrowserInstances(3)
	mc.RecordBrowserLaunch(nil)
	mc.RecordBrowserLaunch(errors.New("no chrome"))
	mc.RecordCleanupError()
	mc.RecordQueuePopError()

	instances := findFamily(t, registry, "test_browser_instances")
	assert.Equal(t, 3.0, instances.GetMetric()[0].GetGauge().GetValue())

	launches := findFamily(t, registry, "test_browser_launches_total")
	byStatus := map[string]float64{}
	for _, m := range launches.GetMetric() {
		byStatus[labelValue(m, "status")] = m.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"success": 1, "error": 1}, byStatus)

	assert.Equal(t, 1.0, findFamily(t, registry, "test_cleanup_errors_total").GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, findFamily(t, registry, "test_queue_pop_errors_total").GetMetric()[0].GetCounter().GetValue())
}

func TestNilCollectorIsNoop(t *testing.T) {
	var mc *MetricsCollector

	assert.NotPanics(t, func() {
		mc.RecordJobResult(ResultCompleted)
		mc.RecordFetch(time.Second)
		mc.RecordQueuePopError()
		mc.UpdateBrowserInstances(1)
		mc.RecordBrowserLaunch(nil)
		mc.RecordCleanupError()
	})
}

func TestServeHTTP(t *testing.T) {
	mc, _ := newTestCollector(t)
	mc.RecordJobResult(ResultInvalid)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/metrics")
	mc.ServeHTTP(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `test_jobs_total{result="invalid"} 1`)
}
