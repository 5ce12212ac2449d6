package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Job results recorded in jobs_total
const (
	ResultCompleted   = "completed"
	ResultFailed      = "failed"
	ResultRequeued    = "requeued"
	ResultLost        = "lost"
	ResultInvalid     = "invalid"
	ResultUnparseable = "unparseable"
)

// MetricsCollector is the metrics facade used by the pool and the processor.
// A nil *MetricsCollector is valid and records nothing.
type MetricsCollector struct {
	prometheus *PrometheusMetrics
	logger     *zap.Logger
}

// NewMetricsCollector creates a collector on the default Prometheus registry
func NewMetricsCollector(namespace string, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		prometheus: NewPrometheusMetrics(namespace, logger),
		logger:     logger,
	}
}

// NewMetricsCollectorWithRegistry creates a collector on a custom registry
func NewMetricsCollectorWithRegistry(namespace string, registry *prometheus.Registry, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		prometheus: NewPrometheusMetricsWithRegistry(namespace, registry, logger),
		logger:     logger,
	}
}

// RecordJobResult records the terminal result of one dequeued payload
func (mc *MetricsCollector) RecordJobResult(result string) {
	if mc == nil {
		return
	}
	mc.prometheus.RecordJob(result)
}

// RecordFetch records one fetch attempt and how long it took
func (mc *MetricsCollector) RecordFetch(duration time.Duration) {
	if mc == nil {
		return
	}
	mc.prometheus.RecordScrapeAttempt()
	mc.prometheus.RecordFetchDuration(duration.Seconds())
}

func (mc *MetricsCollector) RecordQueuePopError() {
	if mc == nil {
		return
	}
	mc.prometheus.RecordQueuePopError()
}

func (mc *MetricsCollector) UpdateBrowserInstances(n int) {
	if mc == nil {
		return
	}
	mc.prometheus.UpdateBrowserInstances(float64(n))
}

// RecordBrowserLaunch records a launch outcome
func (mc *MetricsCollector) RecordBrowserLaunch(err error) {
	if mc == nil {
		return
	}
	if err != nil {
		mc.prometheus.RecordBrowserLaunch("error")
		return
	}
	mc.prometheus.RecordBrowserLaunch("success")
}

func (mc *MetricsCollector) RecordCleanupError() {
	if mc == nil {
		return
	}
	mc.prometheus.RecordCleanupError()
	mc.logger.Debug("Recorded cleanup error")
}

// ServeHTTP exposes the metrics for the metrics server
func (mc *MetricsCollector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	mc.prometheus.ServeHTTP(ctx)
}
