package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// PrometheusMetrics holds the worker's Prometheus instruments
type PrometheusMetrics struct {
	// Job metrics
	jobsTotal      *prometheus.CounterVec
	scrapeAttempts prometheus.Counter
	fetchDuration  prometheus.Histogram

	// Queue metrics
	queuePopErrors prometheus.Counter

	// Browser metrics
	browserInstances prometheus.Gauge
	browserLaunches  *prometheus.CounterVec
	cleanupErrors    prometheus.Counter

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewPrometheusMetrics registers the worker metrics on the default registry
func NewPrometheusMetrics(namespace string, logger *zap.Logger) *PrometheusMetrics {
	return NewPrometheusMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewPrometheusMetricsWithRegistry registers the worker metrics on registerer
func NewPrometheusMetricsWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *PrometheusMetrics {
	pm := &PrometheusMetrics{
		logger: logger,
	}

	pm.jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Total number of jobs taken from the wait queue, by result",
	}, []string{"result"}) // result: completed, failed, requeued, lost, invalid, unparseable

	pm.scrapeAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scrape_attempts_total",
		Help:      "Total number of page fetches started",
	})

	pm.fetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Time spent fetching a rendered page",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
	})

	pm.queuePopErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_pop_errors_total",
		Help:      "Total number of failed blocking pops on the wait queue",
	})

	pm.browserInstances = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "browser_instances",
		Help:      "Number of running browser instances",
	})

	pm.browserLaunches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "browser_launches_total",
		Help:      "Total browser launches by status",
	}, []string{"status"}) // status: success, error

	pm.cleanupErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cleanup_errors_total",
		Help:      "Total number of failed page or cookie cleanups",
	})

	registerer.MustRegister(
		pm.jobsTotal,
		pm.scrapeAttempts,
		pm.fetchDuration,
		pm.queuePopErrors,
		pm.browserInstances,
		pm.browserLaunches,
		pm.cleanupErrors,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	pm.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Info("Scrape worker Prometheus metrics initialized")
	return pm
}

func (pm *PrometheusMetrics) RecordJob(result string) {
	pm.jobsTotal.WithLabelValues(result).Inc()
}

func (pm *PrometheusMetrics) RecordScrapeAttempt() {
	pm.scrapeAttempts.Inc()
}

func (pm *PrometheusMetrics) RecordFetchDuration(seconds float64) {
	pm.fetchDuration.Observe(seconds)
}

func (pm *PrometheusMetrics) RecordQueuePopError() {
	pm.queuePopErrors.Inc()
}

func (pm *PrometheusMetrics) UpdateBrowserInstances(n float64) {
	pm.browserInstances.Set(n)
}

func (pm *PrometheusMetrics) RecordBrowserLaunch(status string) {
	pm.browserLaunches.WithLabelValues(status).Inc()
}

func (pm *PrometheusMetrics) RecordCleanupError() {
	pm.cleanupErrors.Inc()
}

// ServeHTTP serves Prometheus metrics via HTTP
func (pm *PrometheusMetrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	pm.httpHandler(ctx)
}
