// Package metrics exposes the job pipeline as Prometheus collectors.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

const namespace = "upscaler"

// Metrics holds every collector of the service. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	submitted     prometheus.Counter
	rejected      *prometheus.CounterVec
	finished      *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	queueWait     prometheus.Histogram
	active        prometheus.Gauge
	queueLength   prometheus.Gauge
	capacity      prometheus.Gauge
	sweepDeleted  prometheus.Counter
	sweepFailures prometheus.Counter
	engineReloads *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	bytesIn      prometheus.Counter
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by admission",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Submissions rejected by admission",
		}, []string{"reason"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_processing_seconds",
			Help:      "Time jobs spent processing",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"status"}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_queue_wait_seconds",
			Help:      "Time between admission and the start of processing",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_processing",
			Help:      "Jobs holding a worker slot",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Jobs waiting for a worker slot",
		}),
		capacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_slots",
			Help:      "Configured worker pool size",
		}),
		sweepDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_deleted_total",
			Help:      "Expired jobs removed by the sweeper",
		}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_failures_total",
			Help:      "Expired jobs the sweeper could not remove",
		}),
		engineReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_reloads_total",
			Help:      "Engine reloads by result",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_bytes_total",
			Help:      "Bytes received in HTTP request bodies",
		}),
	}

	m.registry.MustRegister(
		m.submitted, m.rejected, m.finished, m.jobDuration, m.queueWait,
		m.active, m.queueLength, m.capacity,
		m.sweepDeleted, m.sweepFailures, m.engineReloads,
		m.httpRequests, m.httpDuration, m.bytesIn,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteText writes a text exposition snapshot of every metric
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	encoder := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// JobSubmitted counts an admitted job
func (m *Metrics) JobSubmitted() {
	if m == nil {
		return
	}
	m.submitted.Inc()
}

// AdmissionRejected counts a rejected submission
func (m *Metrics) AdmissionRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

// JobStarted records how long the job waited for a slot
func (m *Metrics) JobStarted(wait time.Duration) {
	if m == nil {
		return
	}
	m.queueWait.Observe(wait.Seconds())
}

// JobFinished records a terminal outcome
func (m *Metrics) JobFinished(status string, processing time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(status).Inc()
	if processing > 0 {
		m.jobDuration.WithLabelValues(status).Observe(processing.Seconds())
	}
}

// PoolState publishes the scheduler occupancy
func (m *Metrics) PoolState(active, queued, capacity int) {
	if m == nil {
		return
	}
	m.active.Set(float64(active))
	m.queueLength.Set(float64(queued))
	m.capacity.Set(float64(capacity))
}

// SweepResult counts a sweep cycle's outcome
func (m *Metrics) SweepResult(deleted, failed int) {
	if m == nil {
		return
	}
	m.sweepDeleted.Add(float64(deleted))
	m.sweepFailures.Add(float64(failed))
}

// EngineReloaded counts an engine reload
func (m *Metrics) EngineReloaded(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.engineReloads.WithLabelValues(result).Inc()
}

// Middleware records request counts and latency per mux route template
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		if r.ContentLength > 0 {
			m.bytesIn.Add(float64(r.ContentLength))
		}

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
