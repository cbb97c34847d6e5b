// Package metrics exposes pipeline counters through Prometheus. Every method
// is safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "herbtrace"

type Metrics struct {
	reg prometheus.Gatherer

	batchesAdmitted   prometheus.Counter
	admissionRejected *prometheus.CounterVec
	labResults        *prometheus.CounterVec
	anchorAttempts    *prometheus.CounterVec
	anchorsPending    prometheus.Gauge
	overrides         prometheus.Counter
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		batchesAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_admitted_total",
			Help: "Harvest batches that passed admission.",
		}),
		admissionRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "batch_admission_rejections_total",
			Help: "Batch submissions rejected at admission, by reason.",
		}, []string{"reason"}),
		labResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lab_results_total",
			Help: "Recorded lab evaluations, by result.",
		}, []string{"result"}),
		anchorAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ledger_anchor_attempts_total",
			Help: "Ledger anchoring attempts, by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		anchorsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ledger_anchors_pending",
			Help: "Anchors waiting in the retry outbox at the last sweep.",
		}),
		overrides: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batch_status_overrides_total",
			Help: "Administrative status overrides applied to batches.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route pattern, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	reg.MustRegister(
		m.batchesAdmitted, m.admissionRejected, m.labResults, m.anchorAttempts,
		m.anchorsPending, m.overrides, m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) BatchAdmitted() {
	if m == nil {
		return
	}
	m.batchesAdmitted.Inc()
}

// AdmissionRejected counts a rejected submission; reason is a short label
// such as "quota" or "geofence".
func (m *Metrics) AdmissionRejected(reason string) {
	if m == nil {
		return
	}
	m.admissionRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) LabResult(result string) {
	if m == nil {
		return
	}
	m.labResults.WithLabelValues(result).Inc()
}

func (m *Metrics) AnchorAttempt(eventType, outcome string) {
	if m == nil {
		return
	}
	m.anchorAttempts.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) SetAnchorsPending(n int) {
	if m == nil {
		return
	}
	m.anchorsPending.Set(float64(n))
}

func (m *Metrics) Override() {
	if m == nil {
		return
	}
	m.overrides.Inc()
}

func (m *Metrics) ObserveHTTP(route, method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
