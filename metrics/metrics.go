// Package metrics holds the Prometheus collectors of the tenant backend and
// the HTTP server exposing them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors. All methods are safe on a nil receiver so
// components can run without instrumentation.
type Metrics struct {
	Registry *prometheus.Registry

	// Provisioning
	WorkflowsTotal  *prometheus.CounterVec
	StepsTotal      *prometheus.CounterVec
	StepDuration    *prometheus.HistogramVec
	QueueDepth      prometheus.Gauge
	ActiveWorkflows prometheus.Gauge
	EnqueueRejected *prometheus.CounterVec

	// Resolution
	ResolutionsTotal *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheEntries     prometheus.Gauge
	DecryptFailures  prometheus.Counter
}

// New creates the collectors on a fresh registry prefixed with namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		WorkflowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioning_workflows_total",
				Help:      "Provisioning workflows finished, by outcome",
			},
			[]string{"outcome"},
		),

		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioning_steps_total",
				Help:      "Provisioning steps executed, by step and outcome",
			},
			[]string{"step", "outcome"},
		),

		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provisioning_step_duration_seconds",
				Help:      "Duration of provisioning steps",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"step"},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provisioning_queue_depth",
				Help:      "Tenants waiting for a provisioning worker",
			},
		),

		ActiveWorkflows: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provisioning_active_workflows",
				Help:      "Tenants queued or being provisioned by this process",
			},
		),

		EnqueueRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioning_enqueue_rejected_total",
				Help:      "Enqueue requests rejected, by reason",
			},
			[]string{"reason"},
		),

		ResolutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tenant_resolutions_total",
				Help:      "Tenant resolutions, by result",
			},
			[]string{"result"},
		),

		CacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tenant_cache_hits_total",
				Help:      "Tenant context cache hits",
			},
		),

		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tenant_cache_misses_total",
				Help:      "Tenant context cache misses",
			},
		),

		CacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tenant_cache_entries",
				Help:      "Resolved tenant contexts currently cached",
			},
		),

		DecryptFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tenant_secret_decrypt_failures_total",
				Help:      "Stored connection secrets that failed to decrypt",
			},
		),
	}
}

func (m *Metrics) RecordWorkflow(outcome string) {
	if m == nil {
		return
	}
	m.WorkflowsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordStep(step, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(step, outcome).Inc()
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) SetActiveWorkflows(n int) {
	if m == nil {
		return
	}
	m.ActiveWorkflows.Set(float64(n))
}

func (m *Metrics) RecordEnqueueRejected(reason string) {
	if m == nil {
		return
	}
	m.EnqueueRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordResolution(result string) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

func (m *Metrics) RecordDecryptFailure() {
	if m == nil {
		return
	}
	m.DecryptFailures.Inc()
}
