// Package observability exposes the Prometheus metrics the queue manager
// and its components record, in the style of the teacher's
// observability/metrics.go: promauto-registered vectors at package scope,
// named with a project prefix.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks ready-to-dispatch jobs per priority.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qm_queue_depth",
		Help: "Current number of ready jobs in the broker queue, by priority",
	}, []string{"priority"})

	// AdmissionDecisions tracks Budget Gate outcomes.
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qm_admission_decisions_total",
		Help: "Total admission decisions made by the budget gate",
	}, []string{"decision"}) // allow | defer | block

	// BudgetLevel tracks the current budget severity as an ordinal
	// (0=normal .. 4=exhausted), for dashboards that can't render strings.
	BudgetLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qm_budget_level",
		Help: "Current budget level ordinal (0=normal,1=warning,2=throttle,3=critical,4=exhausted)",
	})

	// CascadeFailures tracks the consecutive-failure counter per pipeline.
	CascadeFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qm_cascade_failures",
		Help: "Current consecutive failure count per pipeline bucket",
	}, []string{"pipeline"})

	// CascadePauses counts failed-job events that found their pipeline at
	// or above the cascade threshold and paused the worker.
	CascadePauses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qm_cascade_pauses_total",
		Help: "Total number of failed-job events that paused the worker at or above the cascade threshold",
	})

	// FallbackQueueDepth tracks the number of job files on disk.
	FallbackQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qm_fallback_queue_depth",
		Help: "Current number of jobs buffered in the filesystem fallback queue",
	})

	// DeadLetterCount tracks the broker's failed-job set size.
	DeadLetterCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qm_dead_letter_count",
		Help: "Current number of jobs held in the dead-letter surface",
	})

	// HealthDegradationLevel tracks the synthesized 0..4 degradation level.
	HealthDegradationLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qm_health_degradation_level",
		Help: "Synthesized system degradation level (0=healthy .. 4=offline)",
	})

	// HealthCheckDuration tracks per-component health probe latency.
	HealthCheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qm_health_check_duration_seconds",
		Help:    "Duration of individual component health checks",
		Buckets: prometheus.DefBuckets,
	}, []string{"component"})

	// BrokerConnected is a 0/1 gauge latched to the broker connection's
	// IsConnected().
	BrokerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qm_broker_connected",
		Help: "1 if the broker connection is currently considered connected, else 0",
	})

	// RedisLatency tracks redis command round-trip time, adapted from the
	// teacher's store.RedisLatency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qm_redis_command_duration_seconds",
		Help:    "Duration of individual Redis commands issued by the broker adapter",
		Buckets: prometheus.DefBuckets,
	})
)
