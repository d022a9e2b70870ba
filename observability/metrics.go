package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every cawnet metric.
const Namespace = "cawnet"

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	actionMetricsOnce sync.Once
	actionRegistry    *ActionMetrics

	syncMetricsOnce sync.Once
	syncRegistry    *SyncMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	module = labelOrUnknown(module)
	method = labelOrUnknown(method)
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(labelOrUnknown(module), reason).Inc()
}

// ActionMetrics tracks batch processing.
type ActionMetrics struct {
	accepted  *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	batches   *prometheus.CounterVec
	batchSize prometheus.Histogram
	latency   prometheus.Histogram
}

// Actions returns the action processing metrics registry.
func Actions() *ActionMetrics {
	actionMetricsOnce.Do(func() {
		actionRegistry = &ActionMetrics{
			accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "actions",
				Name:      "accepted_total",
				Help:      "Accepted actions segmented by action type.",
			}, []string{"type"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "actions",
				Name:      "rejected_total",
				Help:      "Rejected actions segmented by action type and reason.",
			}, []string{"type", "reason"}),
			batches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "actions",
				Name:      "batches_total",
				Help:      "Processed batches segmented by outcome.",
			}, []string{"outcome"}),
			batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "actions",
				Name:      "batch_size",
				Help:      "Number of actions submitted per batch.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 11),
			}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "actions",
				Name:      "batch_duration_seconds",
				Help:      "Time spent processing one batch.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			actionRegistry.accepted,
			actionRegistry.rejected,
			actionRegistry.batches,
			actionRegistry.batchSize,
			actionRegistry.latency,
		)
	})
	return actionRegistry
}

// RecordAccepted increments the accepted counter for an action type.
func (m *ActionMetrics) RecordAccepted(actionType string) {
	if m == nil {
		return
	}
	m.accepted.WithLabelValues(labelOrUnknown(actionType)).Inc()
}

// RecordRejected increments the rejected counter for an action type.
func (m *ActionMetrics) RecordRejected(actionType, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(labelOrUnknown(actionType), labelOrUnknown(reason)).Inc()
}

// ObserveBatch records one batch. A nil err marks the batch as processed.
func (m *ActionMetrics) ObserveBatch(size int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "processed"
	if err != nil {
		outcome = "aborted"
	}
	m.batches.WithLabelValues(outcome).Inc()
	m.batchSize.Observe(float64(size))
	m.latency.Observe(duration.Seconds())
}

// SyncMetrics tracks cross-layer messaging.
type SyncMetrics struct {
	messages *prometheus.CounterVec
	updates  *prometheus.CounterVec
	pending  *prometheus.GaugeVec
}

// Sync returns the cross-layer sync metrics registry.
func Sync() *SyncMetrics {
	syncMetricsOnce.Do(func() {
		syncRegistry = &SyncMetrics{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "sync",
				Name:      "messages_total",
				Help:      "Cross-layer messages segmented by direction, kind, and layer.",
			}, []string{"direction", "kind", "layer"}),
			updates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "sync",
				Name:      "ownership_updates_total",
				Help:      "Ownership updates queued per execution layer.",
			}, []string{"layer"}),
			pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "sync",
				Name:      "pending_updates",
				Help:      "Ownership updates waiting to be flushed per execution layer.",
			}, []string{"layer"}),
		}
		prometheus.MustRegister(syncRegistry.messages, syncRegistry.updates, syncRegistry.pending)
	})
	return syncRegistry
}

// RecordMessage counts a sent or received message.
func (m *SyncMetrics) RecordMessage(direction, kind, layer string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(labelOrUnknown(direction), labelOrUnknown(kind), labelOrUnknown(layer)).Inc()
}

// RecordQueued counts a queued ownership update.
func (m *SyncMetrics) RecordQueued(layer string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(labelOrUnknown(layer)).Inc()
}

// SetPending publishes the queue depth of a layer.
func (m *SyncMetrics) SetPending(layer string, depth int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(labelOrUnknown(layer)).Set(float64(depth))
}

func labelOrUnknown(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
