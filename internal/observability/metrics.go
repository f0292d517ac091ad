package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "edgemart"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	sagaTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "transitions_total",
			Help:      "Saga state transitions by saga kind and entered state.",
		},
		[]string{"kind", "state"},
	)
	provisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "factory",
			Name:      "provision_total",
			Help:      "Registry provisioning attempts by outcome.",
		},
		[]string{"outcome"},
	)
	remoteCalls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "call_duration_seconds",
			Help:      "Cross-service call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"target", "op", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, sagaTransitions, provisions, remoteCalls)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSagaTransition(kind, state string) {
	RegisterMetrics()
	sagaTransitions.WithLabelValues(kind, state).Inc()
}

func RecordProvision(outcome string) {
	RegisterMetrics()
	provisions.WithLabelValues(outcome).Inc()
}

// RecordRemoteCall observes one call to a ledger or registry.
func RecordRemoteCall(target, op string, duration time.Duration, success bool) {
	RegisterMetrics()
	remoteCalls.WithLabelValues(target, op, strconv.FormatBool(success)).Observe(duration.Seconds())
}
