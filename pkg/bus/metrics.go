package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the Prometheus instrumentation for a single Bus
// instance, grounded on the teacher's promauto usage (pkg/ipc/metrics.go).
// Each Bus gets its own prometheus.Registry rather than registering
// against the global default, since a process may construct more than
// one Bus (tests routinely do) and promauto panics on duplicate
// registration.
type metrics struct {
	registry *prometheus.Registry

	queueDepth   prometheus.Gauge
	matchedCount prometheus.Histogram
	deadMessages prometheus.Counter
	dispatchErrs prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &metrics{
		registry: reg,
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "signalbus",
			Name:      "queue_depth",
			Help:      "Number of envelopes currently buffered in the async dispatch queue.",
		}),
		matchedCount: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "signalbus",
			Name:      "matched_subscriptions",
			Help:      "Number of subscriptions matched per publish call.",
			Buckets:   prometheus.LinearBuckets(0, 1, 8),
		}),
		deadMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "signalbus",
			Name:      "dead_messages_total",
			Help:      "Number of published tuples that matched no subscription.",
		}),
		dispatchErrs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "signalbus",
			Name:      "dispatch_errors_total",
			Help:      "Number of handler panics or async dispatch failures forwarded to error sinks.",
		}),
	}
}

// observeMatch records how many subscriptions a single publish matched,
// including zero (which also increments deadMessages).
func (m *metrics) observeMatch(n int) {
	m.matchedCount.Observe(float64(n))
	if n == 0 {
		m.deadMessages.Inc()
	}
}

// Registry exposes the bus's private Prometheus registry so a caller
// can mount it behind its own /metrics endpoint.
func (b *Bus) Registry() *prometheus.Registry {
	return b.metrics.registry
}
