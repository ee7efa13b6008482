// Package metrics exposes broker telemetry to Prometheus: one counter and one
// latency histogram per contract, implementation, transport and outcome, plus
// gauges describing the registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morezero/fitable-broker/pkg/registry"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "fitable_broker"

// Collector records invocation metrics. It implements invoker.Observer.
type Collector struct {
	registry *prometheus.Registry

	invocations *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	changes     *prometheus.CounterVec
}

// NewCollector creates a Collector with its own Prometheus registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "invoker",
			Name:      "invocations_total",
			Help:      "Total number of completed invocations.",
		},
		[]string{"contract", "implementation", "transport", "outcome"},
	)

	c.latency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "invoker",
			Name:      "invocation_duration_seconds",
			Help:      "Duration of invocations, including the transport round trip.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"contract", "transport"},
	)

	c.changes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "changes_total",
			Help:      "Change events received from peers, by action and whether they were applied.",
		},
		[]string{"action", "applied"},
	)

	c.registry.MustRegister(
		c.invocations,
		c.latency,
		c.changes,
		collectors.NewGoCollector(),
	)
	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collected metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveInvocation implements invoker.Observer.
func (c *Collector) ObserveInvocation(contract registry.ContractID, impl registry.ImplementationID, transport, outcome string, elapsed time.Duration) {
	c.invocations.WithLabelValues(string(contract), string(impl), transport, outcome).Inc()
	c.latency.WithLabelValues(string(contract), transport).Observe(elapsed.Seconds())
}

// RecordChange counts one change event from a peer.
func (c *Collector) RecordChange(action string, applied bool) {
	a := "false"
	if applied {
		a = "true"
	}
	c.changes.WithLabelValues(action, a).Inc()
}

// WatchRegistry exports the registry revision and the number of registered
// contracts and implementations, read at scrape time.
func (c *Collector) WatchRegistry(namespace string, reg *registry.Registry) error {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	revision := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "revision",
			Help:      "Registry revision; incremented by every mutation.",
		},
		func() float64 { return float64(reg.Revision()) },
	)
	contracts := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "contracts",
			Help:      "Number of registered contracts.",
		},
		func() float64 { return float64(len(reg.Contracts())) },
	)
	implementations := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "implementations",
			Help:      "Number of registered implementations across all contracts.",
		},
		func() float64 {
			n := 0
			for _, id := range reg.Contracts() {
				n += len(reg.CandidatesFor(id))
			}
			return float64(n)
		},
	)
	for _, g := range []prometheus.Collector{revision, contracts, implementations} {
		if err := c.registry.Register(g); err != nil {
			return err
		}
	}
	return nil
}
