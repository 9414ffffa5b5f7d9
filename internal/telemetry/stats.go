// Package telemetry publishes cumulative IO counters for an Upstairs or
// Downstairs instance as Prometheus metrics, mirroring the
// connect/read/write/flush counter families a Downstairs tracks for its
// own stats producer.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Stats is a per-instance set of cumulative counters. It is a thin
// wrapper over prometheus.Counter rather than a bespoke struct so the
// values are scraped the same way as every other metric in the process,
// without a separate push loop.
type Stats struct {
	Connects prometheus.Counter
	Flushes  prometheus.Counter
	Reads    prometheus.Counter
	Writes   prometheus.Counter
	Errors   *prometheus.CounterVec
}

// NewStats registers a fresh set of counters labelled with instance,
// under the given registerer (pass prometheus.DefaultRegisterer unless
// a test needs isolation).
func NewStats(reg prometheus.Registerer, instance string) *Stats {
	labels := prometheus.Labels{"instance": instance}
	s := &Stats{
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "crucible",
			Name:        "connects_total",
			Help:        "Downstairs connection attempts that completed negotiation.",
			ConstLabels: labels,
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "crucible",
			Name:        "flushes_total",
			Help:        "Flush operations acknowledged.",
			ConstLabels: labels,
		}),
		Reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "crucible",
			Name:        "reads_total",
			Help:        "Read operations acknowledged.",
			ConstLabels: labels,
		}),
		Writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "crucible",
			Name:        "writes_total",
			Help:        "Write and write-unwritten operations acknowledged.",
			ConstLabels: labels,
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "crucible",
			Name:        "errors_total",
			Help:        "Operations that failed to reach quorum, by error kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
	}

	reg.MustRegister(s.Connects, s.Flushes, s.Reads, s.Writes, s.Errors)
	return s
}
