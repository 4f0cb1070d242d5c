package txpool

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type metrics struct {
	submitted prometheus.Counter
	invalid   prometheus.Counter
	pruned    prometheus.Counter
	ready     prometheus.Gauge
}

// newMetrics registers the pool metrics when registry is set. Unregistered
// collectors still count, they are just not exported.
func newMetrics(registry *prometheus.Registry) *metrics {
	m := &metrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pontem", Subsystem: "txpool", Name: "submitted_transactions",
			Help: "Total number of transactions submitted",
		}),
		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pontem", Subsystem: "txpool", Name: "validations_invalid",
			Help: "Total number of transactions that were removed from the pool as invalid",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pontem", Subsystem: "txpool", Name: "block_transactions_pruned",
			Help: "Total number of transactions that were pruned from the pool",
		}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pontem", Subsystem: "txpool", Name: "ready_transactions",
			Help: "Number of ready transactions",
		}),
	}
	if registry == nil {
		return m
	}
	for _, c := range []prometheus.Collector{m.submitted, m.invalid, m.pruned, m.ready} {
		if err := registry.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				log.Warn("register txpool metric", zap.Error(err))
			}
		}
	}
	return m
}
