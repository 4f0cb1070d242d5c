package authorship

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type metrics struct {
	constructed  prometheus.Histogram
	transactions prometheus.Gauge
}

func newMetrics(registry *prometheus.Registry) *metrics {
	m := &metrics{
		constructed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pontem", Subsystem: "proposer", Name: "block_constructed_seconds",
			Help:    "Time taken to construct new block",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		transactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pontem", Subsystem: "proposer", Name: "number_of_transactions",
			Help: "Number of transactions included in the last block",
		}),
	}
	if registry == nil {
		return m
	}
	for _, c := range []prometheus.Collector{m.constructed, m.transactions} {
		if err := registry.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				log.Warn("register proposer metric", zap.Error(err))
			}
		}
	}
	return m
}
