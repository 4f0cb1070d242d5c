package importqueue

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type metrics struct {
	processed    *prometheus.CounterVec
	verification prometheus.Histogram
}

func newMetrics(registry *prometheus.Registry) *metrics {
	m := &metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pontem", Subsystem: "import_queue", Name: "processed_total",
			Help: "Blocks processed by the import queue",
		}, []string{"result"}),
		verification: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pontem", Subsystem: "import_queue", Name: "block_verification_seconds",
			Help:    "Time taken to verify blocks",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	if registry == nil {
		return m
	}
	for _, c := range []prometheus.Collector{m.processed, m.verification} {
		if err := registry.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				log.Warn("register import queue metric", zap.Error(err))
			}
		}
	}
	return m
}
