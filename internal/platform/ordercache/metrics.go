package ordercache

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	size         prometheus.GaugeFunc
	batches      prometheus.Counter
	decodeErrors prometheus.Counter
	feedFailures prometheus.Counter
}

func newMetrics(size func() int) *metrics {
	return &metrics{
		size: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "labops",
			Subsystem: "order_cache",
			Name:      "orders",
			Help:      "Orders currently mirrored in the local cache.",
		}, func() float64 { return float64(size()) }),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labops",
			Subsystem: "order_cache",
			Name:      "batches_total",
			Help:      "Replace-batches applied from order feeds.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labops",
			Subsystem: "order_cache",
			Name:      "decode_errors_total",
			Help:      "Order documents skipped because they could not be decoded.",
		}),
		feedFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labops",
			Subsystem: "order_cache",
			Name:      "feed_failures_total",
			Help:      "Order feeds that ended with an error.",
		}),
	}
}

// Register adds the cache's collectors to reg.
func (c *Cache) Register(reg prometheus.Registerer) error {
	m := c.metrics
	for _, col := range []prometheus.Collector{m.size, m.batches, m.decodeErrors, m.feedFailures} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}
