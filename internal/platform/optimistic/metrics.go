package optimistic

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	pending       prometheus.GaugeFunc
	committed     prometheus.Counter
	rolledBack    prometheus.Counter
	superseded    prometheus.Counter
	writeDuration prometheus.Histogram
}

func newMetrics(pending func() int) *metrics {
	return &metrics{
		pending: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "labops",
			Subsystem: "optimistic",
			Name:      "pending",
			Help:      "Orders with an optimistic overlay awaiting remote confirmation.",
		}, func() float64 { return float64(pending()) }),
		committed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labops",
			Subsystem: "optimistic",
			Name:      "committed_total",
			Help:      "Optimistic patches confirmed by the remote store.",
		}),
		rolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labops",
			Subsystem: "optimistic",
			Name:      "rolled_back_total",
			Help:      "Optimistic patches whose remote write failed.",
		}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labops",
			Subsystem: "optimistic",
			Name:      "superseded_total",
			Help:      "Pending overlays replaced by a later patch for the same order.",
		}),
		writeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "labops",
			Subsystem: "optimistic",
			Name:      "write_duration_seconds",
			Help:      "Latency of remote order writes.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		}),
	}
}

// Register adds the controller's collectors to reg.
func (c *Controller) Register(reg prometheus.Registerer) error {
	m := c.metrics
	for _, col := range []prometheus.Collector{m.pending, m.committed, m.rolledBack, m.superseded, m.writeDuration} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}
