package auditqueue

import "github.com/prometheus/client_golang/prometheus"

// Metrics are per-queue collectors; Register exposes them.
type Metrics struct {
	depth     prometheus.GaugeFunc
	persisted prometheus.Counter
	retried   prometheus.Counter
	dropped   prometheus.Counter
	requeued  prometheus.Counter
}

func newMetrics(depth func() int) *Metrics {
	return &Metrics{
		depth: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "labops",
			Subsystem: "audit_queue",
			Name:      "depth",
			Help:      "Audit entries queued or in flight.",
		}, func() float64 { return float64(depth()) }),
		persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labops",
			Subsystem: "audit_queue",
			Name:      "persisted_total",
			Help:      "Audit entries written to the audit collection.",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labops",
			Subsystem: "audit_queue",
			Name:      "retries_total",
			Help:      "Append attempts that were retried after a failure.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labops",
			Subsystem: "audit_queue",
			Name:      "dropped_total",
			Help:      "Audit entries handed to the dead-letter sink.",
		}),
		requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labops",
			Subsystem: "audit_queue",
			Name:      "requeued_total",
			Help:      "Entries pushed back to the front after an aborted batch.",
		}),
	}
}

// Register adds the queue's collectors to reg.
func (q *Queue) Register(reg prometheus.Registerer) error {
	m := q.metrics
	for _, c := range []prometheus.Collector{m.depth, m.persisted, m.retried, m.dropped, m.requeued} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
