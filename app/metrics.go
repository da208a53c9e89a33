package app

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/romshark/shardforms/modules/msgbroker"
)

// Submission results.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

var _ msgbroker.Metrics = (*Metrics)(nil)

// Metrics are the app's Prometheus collectors.
type Metrics struct {
	// Total number of form submissions by variant and result (ok|rejected|error).
	Submissions *prometheus.CounterVec

	// Total number of completed wallet sign-ins.
	SignIns prometheus.Counter

	// Total number of sign-outs.
	SignOuts prometheus.Counter

	// Total number of published broker messages by subject.
	BrokerPublished *prometheus.CounterVec

	// Total number of broker deliveries dropped due to slow subscribers.
	BrokerDropped prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg unless nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "app", Subsystem: "forms", Name: "submissions_total",
			Help: "Total number of form submissions.",
		}, []string{"variant", "result"}),
		SignIns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "app", Subsystem: "auth", Name: "sign_ins_total",
			Help: "Total number of completed wallet sign-ins.",
		}),
		SignOuts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "app", Subsystem: "auth", Name: "sign_outs_total",
			Help: "Total number of sign-outs.",
		}),
		BrokerPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "app", Subsystem: "broker", Name: "published_total",
			Help: "Total number of published messages.",
		}, []string{"subject"}),
		BrokerDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "app", Subsystem: "broker", Name: "dropped_total",
			Help: "Total number of deliveries dropped due to slow subscribers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Submissions, m.SignIns, m.SignOuts, m.BrokerPublished, m.BrokerDropped,
		)
	}
	return m
}

// OnPublish implements msgbroker.Metrics.
func (m *Metrics) OnPublish(subject string) {
	m.BrokerPublished.WithLabelValues(subject).Inc()
}

// OnDeliveryDropped implements msgbroker.Metrics.
func (m *Metrics) OnDeliveryDropped() { m.BrokerDropped.Inc() }
