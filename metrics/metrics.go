// Package metrics holds the Prometheus collectors for the sync and call
// engines. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

// Metrics groups every collector the engines update.
type Metrics struct {
	InboundEvents   *prometheus.CounterVec
	MessagesSent    *prometheus.CounterVec
	Duplicates      prometheus.Counter
	StaleDiscarded  *prometheus.CounterVec
	HealRefreshes   prometheus.Counter
	PageLoads       *prometheus.CounterVec
	CallsFinished   *prometheus.CounterVec
	CallDuration    prometheus.Histogram
	CallTransitions *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which keeps parallel tests independent.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound channel events handled, by engine and event type.",
		}, []string{"engine", "type"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Message send attempts by result.",
		}, []string{"result"}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_total",
			Help:      "Inbound or loaded messages dropped as duplicates.",
		}),
		StaleDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_discarded_total",
			Help:      "Async results discarded because their context was superseded.",
		}, []string{"operation"}),
		HealRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heal_refreshes_total",
			Help:      "Background refreshes scheduled by loss detection.",
		}),
		PageLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_loads_total",
			Help:      "Message page loads by result.",
		}, []string{"result"}),
		CallsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_finished_total",
			Help:      "Finished calls by direction and end reason.",
		}, []string{"direction", "reason"}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of calls that reached the connected state.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		CallTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_transitions_total",
			Help:      "Call state machine transitions by destination state.",
		}, []string{"to"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.InboundEvents, m.MessagesSent, m.Duplicates, m.StaleDiscarded,
			m.HealRefreshes, m.PageLoads, m.CallsFinished, m.CallDuration, m.CallTransitions,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) Inbound(engine, eventType string) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(engine, eventType).Inc()
}

func (m *Metrics) Sent(result string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(result).Inc()
}

func (m *Metrics) Duplicate(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Duplicates.Add(float64(n))
}

func (m *Metrics) Stale(operation string) {
	if m == nil {
		return
	}
	m.StaleDiscarded.WithLabelValues(operation).Inc()
}

func (m *Metrics) Heal() {
	if m == nil {
		return
	}
	m.HealRefreshes.Inc()
}

func (m *Metrics) PageLoad(result string) {
	if m == nil {
		return
	}
	m.PageLoads.WithLabelValues(result).Inc()
}

func (m *Metrics) CallTransition(to string) {
	if m == nil {
		return
	}
	m.CallTransitions.WithLabelValues(to).Inc()
}

// CallFinished records a finished call. seconds is ignored when the call
// never connected.
func (m *Metrics) CallFinished(direction, reason string, connected bool, seconds float64) {
	if m == nil {
		return
	}
	m.CallsFinished.WithLabelValues(direction, reason).Inc()
	if connected {
		m.CallDuration.Observe(seconds)
	}
}
