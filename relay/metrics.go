package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors an Agent reports to. A nil
// *Metrics records nothing.
type Metrics struct {
	forwarded *prometheus.CounterVec
	buffered  *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	backlog   *prometheus.GaugeVec
}

// NewMetrics creates the relay collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		forwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "certify",
				Subsystem: "relay",
				Name:      "messages_forwarded_total",
				Help:      "Messages forwarded to connected clients, backlog included.",
			},
			[]string{"agent"},
		),
		buffered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "certify",
				Subsystem: "relay",
				Name:      "messages_buffered_total",
				Help:      "Messages held for disconnected clients.",
			},
			[]string{"agent"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "certify",
				Subsystem: "relay",
				Name:      "messages_dropped_total",
				Help:      "Buffered messages dropped because a client's buffer was full.",
			},
			[]string{"agent"},
		),
		backlog: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "certify",
				Subsystem: "relay",
				Name:      "backlog_messages",
				Help:      "Messages currently held per client.",
			},
			[]string{"agent", "client"},
		),
	}

	for _, c := range []prometheus.Collector{m.forwarded, m.buffered, m.dropped, m.backlog} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) recordForwarded(agent string) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(agent).Inc()
}

func (m *Metrics) recordBuffered(agent string) {
	if m == nil {
		return
	}
	m.buffered.WithLabelValues(agent).Inc()
}

func (m *Metrics) recordDropped(agent string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(agent).Inc()
}

func (m *Metrics) setBacklog(agent, client string, n int) {
	if m == nil {
		return
	}
	m.backlog.WithLabelValues(agent, client).Set(float64(n))
}
