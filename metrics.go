package certify

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors a CMTransport reports to. A nil
// *Metrics records nothing.
type Metrics struct {
	sent          *prometheus.CounterVec
	confirmed     *prometheus.CounterVec
	expired       *prometheus.CounterVec
	retransmitted *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	delivered     *prometheus.CounterVec
	ledgerSize    *prometheus.GaugeVec
}

// NewMetrics creates the certify collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "certify",
				Subsystem: "sender",
				Name:      "messages_sent_total",
				Help:      "Certified messages sent.",
			},
			[]string{"transport"},
		),
		confirmed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "certify",
				Subsystem: "sender",
				Name:      "messages_confirmed_total",
				Help:      "Ledger entries confirmed by every tracked listener.",
			},
			[]string{"transport"},
		),
		expired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "certify",
				Subsystem: "sender",
				Name:      "messages_expired_total",
				Help:      "Ledger entries removed by time limit or explicit expiry.",
			},
			[]string{"transport"},
		),
		retransmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "certify",
				Subsystem: "sender",
				Name:      "messages_retransmitted_total",
				Help:      "Ledger entries republished in answer to request-old.",
			},
			[]string{"transport"},
		),
		duplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "certify",
				Subsystem: "listener",
				Name:      "duplicates_total",
				Help:      "Inbound certified messages dropped as duplicates.",
			},
			[]string{"transport"},
		),
		delivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "certify",
				Subsystem: "listener",
				Name:      "messages_delivered_total",
				Help:      "Inbound certified messages handed to listeners.",
			},
			[]string{"transport"},
		),
		ledgerSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "certify",
				Subsystem: "sender",
				Name:      "ledger_entries",
				Help:      "Entries retained in the ledger.",
			},
			[]string{"transport"},
		),
	}
	for _, c := range []prometheus.Collector{m.sent, m.confirmed, m.expired, m.retransmitted, m.duplicates, m.delivered, m.ledgerSize} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) add(vec *prometheus.CounterVec, transport string, n int) {
	if m == nil || n <= 0 {
		return
	}
	vec.WithLabelValues(transport).Add(float64(n))
}

func (m *Metrics) recordSent(transport string) {
	if m != nil {
		m.add(m.sent, transport, 1)
	}
}

func (m *Metrics) recordConfirmed(transport string) {
	if m != nil {
		m.add(m.confirmed, transport, 1)
	}
}

func (m *Metrics) recordExpired(transport string, n int) {
	if m != nil {
		m.add(m.expired, transport, n)
	}
}

func (m *Metrics) recordRetransmitted(transport string, n int) {
	if m != nil {
		m.add(m.retransmitted, transport, n)
	}
}

func (m *Metrics) recordDuplicate(transport string) {
	if m != nil {
		m.add(m.duplicates, transport, 1)
	}
}

func (m *Metrics) recordDelivered(transport string) {
	if m != nil {
		m.add(m.delivered, transport, 1)
	}
}

func (m *Metrics) setLedgerSize(transport string, n int) {
	if m == nil {
		return
	}
	m.ledgerSize.WithLabelValues(transport).Set(float64(n))
}
