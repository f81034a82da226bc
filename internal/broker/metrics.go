package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the cluster handle.
type Metrics struct {
	Reconnects      prometheus.Counter
	DialFailures    *prometheus.CounterVec
	PublishFailures prometheus.Counter
	Connected       prometheus.Gauge
}

// NewMetrics registers cluster metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "parkline_broker_reconnects_total",
			Help: "Total number of successful reconnects after a lost broker connection",
		}),
		DialFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parkline_broker_dial_failures_total",
			Help: "Total number of failed dial attempts per broker node",
		}, []string{"node"}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "parkline_broker_publish_failures_total",
			Help: "Total number of publishes rejected by the transport",
		}),
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parkline_broker_connected",
			Help: "Whether a broker connection is currently live (1) or not (0)",
		}),
	}
}

func (m *Metrics) incReconnects() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) incDialFailure(node string) {
	if m != nil {
		m.DialFailures.WithLabelValues(node).Inc()
	}
}

func (m *Metrics) incPublishFailures() {
	if m != nil {
		m.PublishFailures.Inc()
	}
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}
