package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for RPC channels.
type Metrics struct {
	Calls            *prometheus.CounterVec
	CallLatency      *prometheus.HistogramVec
	Pending          prometheus.Gauge
	UnmatchedReplies prometheus.Counter
	ChannelResets    prometheus.Counter
}

// NewMetrics registers RPC metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parkline_rpc_calls_total",
			Help: "Total number of RPC calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		CallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parkline_rpc_call_duration_seconds",
			Help:    "Time from publishing a request to its outcome",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"operation"}),
		Pending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parkline_rpc_pending_calls",
			Help: "Number of calls waiting for a reply",
		}),
		UnmatchedReplies: factory.NewCounter(prometheus.CounterOpts{
			Name: "parkline_rpc_unmatched_replies_total",
			Help: "Replies dropped because no pending call matched their correlation id",
		}),
		ChannelResets: factory.NewCounter(prometheus.CounterOpts{
			Name: "parkline_rpc_channel_resets_total",
			Help: "Times a channel failed its pending calls after losing its connection",
		}),
	}
}

func (m *Metrics) observeCall(op Operation, outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(string(op), outcome.String()).Inc()
	m.CallLatency.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

func (m *Metrics) setPending(n int) {
	if m != nil {
		m.Pending.Set(float64(n))
	}
}

func (m *Metrics) incUnmatched() {
	if m != nil {
		m.UnmatchedReplies.Inc()
	}
}

func (m *Metrics) incResets() {
	if m != nil {
		m.ChannelResets.Inc()
	}
}
