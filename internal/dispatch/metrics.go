package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons recorded on the Dropped counter.
const (
	dropUndecodable = "undecodable"
	dropNoReplyTo   = "no_reply_to"
	dropPublish     = "publish_failed"
)

// Metrics holds Prometheus metrics for the request dispatcher.
type Metrics struct {
	Requests        *prometheus.CounterVec
	HandleDuration  *prometheus.HistogramVec
	Dropped         *prometheus.CounterVec
	Panics          prometheus.Counter
	Replays         prometheus.Counter
	CachedReplies   prometheus.Gauge
	Resubscriptions prometheus.Counter
}

// NewMetrics registers dispatcher metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parkline_dispatch_requests_total",
			Help: "Requests answered by operation and reply code",
		}, []string{"operation", "code"}),
		HandleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parkline_dispatch_handle_duration_seconds",
			Help:    "Time spent inside operation handlers",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parkline_dispatch_dropped_total",
			Help: "Requests that could not be answered, by reason",
		}, []string{"reason"}),
		Panics: factory.NewCounter(prometheus.CounterOpts{
			Name: "parkline_dispatch_handler_panics_total",
			Help: "Handler panics converted into INTERNAL replies",
		}),
		Replays: factory.NewCounter(prometheus.CounterOpts{
			Name: "parkline_dispatch_idempotent_replays_total",
			Help: "Duplicate requests answered from the idempotency cache",
		}),
		CachedReplies: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parkline_dispatch_cached_replies",
			Help: "Replies held in the idempotency cache, including expired ones not yet evicted",
		}),
		Resubscriptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "parkline_dispatch_resubscriptions_total",
			Help: "Times the dispatcher re-subscribed after losing its connection",
		}),
	}
}

func (m *Metrics) observeRequest(op, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(op, code).Inc()
	m.HandleDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) incDropped(reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) incPanics() {
	if m != nil {
		m.Panics.Inc()
	}
}

func (m *Metrics) incReplays() {
	if m != nil {
		m.Replays.Inc()
	}
}

func (m *Metrics) setCachedReplies(n int) {
	if m != nil {
		m.CachedReplies.Set(float64(n))
	}
}

func (m *Metrics) incResubscriptions() {
	if m != nil {
		m.Resubscriptions.Inc()
	}
}
