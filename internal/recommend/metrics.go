package recommend

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for consensus rounds.
type Metrics struct {
	Rounds        *prometheus.CounterVec
	RoundDuration prometheus.Histogram
	Votes         *prometheus.CounterVec
}

// NewMetrics registers consensus metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Rounds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parkline_recommend_rounds_total",
			Help: "Consensus rounds by final phase",
		}, []string{"outcome"}),
		RoundDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "parkline_recommend_round_duration_seconds",
			Help:    "Wall time of consensus rounds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 3, 5},
		}),
		Votes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parkline_recommend_replica_votes_total",
			Help: "Replica answers by replica and result",
		}, []string{"replica", "result"}),
	}
}

func (m *Metrics) observeRound(final Phase, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Rounds.WithLabelValues(final.String()).Inc()
	m.RoundDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeVote(replica, result string) {
	if m != nil {
		m.Votes.WithLabelValues(replica, result).Inc()
	}
}
