package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-wide registry and the metrics that belong to
// no single component.
type Metrics struct {
	Registry *prometheus.Registry
	Info     *prometheus.GaugeVec
}

// New creates a registry with the Go and process collectors and registers
// the process info gauge on it. role names what this process serves.
func New(role string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := &Metrics{
		Registry: reg,
		Info: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "parkline_process_info",
			Help: "Always 1; labels describe the running process",
		}, []string{"role"}),
	}
	m.Info.WithLabelValues(role).Set(1)
	return m
}
