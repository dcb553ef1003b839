// Package metrics renders aggregated metric sets as Prometheus metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Exporter self-metrics. They are registered by NewRegistry rather than on
// the default registry so that static labels apply to them as well.
var (
	CyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "awg_exporter",
		Name:      "cycles_total",
		Help:      "Total number of scrape cycles by result.",
	}, []string{"result"}) // "ok" or "failed"
	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "awg_exporter",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of complete scrape cycles.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})
	DeliveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "awg_exporter",
		Name:      "delivery_failures_total",
		Help:      "Total number of failed metric deliveries by adapter.",
	}, []string{"adapter"})
	ClientTableEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "awg_exporter",
		Name:      "client_table_entries",
		Help:      "Number of entries in the loaded client table.",
	})
)

// NewRegistry returns a registry holding c and the self-metrics, with
// staticLabels attached to every series.
func NewRegistry(c *Collector, staticLabels map[string]string) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	r := prometheus.WrapRegistererWith(prometheus.Labels(staticLabels), reg)
	r.MustRegister(
		c,
		CyclesTotal,
		CycleDuration,
		DeliveryFailures,
		ClientTableEntries,
	)
	return reg
}
