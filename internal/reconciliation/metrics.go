package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	findingsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "findings",
		Help:      "Ledger inconsistencies found in the last reconciliation run, by kind.",
	}, []string{"kind"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs that did not finish.",
	})
)

func init() {
	prometheus.MustRegister(findingsGauge, runDuration, runErrors)
}

func observe(r *Report) {
	for _, k := range Kinds {
		findingsGauge.WithLabelValues(string(k)).Set(float64(r.Count(k)))
	}
}
