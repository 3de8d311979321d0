package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	sweepProcessed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradebay",
		Subsystem: "reconciliation",
		Name:      "sweep_processed",
		Help:      "Expired reservations refunded in the last sweep.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradebay",
		Subsystem: "reconciliation",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of reservation sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradebay",
		Subsystem: "reconciliation",
		Name:      "sweep_errors_total",
		Help:      "Total failed reservation sweeps.",
	})
)

func init() {
	prometheus.MustRegister(sweepProcessed, sweepDuration, sweepErrors)
}

func observeRun(r *Run) {
	sweepProcessed.Set(float64(r.Processed))
	sweepDuration.Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())
	if r.Status == RunFailed {
		sweepErrors.Inc()
	}
}
