package validation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdm",
		Subsystem: "validation",
		Name:      "runs_total",
		Help:      "Validation runs by kind and outcome.",
	}, []string{"kind", "outcome"})
	validationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pdm",
		Subsystem: "validation",
		Name:      "duration_seconds",
		Help:      "Validation run duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})
	syncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdm",
		Subsystem: "validation",
		Name:      "syncs_total",
		Help:      "Dashboard data syncs by result.",
	}, []string{"result"})
)

func observeValidation(kind Kind, outcome string, elapsed time.Duration) {
	validationsTotal.WithLabelValues(string(kind), outcome).Inc()
	validationDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}
