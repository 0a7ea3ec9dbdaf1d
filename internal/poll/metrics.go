package poll

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pdm",
	Subsystem: "poll",
	Name:      "fetches_total",
	Help:      "Polling fetches by result.",
}, []string{"result"})

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
