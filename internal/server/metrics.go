package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdm_http_requests_total",
		Help: "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pdm_http_request_duration_seconds",
		Help:    "HTTP request latency by route. Event streams are excluded.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	streamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pdm_stream_clients",
		Help: "Connected event stream clients.",
	})

	streamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdm_stream_events_total",
		Help: "Events written to stream clients by label.",
	}, []string{"type"})

	validationRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pdm_validation_rate_limited_total",
		Help: "On-demand validations rejected by the rate limiter.",
	})
)
