package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ProviderRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentfleet",
		Name:      "provider_requests_total",
		Help:      "Machines API requests by operation and HTTP status code.",
	}, []string{"op", "code"})

	LifecycleOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentfleet",
		Name:      "lifecycle_operations_total",
		Help:      "Lifecycle operations by name and outcome.",
	}, []string{"op", "outcome"})

	SweepMachines = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentfleet",
		Name:      "sweep_machines_total",
		Help:      "Machines handled by the idle sweeper, by result (scanned, hibernated, error).",
	}, []string{"result"})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentfleet",
		Name:      "http_requests_total",
		Help:      "API requests by route pattern and status code.",
	}, []string{"route", "code"})

	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentfleet",
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of one idle sweep pass.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(ProviderRequests, LifecycleOps, SweepMachines, HTTPRequests, SweepDuration)
}

// Handler serves the agentfleet registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
