// Package metrics exposes Prometheus collectors for executions and the event log.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector of the process.
var Registry = prometheus.NewRegistry()

var (
	ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aiops",
		Name:      "executions_total",
		Help:      "Executions that reached a terminal status.",
	}, []string{"status"})

	ExecutionsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aiops",
		Name:      "executions_running",
		Help:      "Executions whose dispatch loop is active.",
	})

	NodesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aiops",
		Name:      "nodes_total",
		Help:      "Nodes that reached a terminal status.",
	}, []string{"status"})

	NodeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aiops",
		Name:      "node_duration_seconds",
		Help:      "Wall time of node executions.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"kind", "status"})

	EventsAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aiops",
		Name:      "events_appended_total",
		Help:      "Events persisted to the execution event log.",
	}, []string{"event_type"})

	StreamSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aiops",
		Name:      "stream_subscribers",
		Help:      "Open live event stream subscriptions.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ExecutionsTotal,
		ExecutionsRunning,
		NodesTotal,
		NodeDuration,
		EventsAppended,
		StreamSubscribers,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
