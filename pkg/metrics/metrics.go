// Package metrics holds the prometheus counters of the worker. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	RouterResponses *prometheus.CounterVec
	QueueSaved      *prometheus.CounterVec
	SyncResults     *prometheus.CounterVec
	CacheDeleted    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RouterResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitako_sw",
			Name:      "router_responses_total",
			Help:      "Intercepted requests by class and how they were answered.",
		}, []string{"class", "source"}),
		QueueSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitako_sw",
			Name:      "queue_saved_total",
			Help:      "Records saved to the offline queue.",
		}, []string{"collection"}),
		SyncResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitako_sw",
			Name:      "sync_results_total",
			Help:      "Replayed queue records by outcome.",
		}, []string{"collection", "result"}),
		CacheDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gitako_sw",
			Name:      "cache_generations_deleted_total",
			Help:      "Stale cache generations removed on activation.",
		}),
	}
	m.registry.MustRegister(m.RouterResponses, m.QueueSaved, m.SyncResults, m.CacheDeleted)
	return m
}

func (m *Metrics) Routed(class, source string) {
	if m == nil {
		return
	}
	m.RouterResponses.WithLabelValues(class, source).Inc()
}

func (m *Metrics) Saved(collection string) {
	if m == nil {
		return
	}
	m.QueueSaved.WithLabelValues(collection).Inc()
}

func (m *Metrics) Synced(collection string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.SyncResults.WithLabelValues(collection, result).Inc()
}

func (m *Metrics) GenerationDeleted() {
	if m == nil {
		return
	}
	m.CacheDeleted.Inc()
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
