// Package metrics holds the Prometheus collectors for the scheduler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the scheduler's collectors on a private registry so tests
// can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	RunsCompleted *prometheus.CounterVec
	StatusUpdates prometheus.Counter
	QueueDepth    *prometheus.GaugeVec
	QueueSyncs    *prometheus.CounterVec
	Dispatches    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drover_runs_completed_total",
			Help: "Workflow runs that reached a terminal status, by status.",
		}, []string{"status"}),
		StatusUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drover_run_status_updates_total",
			Help: "Run status update operations processed.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "drover_machine_queue_depth",
			Help: "Tracked in-flight run count per machine.",
		}, []string{"machine"}),
		QueueSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drover_queue_sync_total",
			Help: "Machine queue reconciliations, by outcome.",
		}, []string{"outcome"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drover_dispatch_total",
			Help: "Run dispatch attempts, by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.RunsCompleted,
		m.StatusUpdates,
		m.QueueDepth,
		m.QueueSyncs,
		m.Dispatches,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ForgetMachine drops the queue depth series of a deleted machine.
func (m *Metrics) ForgetMachine(machineID string) {
	m.QueueDepth.DeleteLabelValues(machineID)
}
