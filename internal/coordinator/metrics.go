package coordinator

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors for the coordinator. A private
// registry keeps test instances independent.
type Metrics struct {
	registry *prometheus.Registry

	CommandsSubmitted prometheus.Counter
	CommandsFinished  *prometheus.CounterVec
	ValidationRejects *prometheus.CounterVec
	LateResultDrops   prometheus.Counter
	AgentsOnline      prometheus.Gauge
	QueueDepth        *prometheus.GaugeVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CommandsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remoteshell_commands_submitted_total",
			Help: "Commands accepted via the REST API.",
		}),
		CommandsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remoteshell_commands_finished_total",
			Help: "Commands that reached a terminal state, by status.",
		}, []string{"status"}),
		ValidationRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remoteshell_validation_rejections_total",
			Help: "Commands refused by the validator, by reason.",
		}, []string{"reason"}),
		LateResultDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remoteshell_late_result_drops_total",
			Help: "Result frames for commands no longer in flight.",
		}),
		AgentsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remoteshell_agents_online",
			Help: "Agents with a live WebSocket session.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "remoteshell_queue_depth",
			Help: "Pending commands per agent queue.",
		}, []string{"agent_id"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.CommandsSubmitted,
		m.CommandsFinished,
		m.ValidationRejects,
		m.LateResultDrops,
		m.AgentsOnline,
		m.QueueDepth,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
