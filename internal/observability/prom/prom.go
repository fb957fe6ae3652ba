// Package prom implements the Prometheus sink for
// internal/observability.GatewayObserver (SPEC_FULL.md §4.11), grounded
// on the teacher's observability/prom/prom.go: a fresh registry per
// process, one struct per metric group, registered once at
// construction.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tunnelgate/gateway/internal/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Observer exports gateway metrics to Prometheus.
type Observer struct {
	connectedAgents   prometheus.Gauge
	dispatchTotal     *prometheus.CounterVec
	dispatchLatency   prometheus.Histogram
	securityEvents    *prometheus.CounterVec
	bansTotal         prometheus.Counter
	unbansTotal       prometheus.Counter
	connLogEntries    prometheus.Gauge
}

// New registers gateway metrics on reg and returns the observer.
func New(reg *prometheus.Registry) *Observer {
	o := &Observer{
		connectedAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnelgate_connected_agents",
			Help: "Current number of registered agent sessions.",
		}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnelgate_dispatch_total",
			Help: "Dispatch outcomes by result.",
		}, []string{"result"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tunnelgate_dispatch_latency_seconds",
			Help:    "Dispatch round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
		securityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnelgate_security_events_total",
			Help: "Suspicious events recorded by kind.",
		}, []string{"kind"}),
		bansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnelgate_bans_total",
			Help: "IPs added to the ban set.",
		}),
		unbansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnelgate_unbans_total",
			Help: "IPs removed from the ban set by admin action.",
		}),
		connLogEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnelgate_connection_log_entries",
			Help: "Current occupancy of the connection-log ring.",
		}),
	}
	reg.MustRegister(
		o.connectedAgents,
		o.dispatchTotal,
		o.dispatchLatency,
		o.securityEvents,
		o.bansTotal,
		o.unbansTotal,
		o.connLogEntries,
	)
	return o
}

func (o *Observer) ConnectedAgents(n int) { o.connectedAgents.Set(float64(n)) }

func (o *Observer) Dispatch(result observability.DispatchResult, d time.Duration) {
	o.dispatchTotal.WithLabelValues(string(result)).Inc()
	o.dispatchLatency.Observe(d.Seconds())
}

func (o *Observer) SecurityEvent(kind string) {
	o.securityEvents.WithLabelValues(kind).Inc()
}

func (o *Observer) Ban()   { o.bansTotal.Inc() }
func (o *Observer) Unban() { o.unbansTotal.Inc() }

func (o *Observer) ConnectionLogEntries(n int) { o.connLogEntries.Set(float64(n)) }
