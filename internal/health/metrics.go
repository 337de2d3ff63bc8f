package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// allStatuses enumerates every gauge label the status vector carries.
var allStatuses = []Status{StatusHealthy, StatusDegraded, StatusUnhealthy, StatusUnknown}

// Metrics exports plugin health signals as prometheus collectors.
type Metrics struct {
	executions *prometheus.CounterVec
	loads      *prometheus.CounterVec
	status     *prometheus.GaugeVec
}

// NewMetrics registers the health collectors with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Subsystem: "plugin",
			Name:      "executions_total",
			Help:      "Capability executions per plugin and outcome.",
		}, []string{"plugin", "outcome"}),
		loads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Subsystem: "plugin",
			Name:      "loads_total",
			Help:      "Plugin load attempts per plugin and outcome.",
		}, []string{"plugin", "outcome"}),
		status: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pylon",
			Subsystem: "plugin",
			Name:      "health_status",
			Help:      "Current health status per plugin (1 for the active status).",
		}, []string{"plugin", "status"}),
	}
}

// observeExecution counts one capability execution outcome.
func (m *Metrics) observeExecution(pluginID string, success bool) {
	m.executions.WithLabelValues(pluginID, outcome(success)).Inc()
}

// observeLoad counts one load attempt outcome.
func (m *Metrics) observeLoad(pluginID string, success bool) {
	m.loads.WithLabelValues(pluginID, outcome(success)).Inc()
}

// setStatus flips the status gauge so exactly one label reads 1.
func (m *Metrics) setStatus(pluginID string, current Status) {
	for _, s := range allStatuses {
		v := 0.0
		if s == current {
			v = 1.0
		}
		m.status.WithLabelValues(pluginID, string(s)).Set(v)
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
