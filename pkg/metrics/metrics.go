// Package metrics exposes the watchtower Prometheus surface. All
// methods are nil-safe so instrumentation can be wired unconditionally
// and disabled by passing a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every exported collector.
type Metrics struct {
	registry *prometheus.Registry

	ticks       *prometheus.CounterVec
	alerts      *prometheus.CounterVec
	errors      *prometheus.CounterVec
	lastBlock   *prometheus.GaugeVec
	actions     *prometheus.CounterVec
	activeScans *prometheus.GaugeVec
}

// New registers the watchtower collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_ticks_total",
			Help: "Completed scan ticks per chain.",
		}, []string{"chainId"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_alerts_total",
			Help: "Findings raised, by rule and severity.",
		}, []string{"ruleId", "severity", "chainId"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_errors_total",
			Help: "Errors encountered, by component type.",
		}, []string{"type", "chainId"}),
		lastBlock: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "watchtower_last_block",
			Help: "Last block number scanned per chain.",
		}, []string{"chainId"}),
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_actions_total",
			Help: "Actions executed, by type and outcome.",
		}, []string{"actionType", "status", "chainId"}),
		activeScans: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "watchtower_active_scans",
			Help: "Scan ticks currently in flight per chain.",
		}, []string{"chainId"}),
	}
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordTick(chainID string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(chainID).Inc()
}

func (m *Metrics) RecordAlert(ruleID, severity, chainID string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(ruleID, severity, chainID).Inc()
}

func (m *Metrics) RecordError(errType, chainID string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errType, chainID).Inc()
}

func (m *Metrics) SetLastBlock(chainID string, block int64) {
	if m == nil {
		return
	}
	m.lastBlock.WithLabelValues(chainID).Set(float64(block))
}

func (m *Metrics) RecordAction(actionType, status, chainID string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(actionType, status, chainID).Inc()
}

func (m *Metrics) ScanStarted(chainID string) {
	if m == nil {
		return
	}
	m.activeScans.WithLabelValues(chainID).Inc()
}

func (m *Metrics) ScanFinished(chainID string) {
	if m == nil {
		return
	}
	m.activeScans.WithLabelValues(chainID).Dec()
}
