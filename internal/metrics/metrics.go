// Package metrics exposes the Prometheus instrumentation shared by all three
// services. Collectors are registered on a private registry so tests can
// build as many instances as they like without duplicate-registration panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the league collectors and the registry serving them.
type Metrics struct {
	registry *prometheus.Registry

	// MessagesTotal counts protocol messages by type and outcome
	// ("accepted" or the rejection error code).
	MessagesTotal *prometheus.CounterVec

	// MatchesTotal counts match terminations by final status.
	MatchesTotal *prometheus.CounterVec

	// AuditRecordsTotal counts audit log appends.
	AuditRecordsTotal prometheus.Counter

	// StandingsSeq tracks the latest published standings snapshot sequence.
	StandingsSeq prometheus.Gauge
}

// New builds and registers all collectors. service labels the metrics with
// the emitting role (manager, referee, player).
func New(service string) *Metrics {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"service": service}

	m := &Metrics{
		registry: registry,
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "league",
			Name:        "messages_total",
			Help:        "Protocol messages processed, by type and outcome.",
			ConstLabels: labels,
		}, []string{"message_type", "outcome"}),
		MatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "league",
			Name:        "matches_total",
			Help:        "Matches reaching a terminal status.",
			ConstLabels: labels,
		}, []string{"status"}),
		AuditRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "league",
			Name:        "audit_records_total",
			Help:        "Audit log records appended.",
			ConstLabels: labels,
		}),
		StandingsSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "league",
			Name:        "standings_seq",
			Help:        "Sequence number of the latest standings snapshot.",
			ConstLabels: labels,
		}),
	}

	registry.MustRegister(
		m.MessagesTotal,
		m.MatchesTotal,
		m.AuditRecordsTotal,
		m.StandingsSeq,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveMessage records one processed protocol message.
func (m *Metrics) ObserveMessage(messageType, outcome string) {
	m.MessagesTotal.WithLabelValues(messageType, outcome).Inc()
}

// ObserveMatch records one match reaching a terminal status.
func (m *Metrics) ObserveMatch(status string) {
	m.MatchesTotal.WithLabelValues(status).Inc()
}
