// ABOUTME: Prometheus metrics for the fold-warden control plane
// ABOUTME: Custom registry with counters for auth decisions, turns, sessions, and audit writes

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks control-plane metrics and serves them in Prometheus text
// format. It uses a custom prometheus.Registry for isolation and testability.
type Metrics struct {
	registry *prometheus.Registry

	authDecisions    *prometheus.CounterVec
	rateLimitHits    prometheus.Counter
	tokensIssued     *prometheus.CounterVec
	tokensRevoked    prometheus.Counter
	sessionsActive   prometheus.Gauge
	sessionsElevated prometheus.Gauge
	turnsTotal       *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
	completionPolls  *prometheus.CounterVec
	auditAppends     *prometheus.CounterVec
	configReloads    *prometheus.CounterVec
	buildInfo        *prometheus.GaugeVec
}

// New creates a Metrics collector with a custom Prometheus registry.
// All metric families are pre-registered with HELP and TYPE metadata.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		authDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_auth_decisions_total",
			Help: "Connection authorization decisions by trust mode and outcome.",
		}, []string{"mode", "outcome", "reason"}),

		rateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_auth_rate_limit_hits_total",
			Help: "Authorization attempts rejected by the per-peer rate limiter.",
		}),

		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_scoped_tokens_issued_total",
			Help: "Scoped tokens issued, by role.",
		}, []string{"role"}),

		tokensRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_scoped_tokens_revoked_total",
			Help: "Scoped tokens revoked.",
		}),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_sessions_active",
			Help: "Currently live authenticated sessions.",
		}),

		sessionsElevated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_sessions_elevated",
			Help: "Currently live sessions holding elevated privileges.",
		}),

		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_agent_turns_total",
			Help: "Agent turns executed, by backend and outcome.",
		}, []string{"backend", "outcome"}),

		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_agent_turn_duration_seconds",
			Help:    "Agent turn duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"backend"}),

		completionPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_completion_polls_total",
			Help: "Completion poll attempts, by outcome (success, retry, exhausted).",
		}, []string{"outcome"}),

		auditAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_audit_appends_total",
			Help: "Tamper log append attempts, by outcome.",
		}, []string{"outcome"}),

		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_config_reloads_total",
			Help: "Configuration reload attempts, by result.",
		}, []string{"result"}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_build_info",
			Help: "Build information about the warden binary. Value is always 1.",
		}, []string{"version", "go_version"}),
	}

	reg.MustRegister(
		m.authDecisions,
		m.rateLimitHits,
		m.tokensIssued,
		m.tokensRevoked,
		m.sessionsActive,
		m.sessionsElevated,
		m.turnsTotal,
		m.turnDuration,
		m.completionPolls,
		m.auditAppends,
		m.configReloads,
		m.buildInfo,
	)

	return m
}

// RecordAuthDecision records one authorization decision. Reason is empty for
// accepted connections.
func (m *Metrics) RecordAuthDecision(mode string, accepted bool, reason string) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
		reason = ""
	}
	m.authDecisions.WithLabelValues(mode, outcome, reason).Inc()
}

// RecordRateLimitHit records an authorization attempt dropped by the limiter.
func (m *Metrics) RecordRateLimitHit() {
	m.rateLimitHits.Inc()
}

// RecordTokenIssued records a scoped token issuance for the given role.
func (m *Metrics) RecordTokenIssued(role string) {
	m.tokensIssued.WithLabelValues(role).Inc()
}

// RecordTokenRevoked records a scoped token revocation.
func (m *Metrics) RecordTokenRevoked() {
	m.tokensRevoked.Inc()
}

// SetActiveSessions sets the live session gauges.
func (m *Metrics) SetActiveSessions(total, elevated int) {
	m.sessionsActive.Set(float64(total))
	m.sessionsElevated.Set(float64(elevated))
}

// RecordTurn records one completed agent turn and its duration.
func (m *Metrics) RecordTurn(backend string, success bool, d time.Duration) {
	outcome := "error"
	if success {
		outcome = "success"
	}
	m.turnsTotal.WithLabelValues(backend, outcome).Inc()
	m.turnDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// RecordCompletionPoll records a completion poll attempt.
// Outcome is one of "success", "retry", or "exhausted".
func (m *Metrics) RecordCompletionPoll(outcome string) {
	m.completionPolls.WithLabelValues(outcome).Inc()
}

// RecordAuditAppend records a tamper log append attempt.
func (m *Metrics) RecordAuditAppend(success bool) {
	outcome := "error"
	if success {
		outcome = "success"
	}
	m.auditAppends.WithLabelValues(outcome).Inc()
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// SetBuildInfo sets the build information gauge. The gauge value is always 1;
// version and Go version are exposed as labels.
func (m *Metrics) SetBuildInfo(version, goVersion string) {
	m.buildInfo.WithLabelValues(version, goVersion).Set(1)
}

// Handler returns an HTTP handler serving the registry in Prometheus text
// format with HELP and TYPE annotations.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test assertions.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
