package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoginAttempts records completed login attempts by protocol and result (success|failure).
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_login_attempts_total",
			Help: "Total number of federated login attempts",
		},
		[]string{"protocol", "result"},
	)

	// ActiveSessions tracks SSO sessions that have been issued and not yet terminated.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "identity_active_sso_sessions",
			Help: "Number of active SSO sessions",
		},
	)

	// DirectorySyncRuns counts directory reconciliation runs by result (success|partial|failure).
	DirectorySyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_directory_sync_runs_total",
			Help: "Total number of directory sync runs",
		},
		[]string{"protocol", "result"},
	)

	// DirectorySyncEntryFailures counts individual directory entries that failed to import.
	DirectorySyncEntryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "identity_directory_sync_entry_failures_total",
			Help: "Total number of directory entries rejected during sync",
		},
	)

	// ProvisioningRulesSkipped counts malformed provisioning rules skipped during evaluation.
	ProvisioningRulesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "identity_provisioning_rules_skipped_total",
			Help: "Total number of provisioning rules skipped as malformed",
		},
	)
)
