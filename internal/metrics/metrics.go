package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request shell metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsmith_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opsmith_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Auth metrics
	LoginFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsmith_login_failures_total",
			Help: "Total number of failed login attempts",
		},
	)

	Lockouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsmith_login_lockouts_total",
			Help: "Total number of client keys locked out",
		},
	)

	TokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsmith_tokens_issued_total",
			Help: "Total number of tokens issued",
		},
		[]string{"kind"},
	)

	TokensRevoked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsmith_tokens_revoked_total",
			Help: "Total number of tokens revoked",
		},
	)

	// Quota metrics
	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsmith_quota_rejections_total",
			Help: "Total number of rejected quota consumptions",
		},
		[]string{"resource"},
	)

	QuotaConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsmith_quota_consumed_total",
			Help: "Total number of admitted quota consumptions",
		},
		[]string{"resource"},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsmith_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsmith_session_cache_size",
			Help: "Number of sessions held in the local cache",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsmith_session_cache_hits_total",
			Help: "Session local cache hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsmith_session_cache_misses_total",
			Help: "Session local cache misses",
		},
	)

	SessionCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsmith_session_cache_evictions_total",
			Help: "Sessions evicted from the local cache",
		},
	)

	SessionsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsmith_sessions_purged_total",
			Help: "Idle sessions removed by the purger",
		},
	)

	// Agent dispatch metrics
	AgentInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsmith_agent_invocations_total",
			Help: "Total number of agent invocations",
		},
		[]string{"agent", "status"},
	)

	AgentInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opsmith_agent_invocation_duration_ms",
			Help:    "Agent invocation duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"agent"},
	)

	// Workflow metrics
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsmith_workflows_started_total",
			Help: "Total number of workflow instances started",
		},
		[]string{"template"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsmith_workflows_completed_total",
			Help: "Total number of workflow instances reaching a terminal state",
		},
		[]string{"template", "status"},
	)

	WorkflowStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opsmith_workflow_step_duration_seconds",
			Help:    "Workflow step execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"template"},
	)

	ApprovalsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsmith_workflow_approvals_pending",
			Help: "Workflow instances currently waiting for approval",
		},
	)

	// Policy metrics
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsmith_policy_decisions_total",
			Help: "Policy engine decisions by mode and outcome",
		},
		[]string{"mode", "allow"},
	)
)
