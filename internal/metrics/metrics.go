package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	AuthDecision = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authgate_auth_decision_total",
			Help: "Count of session validation decisions (allow/deny)",
		},
		[]string{"result"},
	)
	AuthDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "authgate_auth_duration_seconds",
			Help:    "Latency of the session validation middleware",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
	)
	CSRFFailure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authgate_csrf_failure_total",
			Help: "Anti-forgery token failures by reason (missing/mismatch)",
		},
		[]string{"reason"},
	)
	TokensIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "authgate_csrf_tokens_issued_total",
			Help: "Anti-forgery tokens minted",
		},
	)
	ReportsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "authgate_csp_reports_received_total",
			Help: "CSP violation reports received on the report route",
		},
	)
	MergeTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authgate_csp_merge_tasks_total",
			Help: "CSP merge tasks by outcome (merged/duplicate/dropped/failed)",
		},
		[]string{"outcome"},
	)
	MergeQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "authgate_csp_merge_queue_depth",
			Help: "Tasks currently waiting in the CSP merge queue",
		},
	)
	SessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "authgate_sessions_created_total",
			Help: "Sessions created",
		},
	)
	SessionsDestroyed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "authgate_sessions_destroyed_total",
			Help: "Sessions destroyed",
		},
	)
	CookieSizeWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "authgate_session_cookie_size_warnings_total",
			Help: "Session cookies that came close to the common 4KB limit",
		},
	)
	BuildInfo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "authgate_build_info",
			Help:        "Build info gauge with const labels",
			ConstLabels: prometheus.Labels{"version": "0.1.0"},
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		AuthDecision, AuthDuration, CSRFFailure, TokensIssued,
		ReportsReceived, MergeTasks, MergeQueueDepth,
		SessionsCreated, SessionsDestroyed, CookieSizeWarnings, BuildInfo,
	)
}
