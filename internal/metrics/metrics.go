package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "companion_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// Conversation metrics
	TurnsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_turns_appended_total",
			Help: "Turns written to the message store",
		},
		[]string{"channel", "role"},
	)

	DegradedFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_degraded_fetches_total",
			Help: "Retrievals that returned partial history because a partition was unreachable",
		},
		[]string{"channel"},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_llm_requests_total",
			Help: "LLM generation attempts",
		},
		[]string{"outcome"}, // "ok" or "fallback"
	)

	LLMLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "companion_llm_latency_seconds",
			Help:    "LLM generation latency",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		},
	)

	// Auth metrics
	OTPIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_otp_issued_total",
			Help: "OTP codes issued",
		},
	)

	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_sessions_created_total",
			Help: "Login sessions created",
		},
	)
)
