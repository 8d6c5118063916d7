package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_sessions_started_total",
			Help: "Total number of research sessions started",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_sessions_active",
			Help: "Number of research sessions currently running",
		},
	)

	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_sessions_completed_total",
			Help: "Total number of research sessions reaching a terminal state",
		},
		[]string{"status"},
	)

	SessionsCleaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_sessions_cleaned_total",
			Help: "Total number of sessions removed by cleanup",
		},
	)

	// Workflow metrics
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_step_duration_seconds",
			Help:    "Workflow step execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	StepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_step_failures_total",
			Help: "Total number of failed workflow steps",
		},
		[]string{"step"},
	)

	Iterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_iterations_per_session",
			Help:    "Number of plan/find/summarize/review passes per session",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		},
	)

	TokensUsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_tokens_used_total",
			Help: "Total estimated tokens consumed across all sessions",
		},
	)

	// Streaming metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_events_published_total",
			Help: "Total number of events published to session streams",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_events_dropped_total",
			Help: "Total number of events dropped due to slow subscribers",
		},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_stream_subscribers",
			Help: "Number of currently attached event stream subscribers",
		},
	)

	// Report metrics
	ReportWordCount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_report_word_count",
			Help:    "Word count of synthesized reports",
			Buckets: []float64{100, 250, 500, 1000, 2000, 4000},
		},
	)

	CitationsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_citations_removed_total",
			Help: "Total number of invalid citations removed during validation",
		},
	)

	// Checkpoint metrics
	CheckpointSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_checkpoint_saves_total",
			Help: "Total number of checkpoint writes",
		},
		[]string{"backend"},
	)

	CheckpointFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_checkpoint_failures_total",
			Help: "Total number of failed checkpoint operations",
		},
		[]string{"backend", "op"},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_llm_requests_total",
			Help: "Total number of generation calls",
		},
		[]string{"status"},
	)

	LLMRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_llm_request_duration_seconds",
			Help:    "Generation call duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
)
