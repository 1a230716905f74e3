// Package metrics holds the Prometheus collectors for the evaluation pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oxytec_sessions_started_total",
			Help: "Total number of evaluation sessions started",
		},
	)

	SessionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oxytec_sessions_finished_total",
			Help: "Total number of evaluation sessions by terminal status",
		},
		[]string{"status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oxytec_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage", "outcome"},
	)

	// Task metrics
	TaskOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oxytec_task_outcomes_total",
			Help: "Parallel task outcomes: success, capped, failed, skipped, rejected",
		},
		[]string{"outcome"},
	)

	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oxytec_tasks_in_flight",
			Help: "Tasks currently holding an executor slot",
		},
	)

	TaskTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "oxytec_task_tokens_used",
			Help:    "Tokens used per parallel task",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000},
		},
	)

	// Validation and collaborator metrics
	ValidationDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oxytec_validation_decisions_total",
			Help: "Structured-output validation decisions per stage",
		},
		[]string{"stage", "decision"},
	)

	CollaboratorRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oxytec_collaborator_retries_total",
			Help: "Retries of transient reasoning collaborator failures",
		},
		[]string{"provider"},
	)

	CheckpointFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oxytec_checkpoint_failures_total",
			Help: "Checkpoint writes that failed and were downgraded to warnings",
		},
	)
)
