// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the acquisition pipeline.
// Keep label cardinality bounded: no request/item/job ids in labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StepOutcomeTotal counts finished step executions by type and outcome.
	StepOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchd_step_outcome_total",
		Help: "Total number of finished pipeline steps, by step type and outcome.",
	}, []string{"step_type", "outcome"})

	// ExecutionOutcomeTotal counts pipeline executions reaching a terminal state.
	ExecutionOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchd_execution_outcome_total",
		Help: "Total number of pipeline executions reaching a terminal status.",
	}, []string{"status"})

	// ItemTransitionTotal counts processing-item state transitions.
	ItemTransitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchd_item_transition_total",
		Help: "Total number of processing item state transitions, by edge.",
	}, []string{"from", "to"})

	// AssignmentOutcomeTotal counts encoder assignment outcomes.
	AssignmentOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchd_assignment_outcome_total",
		Help: "Total number of encoder assignment outcomes.",
	}, []string{"outcome"})

	// AssignmentRequeueTotal counts requeues by cause.
	AssignmentRequeueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchd_assignment_requeue_total",
		Help: "Total number of assignment requeues, by cause (disconnect/stall/timeout/capacity).",
	}, []string{"cause"})

	// EncoderWorkersGauge tracks connected workers by status.
	EncoderWorkersGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fetchd_encoder_workers",
		Help: "Current number of encoder workers, by status.",
	}, []string{"status"})

	// EncodeProgressFrames counts PROGRESS frames received.
	EncodeProgressFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetchd_encode_progress_frames_total",
		Help: "Total number of PROGRESS frames received from encoder workers.",
	})

	// RecoveryRepairTotal counts recovery sweep repairs by rule.
	RecoveryRepairTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchd_recovery_repair_total",
		Help: "Total number of recovery repairs applied, by rule.",
	}, []string{"rule"})

	// RateLimitRejectedTotal counts sliding-window rejections by indexer.
	RateLimitRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchd_ratelimit_rejected_total",
		Help: "Total number of indexer requests rejected by the sliding window.",
	}, []string{"indexer"})

	// SchedulerRunTotal counts periodic task runs by task and result.
	SchedulerRunTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchd_scheduler_run_total",
		Help: "Total number of periodic task runs, by task and result.",
	}, []string{"task", "result"})

	// StepDuration observes wall time of step execution by type.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fetchd_step_duration_seconds",
		Help:    "Wall-clock duration of pipeline step execution.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"step_type"})
)
