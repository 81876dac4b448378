// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine metrics
var (
	// EvaluationsTotal counts workflow evaluations by resulting subject status.
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itsm_approvals_evaluations_total",
			Help: "Workflow evaluations by subject kind and resulting status",
		},
		[]string{"kind", "status"},
	)

	// StepsCreatedTotal counts steps created by evaluation.
	StepsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itsm_approvals_steps_created_total",
			Help: "Approval steps created by evaluation",
		},
		[]string{"kind", "approver_type"},
	)

	// DecisionsTotal counts step decisions.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itsm_approvals_decisions_total",
			Help: "Step decisions by decision and resulting subject status",
		},
		[]string{"decision", "subject_status"},
	)

	// OperationErrorsTotal counts failed engine operations by error code.
	OperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itsm_approvals_operation_errors_total",
			Help: "Failed engine operations by operation and error code",
		},
		[]string{"operation", "code"},
	)

	// TransactionDuration observes subject transaction latency (seconds).
	TransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "itsm_approvals_transaction_duration_seconds",
			Help:    "Subject transaction duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)
)

// Notification metrics
var (
	// NotificationsTotal counts notification attempts by kind and result.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itsm_approvals_notifications_total",
			Help: "Notifications published by kind and result",
		},
		[]string{"kind", "result"},
	)
)

// Command intake metrics
var (
	// CommandsTotal counts NATS commands handled by subject and result code.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itsm_approvals_commands_total",
			Help: "NATS commands handled by command and result code",
		},
		[]string{"command", "code"},
	)
)
