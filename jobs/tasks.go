package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskCriticalVarianceNotify notifies reviewers of a critical variance.
	TaskCriticalVarianceNotify = "notify:critical_variance"
	// TaskTransferOverdueNotify notifies branch staff of one overdue transfer.
	TaskTransferOverdueNotify = "notify:transfer_overdue"
	// TaskTransferOverdueScan sweeps for overdue transfers on a schedule.
	TaskTransferOverdueScan = "transfer:overdue_scan"
)

// CriticalVariancePayload carries what reviewers need to triage an approved
// reconciliation with critical items.
type CriticalVariancePayload struct {
	ReconciliationID int64  `json:"reconciliation_id"`
	Number           string `json:"number"`
	BranchID         int64  `json:"branch_id"`
	Severity         string `json:"severity"`
	VariedItems      int    `json:"varied_items"`
	TotalImpact      string `json:"total_impact"`
}

// NewCriticalVarianceTask constructs an Asynq task.
func NewCriticalVarianceTask(payload CriticalVariancePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCriticalVarianceNotify, data, asynq.Queue(QueueDefault)), nil
}

// HandleCriticalVarianceTask processes TaskCriticalVarianceNotify tasks.
// Notification delivery itself lives outside this system; the handler hands
// the event to the log sink the delivery side tails.
func HandleCriticalVarianceTask(ctx context.Context, t *asynq.Task) error {
	var payload CriticalVariancePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	slog.Default().Warn("critical variance approved",
		slog.Int64("reconciliation_id", payload.ReconciliationID),
		slog.String("number", payload.Number),
		slog.Int64("branch_id", payload.BranchID),
		slog.String("total_impact", payload.TotalImpact),
	)
	return nil
}

// TransferOverduePayload identifies one overdue transfer.
type TransferOverduePayload struct {
	TransferID       int64     `json:"transfer_id"`
	Number           string    `json:"number"`
	ToBranchID       int64     `json:"to_branch_id"`
	Status           string    `json:"status"`
	ExpectedDelivery time.Time `json:"expected_delivery"`
}

// NewTransferOverdueTask constructs an Asynq task.
func NewTransferOverdueTask(payload TransferOverduePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTransferOverdueNotify, data, asynq.Queue(QueueDefault)), nil
}

// HandleTransferOverdueTask processes TaskTransferOverdueNotify tasks.
func HandleTransferOverdueTask(ctx context.Context, t *asynq.Task) error {
	var payload TransferOverduePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	slog.Default().Warn("transfer overdue",
		slog.Int64("transfer_id", payload.TransferID),
		slog.String("number", payload.Number),
		slog.String("status", payload.Status),
		slog.Time("expected_delivery", payload.ExpectedDelivery),
	)
	return nil
}

// OverdueScanPayload carries scheduling metadata for the sweep.
type OverdueScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewOverdueScanTask constructs the scheduled sweep task.
func NewOverdueScanTask(at time.Time) (*asynq.Task, error) {
	data, err := json.Marshal(OverdueScanPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTransferOverdueScan, data, asynq.Queue(QueueDefault)), nil
}
