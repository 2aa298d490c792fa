package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/stockward/stockward/internal/transfer"
)

// TransferLister lists in-flight transfers past their expected delivery.
type TransferLister interface {
	ListOverdue(ctx context.Context) ([]transfer.Transfer, error)
}

// OverdueScanJob fans one scheduled sweep out into per-transfer notification
// tasks.
type OverdueScanJob struct {
	transfers TransferLister
	client    *Client
	logger    *slog.Logger
}

// NewOverdueScanJob constructs the sweep job.
func NewOverdueScanJob(transfers TransferLister, client *Client, logger *slog.Logger) *OverdueScanJob {
	return &OverdueScanJob{transfers: transfers, client: client, logger: logger}
}

// Handle processes TaskTransferOverdueScan tasks.
func (j *OverdueScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload OverdueScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	overdue, err := j.transfers.ListOverdue(ctx)
	if err != nil {
		return err
	}
	for _, item := range overdue {
		expected := payload.ScheduledFor
		if item.ExpectedDelivery != nil {
			expected = *item.ExpectedDelivery
		}
		notify := TransferOverduePayload{
			TransferID:       item.ID,
			Number:           item.Number,
			ToBranchID:       item.ToBranchID,
			Status:           string(item.Status),
			ExpectedDelivery: expected,
		}
		if _, err := j.client.EnqueueTransferOverdue(ctx, notify); err != nil {
			j.logger.Warn("enqueue overdue notification",
				slog.Int64("transfer_id", item.ID), slog.Any("error", err))
		}
	}
	j.logger.Info("overdue transfer scan", slog.Int("found", len(overdue)))
	return nil
}
