package jobs

import (
	"context"
	"log/slog"

	"github.com/stockward/stockward/internal/reconcile"
	"github.com/stockward/stockward/internal/transfer"
)

// Publisher adapts domain events onto the task queue. Only events that need
// out-of-band follow-up become tasks; the rest are logged.
type Publisher struct {
	client *Client
	logger *slog.Logger
}

// NewPublisher constructs a Publisher.
func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// PublishReconciliationApproved enqueues a reviewer notification when the
// approved reconciliation carries critical items.
func (p *Publisher) PublishReconciliationApproved(ctx context.Context, ev reconcile.ApprovedEvent) error {
	p.logger.Info("reconciliation approved",
		slog.Int64("reconciliation_id", ev.ReconciliationID),
		slog.String("severity", string(ev.Severity)),
		slog.Int("varied_items", ev.VariedItems),
	)
	if ev.Severity != reconcile.SeverityCritical {
		return nil
	}
	_, err := p.client.EnqueueCriticalVariance(ctx, CriticalVariancePayload{
		ReconciliationID: ev.ReconciliationID,
		Number:           ev.Number,
		BranchID:         ev.BranchID,
		Severity:         string(ev.Severity),
		VariedItems:      ev.VariedItems,
		TotalImpact:      ev.TotalImpact,
	})
	return err
}

// PublishTransferConfirmed records the terminal transition. Reconciliation is
// operator-driven, so no task is enqueued.
func (p *Publisher) PublishTransferConfirmed(ctx context.Context, ev transfer.ConfirmedEvent) error {
	p.logger.Info("transfer confirmed",
		slog.Int64("transfer_id", ev.TransferID),
		slog.String("number", ev.Number),
		slog.Bool("fully_received", ev.FullyReceived),
	)
	return nil
}
