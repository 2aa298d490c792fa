package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockward/stockward/internal/shared"
	"github.com/stockward/stockward/internal/stock"
)

// numberAttempts bounds collision retries on document numbers. The Redis
// counter makes collisions exceptional, so this is a fallback only.
const numberAttempts = 5

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetTransfer(ctx context.Context, id int64) (Transfer, error)
	ListTransfers(ctx context.Context, filter ListFilter) ([]Transfer, error)
	ListOverdue(ctx context.Context, now time.Time) ([]Transfer, error)
}

// SequencerPort hands out document numbers.
type SequencerPort interface {
	NextNumber(ctx context.Context, prefix string, at time.Time) (string, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// EventPort publishes domain events, typically into the task queue.
type EventPort interface {
	PublishTransferConfirmed(ctx context.Context, ev ConfirmedEvent) error
}

// Service owns the transfer state machine and its lines.
type Service struct {
	repo   RepositoryPort
	seq    SequencerPort
	audit  AuditPort
	events EventPort
	now    func() time.Time
}

// NewService builds Service. Events may be nil when no queue is wired.
func NewService(repo RepositoryPort, seq SequencerPort, audit AuditPort, events EventPort) *Service {
	return &Service{repo: repo, seq: seq, audit: audit, events: events, now: time.Now}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create opens a new pending transfer with its lines. The document number
// comes from the atomic sequence; a uniqueness collision is retried a bounded
// number of times before creation fails.
func (s *Service) Create(ctx context.Context, input CreateInput) (Transfer, error) {
	if err := input.Validate(); err != nil {
		return Transfer{}, err
	}
	now := s.now()
	var created Transfer
	var err error
	for attempt := 0; attempt < numberAttempts; attempt++ {
		created, err = s.createOnce(ctx, input, now)
		if errors.Is(err, ErrNumberTaken) {
			continue
		}
		break
	}
	if err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, input.ActorID, "transfer.create", created.ID, map[string]any{
		"number":    created.Number,
		"to_branch": created.ToBranchID,
		"lines":     len(created.Lines),
	})
	return created, nil
}

func (s *Service) createOnce(ctx context.Context, input CreateInput, now time.Time) (Transfer, error) {
	number, err := s.seq.NextNumber(ctx, "TRF", now)
	if err != nil {
		return Transfer{}, fmt.Errorf("transfer: numbering failed: %w", err)
	}
	t := Transfer{
		Number:           number,
		FromBranchID:     input.FromBranchID,
		ToBranchID:       input.ToBranchID,
		SubDestination:   input.SubDestination,
		Status:           StatusPending,
		ExpectedDelivery: input.ExpectedDelivery,
		TransporterName:  input.TransporterName,
		VehicleNumber:    input.VehicleNumber,
		Notes:            input.Notes,
		CreatedBy:        input.ActorID,
	}
	for _, in := range input.Lines {
		line := Line{
			ProductID: in.ProductID,
			BatchNo:   in.BatchNo,
			QtySent:   in.QtySent,
			UnitPrice: in.UnitPrice,
		}
		line.TotalValue = in.UnitPrice.Mul(decimal.NewFromFloat(in.QtySent))
		t.Lines = append(t.Lines, line)
		t.TotalValue = t.TotalValue.Add(line.TotalValue)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertTransfer(ctx, t)
		if err != nil {
			return err
		}
		t.ID = id
		for i := range t.Lines {
			t.Lines[i].TransferID = id
			lineID, err := tx.InsertLine(ctx, t.Lines[i])
			if err != nil {
				return err
			}
			t.Lines[i].ID = lineID
		}
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	return t, nil
}

// UpdateStatus advances the state machine. The first entry into in_transit,
// delivered and confirmed stamps the matching milestone date; re-entering the
// same status never resets it.
func (s *Service) UpdateStatus(ctx context.Context, id int64, next Status, actorID int64) (Transfer, error) {
	if !next.IsValid() {
		return Transfer{}, ErrInvalidTransition
	}
	now := s.now()
	var updated Transfer
	var confirmedNow bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetTransferForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !current.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.Status, next)
		}
		if current.Status == next {
			updated = current
			return nil
		}
		current.Status = next
		switch next {
		case StatusInTransit:
			if current.DispatchDate == nil {
				current.DispatchDate = &now
			}
		case StatusDelivered:
			if current.DeliveredDate == nil {
				current.DeliveredDate = &now
			}
		case StatusConfirmed:
			if current.ConfirmedDate == nil {
				current.ConfirmedDate = &now
				confirmedNow = true
			}
		}
		if err := tx.UpdateStatus(ctx, current); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, actorID, "transfer.status", id, map[string]any{"status": string(next)})
	if confirmedNow && s.events != nil {
		full, err := s.repo.GetTransfer(ctx, id)
		if err == nil {
			_ = s.events.PublishTransferConfirmed(ctx, ConfirmedEvent{
				TransferID:    full.ID,
				Number:        full.Number,
				ToBranchID:    full.ToBranchID,
				ConfirmedAt:   now,
				FullyReceived: full.FullyReceived(),
			})
		}
	}
	return updated, nil
}

// ReceiveLine records the destination-side quantity for one line, appends the
// receiver's notes and posts an inbound stock movement at the destination for
// the received quantity at the line's unit price. The receipt flag and the
// stock movement share one transaction, so a failed posting leaves the line
// unreceived and retryable. Receipt against a cancelled transfer is rejected;
// a line is received at most once.
func (s *Service) ReceiveLine(ctx context.Context, input ReceiveLineInput) (Line, error) {
	if input.Qty < 0 {
		return Line{}, ErrInvalidQuantity
	}
	now := s.now()
	var received Line
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		parent, err := tx.GetTransferForUpdate(ctx, input.TransferID)
		if err != nil {
			return err
		}
		if parent.Status == StatusCancelled {
			return ErrTransferCancelled
		}
		line, err := tx.GetLineForUpdate(ctx, input.LineID)
		if err != nil {
			return err
		}
		if line.TransferID != parent.ID {
			return ErrLineNotFound
		}
		if line.QtyReceived != nil {
			return ErrLineAlreadyReceived
		}
		qty := input.Qty
		line.QtyReceived = &qty
		line.Notes = appendNotes(line.Notes, now, input.Notes)
		if err := tx.UpdateLineReceived(ctx, line); err != nil {
			return err
		}
		if input.Qty > 0 {
			newQty, err := tx.AdjustLevel(ctx, parent.ToBranchID, line.ProductID, input.Qty)
			if err != nil {
				return err
			}
			_, err = tx.InsertMovement(ctx, stock.Movement{
				BranchID:   parent.ToBranchID,
				ProductID:  line.ProductID,
				Type:       stock.MovementReceipt,
				Qty:        input.Qty,
				UnitPrice:  line.UnitPrice,
				BalanceQty: newQty,
				Ref:        shared.Reference{Kind: shared.RefTransferLine, ID: line.ID},
				Note:       fmt.Sprintf("transfer line receipt %d", line.ID),
				CreatedBy:  input.ActorID,
			})
			if err != nil {
				return err
			}
		}
		received = line
		return nil
	})
	if err != nil {
		return Line{}, err
	}
	s.recordAudit(ctx, input.ActorID, "transfer.receive_line", input.TransferID, map[string]any{
		"line_id": received.ID,
		"qty":     input.Qty,
	})
	return received, nil
}

// Get fetches one transfer with lines.
func (s *Service) Get(ctx context.Context, id int64) (Transfer, error) {
	return s.repo.GetTransfer(ctx, id)
}

// List enumerates transfers.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Transfer, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, ErrInvalidTransition
	}
	return s.repo.ListTransfers(ctx, filter)
}

// ListOverdue returns in-flight transfers past their expected delivery.
func (s *Service) ListOverdue(ctx context.Context) ([]Transfer, error) {
	return s.repo.ListOverdue(ctx, s.now())
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "transfer",
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
		At:       s.now(),
	})
}

func appendNotes(existing string, at time.Time, notes string) string {
	if notes == "" {
		return existing
	}
	line := fmt.Sprintf("[%s] %s", at.UTC().Format("2006-01-02 15:04"), notes)
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}
