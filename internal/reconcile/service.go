package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockward/stockward/internal/count"
	"github.com/stockward/stockward/internal/impact"
	"github.com/stockward/stockward/internal/shared"
	"github.com/stockward/stockward/internal/stock"
	"github.com/stockward/stockward/internal/transfer"
)

// numberAttempts bounds collision retries on document numbers.
const numberAttempts = 5

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetReconciliation(ctx context.Context, id int64) (Reconciliation, error)
	GetItem(ctx context.Context, id int64) (Item, error)
	GetAnalysisByItem(ctx context.Context, itemID int64) (VarianceAnalysis, bool, error)
}

// TransferPort reads the source transfer for the transfer path.
type TransferPort interface {
	Get(ctx context.Context, id int64) (transfer.Transfer, error)
}

// CountPort reads the source session for the physical count path.
type CountPort interface {
	Get(ctx context.Context, id int64) (count.Session, error)
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
	PublishReconciliationApproved(ctx context.Context, ev ApprovedEvent) error
}

// Service owns the reconciliation lifecycle. Approval mutates stock and
// writes financial impacts in the same transaction as the status change, so
// either everything lands or nothing does.
type Service struct {
	repo      RepositoryPort
	transfers TransferPort
	counts    CountPort
	seq       SequencerPort
	audit     AuditPort
	events    EventPort
	now       func() time.Time
}

// NewService builds Service. Events may be nil when no queue is wired.
func NewService(repo RepositoryPort, transfers TransferPort, counts CountPort, seq SequencerPort, audit AuditPort, events EventPort) *Service {
	return &Service{repo: repo, transfers: transfers, counts: counts, seq: seq, audit: audit, events: events, now: time.Now}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// OpenFromTransfer opens a reconciliation against a confirmed transfer. One
// item is derived per received line, comparing sent against received;
// unreceived lines stay out of the variance aggregates.
func (s *Service) OpenFromTransfer(ctx context.Context, transferID int64, actorID int64) (Reconciliation, error) {
	source, err := s.transfers.Get(ctx, transferID)
	if err != nil {
		return Reconciliation{}, err
	}
	if source.Status != transfer.StatusConfirmed {
		return Reconciliation{}, ErrSourceNotReady
	}
	items := []Item{}
	for _, line := range source.Lines {
		if line.QtyReceived == nil {
			continue
		}
		item := Item{
			ProductID:   line.ProductID,
			BatchNo:     line.BatchNo,
			SystemQty:   line.QtySent,
			PhysicalQty: *line.QtyReceived,
			UnitCost:    line.UnitPrice,
		}
		computeVariance(item.SystemQty, item.PhysicalQty, item.UnitCost).apply(&item)
		items = append(items, item)
	}
	if len(items) == 0 {
		return Reconciliation{}, ErrNoReceivedLines
	}
	rec := Reconciliation{
		Ref:      shared.Reference{Kind: shared.RefTransfer, ID: source.ID},
		BranchID: source.ToBranchID,
		Items:    items,
	}
	return s.open(ctx, rec, actorID)
}

// OpenFromCount opens a reconciliation against a completed count session,
// comparing each item's book snapshot against the counted quantity.
func (s *Service) OpenFromCount(ctx context.Context, sessionID int64, actorID int64) (Reconciliation, error) {
	source, err := s.counts.Get(ctx, sessionID)
	if err != nil {
		return Reconciliation{}, err
	}
	if source.Status != count.SessionCompleted {
		return Reconciliation{}, ErrSourceNotReady
	}
	items := []Item{}
	for _, ci := range source.Items {
		item := Item{
			ProductID:   ci.ProductID,
			BatchNo:     ci.BatchNo,
			SystemQty:   ci.SystemQty,
			PhysicalQty: ci.CountedQty,
			UnitCost:    ci.UnitCost,
		}
		computeVariance(item.SystemQty, item.PhysicalQty, item.UnitCost).apply(&item)
		items = append(items, item)
	}
	rec := Reconciliation{
		Ref:      shared.Reference{Kind: shared.RefCountSession, ID: source.ID},
		BranchID: source.BranchID,
		Items:    items,
	}
	return s.open(ctx, rec, actorID)
}

func (s *Service) open(ctx context.Context, rec Reconciliation, actorID int64) (Reconciliation, error) {
	now := s.now()
	rec.Status = StatusPending
	rec.Date = now
	rec.CreatedBy = actorID
	var err error
	for attempt := 0; attempt < numberAttempts; attempt++ {
		rec.Number, err = s.seq.NextNumber(ctx, "REC", now)
		if err != nil {
			return Reconciliation{}, fmt.Errorf("reconcile: numbering failed: %w", err)
		}
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			id, err := tx.InsertReconciliation(ctx, rec)
			if err != nil {
				return err
			}
			rec.ID = id
			for i := range rec.Items {
				rec.Items[i].ReconciliationID = id
				itemID, err := tx.InsertItem(ctx, rec.Items[i])
				if err != nil {
					return err
				}
				rec.Items[i].ID = itemID
			}
			return nil
		})
		if errors.Is(err, ErrNumberTaken) {
			continue
		}
		break
	}
	if err != nil {
		return Reconciliation{}, err
	}
	s.recordAudit(ctx, actorID, "reconcile.open", rec.ID, map[string]any{
		"number": rec.Number,
		"ref":    rec.Ref.String(),
		"items":  len(rec.Items),
	})
	return rec, nil
}

// UpsertItem creates or edits one item. The four derived fields are
// recomputed together inside the same write; there is no separate recompute
// step to forget.
func (s *Service) UpsertItem(ctx context.Context, input UpsertItemInput) (Item, error) {
	if err := input.Validate(); err != nil {
		return Item{}, err
	}
	var out Item
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetReconciliationForUpdate(ctx, input.ReconciliationID)
		if err != nil {
			return err
		}
		if rec.Status != StatusPending {
			return ErrFinalized
		}
		items, err := tx.ListItems(ctx, rec.ID)
		if err != nil {
			return err
		}
		for _, existing := range items {
			if existing.ProductID == input.ProductID && equalBatch(existing.BatchNo, input.BatchNo) {
				existing.SystemQty = input.SystemQty
				existing.PhysicalQty = input.PhysicalQty
				existing.UnitCost = input.UnitCost
				computeVariance(existing.SystemQty, existing.PhysicalQty, existing.UnitCost).apply(&existing)
				if err := tx.UpdateItem(ctx, existing); err != nil {
					return err
				}
				out = existing
				return nil
			}
		}
		item := Item{
			ReconciliationID: rec.ID,
			ProductID:        input.ProductID,
			BatchNo:          input.BatchNo,
			SystemQty:        input.SystemQty,
			PhysicalQty:      input.PhysicalQty,
			UnitCost:         input.UnitCost,
		}
		computeVariance(item.SystemQty, item.PhysicalQty, item.UnitCost).apply(&item)
		id, err := tx.InsertItem(ctx, item)
		if err != nil {
			return err
		}
		item.ID = id
		out = item
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	return out, nil
}

// Approve finalizes the reconciliation. A second approval is an explicit
// typed no-op. Inside one transaction the status flips, every item with a
// real variance moves stock, and every item with a non-zero financial impact
// gets exactly one impact record dated to the reconciliation date.
func (s *Service) Approve(ctx context.Context, id int64, actorID int64, notes string) (Reconciliation, error) {
	now := s.now()
	var approved Reconciliation
	var worst Severity = SeverityNormal
	var varied int
	totalImpact := decimal.Zero
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetReconciliationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status == StatusApproved {
			return ErrAlreadyApproved
		}
		if rec.Status == StatusRejected {
			return ErrFinalized
		}
		items, err := tx.ListItems(ctx, rec.ID)
		if err != nil {
			return err
		}
		rec.Status = StatusApproved
		rec.ApprovedBy = &actorID
		rec.ApprovedAt = &now
		rec.Notes = appendNotes(rec.Notes, now, "approved", notes)
		if err := tx.Finalize(ctx, rec); err != nil {
			return err
		}
		for _, item := range items {
			if item.VarianceType == VarianceNone {
				continue
			}
			varied++
			if rank(item.Severity()) > rank(worst) {
				worst = item.Severity()
			}
			newQty, err := tx.AdjustLevel(ctx, rec.BranchID, item.ProductID, item.Variance)
			if err != nil {
				return err
			}
			movementType := stock.MovementAdjustment
			if item.Variance < 0 {
				movementType = stock.MovementLoss
			}
			_, err = tx.InsertMovement(ctx, stock.Movement{
				BranchID:   rec.BranchID,
				ProductID:  item.ProductID,
				Type:       movementType,
				Qty:        item.Variance,
				UnitPrice:  item.UnitCost,
				BalanceQty: newQty,
				Ref:        shared.Reference{Kind: shared.RefReconciliation, ID: rec.ID},
				Note:       fmt.Sprintf("reconciliation %s item %d", rec.Number, item.ID),
				CreatedBy:  actorID,
			})
			if err != nil {
				return err
			}
			if item.FinancialImpact.IsZero() {
				continue
			}
			impactType := impact.TypeGainExcess
			category := impact.CategoryRecovery
			if item.Variance < 0 {
				impactType = impact.TypeLossShortage
				category = impact.CategoryDirectLoss
			}
			branchID := rec.BranchID
			_, err = tx.InsertImpact(ctx, impact.CreateInput{
				Type:          impactType,
				Category:      category,
				Amount:        item.FinancialImpact.Abs(),
				IsRecoverable: false,
				Ref:           shared.Reference{Kind: shared.RefReconciliation, ID: rec.ID},
				BranchID:      &branchID,
				Description:   fmt.Sprintf("reconciliation %s item %d variance %.3f", rec.Number, item.ID, item.Variance),
				OccurredAt:    rec.Date,
				ActorID:       actorID,
			})
			if err != nil {
				return err
			}
			totalImpact = totalImpact.Add(item.FinancialImpact.Abs())
		}
		rec.Items = items
		approved = rec
		return nil
	})
	if err != nil {
		return Reconciliation{}, err
	}
	s.recordAudit(ctx, actorID, "reconcile.approve", id, map[string]any{
		"varied_items": varied,
		"severity":     string(worst),
		"total_impact": totalImpact.String(),
	})
	if s.events != nil {
		_ = s.events.PublishReconciliationApproved(ctx, ApprovedEvent{
			ReconciliationID: approved.ID,
			Number:           approved.Number,
			BranchID:         approved.BranchID,
			Severity:         worst,
			ItemCount:        len(approved.Items),
			VariedItems:      varied,
			TotalImpact:      totalImpact.String(),
			ApprovedAt:       now,
		})
	}
	return approved, nil
}

// Reject finalizes the reconciliation with zero stock or finance side
// effects. The reason is appended to the notes.
func (s *Service) Reject(ctx context.Context, id int64, actorID int64, reason string) (Reconciliation, error) {
	now := s.now()
	var rejected Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetReconciliationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status != StatusPending {
			return ErrFinalized
		}
		rec.Status = StatusRejected
		rec.Notes = appendNotes(rec.Notes, now, "rejected", reason)
		if err := tx.Finalize(ctx, rec); err != nil {
			return err
		}
		rejected = rec
		return nil
	})
	if err != nil {
		return Reconciliation{}, err
	}
	s.recordAudit(ctx, actorID, "reconcile.reject", id, map[string]any{"reason": reason})
	return rejected, nil
}

// Analyse records the investigator's annotation on one item, at most once.
func (s *Service) Analyse(ctx context.Context, input AnalyseInput) (VarianceAnalysis, error) {
	if err := input.Validate(); err != nil {
		return VarianceAnalysis{}, err
	}
	var out VarianceAnalysis
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		item, err := tx.GetItemForUpdate(ctx, input.ItemID)
		if err != nil {
			return err
		}
		if _, exists, err := tx.GetAnalysis(ctx, item.ID); err != nil {
			return err
		} else if exists {
			return ErrAnalysisExists
		}
		a := VarianceAnalysis{
			ItemID:         item.ID,
			RootCause:      input.RootCause,
			Preventable:    input.Preventable,
			AssessedImpact: input.AssessedImpact,
			Notes:          input.Notes,
			AnalysedBy:     input.ActorID,
		}
		id, err := tx.InsertAnalysis(ctx, a)
		if err != nil {
			return err
		}
		a.ID = id
		out = a
		return nil
	})
	if err != nil {
		return VarianceAnalysis{}, err
	}
	return out, nil
}

// Get fetches one reconciliation with items.
func (s *Service) Get(ctx context.Context, id int64) (Reconciliation, error) {
	return s.repo.GetReconciliation(ctx, id)
}

// GetItemAnalysis fetches the analysis for one item, if recorded.
func (s *Service) GetItemAnalysis(ctx context.Context, itemID int64) (VarianceAnalysis, bool, error) {
	return s.repo.GetAnalysisByItem(ctx, itemID)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "reconciliation",
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
		At:       s.now(),
	})
}

func rank(sev Severity) int {
	switch sev {
	case SeverityCritical:
		return 2
	case SeveritySignificant:
		return 1
	default:
		return 0
	}
}

func equalBatch(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func appendNotes(existing string, at time.Time, verdict, notes string) string {
	line := fmt.Sprintf("[%s] %s", at.UTC().Format("2006-01-02 15:04"), verdict)
	if notes != "" {
		line += ": " + notes
	}
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}
