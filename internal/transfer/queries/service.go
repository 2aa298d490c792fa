package queries

import (
	"context"
	"fmt"
	"time"

	"github.com/stockward/stockward/internal/impact"
	"github.com/stockward/stockward/internal/shared"
	"github.com/stockward/stockward/internal/transfer"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetQuery(ctx context.Context, id int64) (Query, error)
	ListByTransfer(ctx context.Context, transferID int64) ([]Query, error)
}

// TransferPort reads the disputed transfer and its lines.
type TransferPort interface {
	Get(ctx context.Context, id int64) (transfer.Transfer, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns the dispute lifecycle for transfers.
type Service struct {
	repo      RepositoryPort
	transfers TransferPort
	audit     AuditPort
	now       func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, transfers TransferPort, audit AuditPort) *Service {
	return &Service{repo: repo, transfers: transfers, audit: audit, now: time.Now}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Raise opens a new query against a transfer, optionally pinned to one line.
func (s *Service) Raise(ctx context.Context, input RaiseInput) (Query, error) {
	if err := input.Validate(); err != nil {
		return Query{}, err
	}
	parent, err := s.transfers.Get(ctx, input.TransferID)
	if err != nil {
		return Query{}, err
	}
	if input.LineID != nil {
		if _, ok := findLine(parent, *input.LineID); !ok {
			return Query{}, transfer.ErrLineNotFound
		}
	}
	q := Query{
		TransferID:  input.TransferID,
		LineID:      input.LineID,
		Type:        input.Type,
		Priority:    input.Priority,
		Status:      StatusOpen,
		Description: input.Description,
		RaisedBy:    input.ActorID,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertQuery(ctx, q)
		if err != nil {
			return err
		}
		q.ID = id
		return nil
	})
	if err != nil {
		return Query{}, err
	}
	s.recordAudit(ctx, input.ActorID, "query.raise", q.ID, map[string]any{
		"transfer_id": input.TransferID,
		"type":        string(input.Type),
	})
	return q, nil
}

// UpdateStatus moves the query along its lifecycle. Entering resolved stamps
// ResolvedAt once.
func (s *Service) UpdateStatus(ctx context.Context, id int64, next Status, actorID int64) (Query, error) {
	if !next.IsValid() {
		return Query{}, ErrInvalidTransition
	}
	now := s.now()
	var updated Query
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetQueryForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !current.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.Status, next)
		}
		current.Status = next
		if next == StatusResolved && current.ResolvedAt == nil {
			current.ResolvedAt = &now
		}
		if err := tx.UpdateQuery(ctx, current); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return Query{}, err
	}
	s.recordAudit(ctx, actorID, "query.status", id, map[string]any{"status": string(next)})
	return updated, nil
}

// Escalate forces the priority to critical and appends a timestamped response
// entry documenting the escalation.
func (s *Service) Escalate(ctx context.Context, id int64, message string, actorID int64) (Query, error) {
	now := s.now()
	var updated Query
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetQueryForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !current.Status.CanTransitionTo(StatusEscalated) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.Status, StatusEscalated)
		}
		current.Status = StatusEscalated
		current.Priority = PriorityCritical
		if err := tx.UpdateQuery(ctx, current); err != nil {
			return err
		}
		entry := Response{
			QueryID:   current.ID,
			AuthorID:  actorID,
			Message:   fmt.Sprintf("[%s] ESCALATED: %s", now.UTC().Format("2006-01-02 15:04"), message),
			CreatedAt: now,
		}
		if _, err := tx.InsertResponse(ctx, entry); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return Query{}, err
	}
	s.recordAudit(ctx, actorID, "query.escalate", id, nil)
	return updated, nil
}

// Respond appends one entry to the query's response log.
func (s *Service) Respond(ctx context.Context, id int64, message string, actorID int64) (Response, error) {
	if message == "" {
		return Response{}, fmt.Errorf("queries: response message required")
	}
	now := s.now()
	var entry Response
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetQueryForUpdate(ctx, id)
		if err != nil {
			return err
		}
		entry = Response{QueryID: current.ID, AuthorID: actorID, Message: message, CreatedAt: now}
		respID, err := tx.InsertResponse(ctx, entry)
		if err != nil {
			return err
		}
		entry.ID = respID
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	return entry, nil
}

// CalculateFinancialImpact derives the dispute's monetary magnitude from the
// query type and the disputed line, creates the linked financial impact and
// pins its id on the query, all in one transaction. A zero derived amount
// creates nothing. A query already carrying an impact is rejected.
func (s *Service) CalculateFinancialImpact(ctx context.Context, id int64, actorID int64) (Query, *impact.Impact, error) {
	var current Query
	var created *impact.Impact
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetQueryForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if locked.ImpactID != nil {
			return ErrImpactAlreadyLinked
		}
		if locked.LineID == nil {
			return ErrLineRequired
		}
		parent, err := s.transfers.Get(ctx, locked.TransferID)
		if err != nil {
			return err
		}
		line, ok := findLine(parent, *locked.LineID)
		if !ok {
			return transfer.ErrLineNotFound
		}
		var actual float64
		if line.QtyReceived != nil {
			actual = *line.QtyReceived
		}
		amount := ImpactAmount(locked.Type, line.QtySent, actual, line.UnitPrice)
		if amount.IsZero() {
			current = locked
			return nil
		}
		input := impact.CreateInput{
			Type:          impactType(locked.Type),
			Category:      impact.CategoryDirectLoss,
			Amount:        amount,
			IsRecoverable: Recoverable(locked.Type),
			Ref:           shared.Reference{Kind: shared.RefQuery, ID: locked.ID},
			BranchID:      &parent.ToBranchID,
			Description:   fmt.Sprintf("query %d on transfer %s: %s", locked.ID, parent.Number, locked.Type),
			OccurredAt:    s.now(),
			ActorID:       actorID,
		}
		impactID, err := tx.InsertImpact(ctx, input)
		if err != nil {
			return err
		}
		locked.ImpactID = &impactID
		if err := tx.UpdateQuery(ctx, locked); err != nil {
			return err
		}
		current = locked
		created = &impact.Impact{
			ID:            impactID,
			Type:          input.Type,
			Category:      input.Category,
			Amount:        input.Amount,
			IsRecoverable: input.IsRecoverable,
			Ref:           input.Ref,
			BranchID:      input.BranchID,
			Description:   input.Description,
			OccurredAt:    input.OccurredAt,
			CreatedBy:     actorID,
		}
		return nil
	})
	if err != nil {
		return Query{}, nil, err
	}
	if created != nil {
		s.recordAudit(ctx, actorID, "query.financial_impact", id, map[string]any{
			"impact_id": created.ID,
			"amount":    created.Amount.String(),
		})
	}
	return current, created, nil
}

// Get fetches one query with responses.
func (s *Service) Get(ctx context.Context, id int64) (Query, error) {
	return s.repo.GetQuery(ctx, id)
}

// ListByTransfer returns all queries raised against one transfer.
func (s *Service) ListByTransfer(ctx context.Context, transferID int64) ([]Query, error) {
	return s.repo.ListByTransfer(ctx, transferID)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "transfer_query",
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
		At:       s.now(),
	})
}

func findLine(t transfer.Transfer, lineID int64) (transfer.Line, bool) {
	for _, line := range t.Lines {
		if line.ID == lineID {
			return line, true
		}
	}
	return transfer.Line{}, false
}

func impactType(t QueryType) impact.Type {
	switch t {
	case TypeWeightDifference, TypeQuantityShortage, TypeMissingItems:
		return impact.TypeLossShortage
	case TypeDamagedGoods:
		return impact.TypeLossDamaged
	case TypeExpiredGoods:
		return impact.TypeLossExpired
	case TypeQualityIssue:
		return impact.TypeLossQuality
	default:
		return impact.TypeOther
	}
}
