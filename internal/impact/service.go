package impact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockward/stockward/internal/ledger"
	"github.com/stockward/stockward/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetImpact(ctx context.Context, id int64) (Impact, error)
	ListByRef(ctx context.Context, ref shared.Reference) ([]Impact, error)
	SummaryByType(ctx context.Context, filter SummaryFilter) ([]Summary, error)
	SummaryByCategory(ctx context.Context, filter SummaryFilter) ([]Summary, error)
	OutstandingRecoverable(ctx context.Context) (decimal.Decimal, error)
}

// LedgerPort is the sanctioned posting path into the general ledger.
type LedgerPort interface {
	PostDoubleEntry(ctx context.Context, input ledger.PostingInput) (ledger.Entry, ledger.Entry, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns financial impact records and their recovery lifecycle.
type Service struct {
	repo   RepositoryPort
	ledger LedgerPort
	audit  AuditPort
	now    func() time.Time
}

// NewService builds Service. The ledger port may be nil when impacts are
// tracked without general ledger postings.
func NewService(repo RepositoryPort, ledgerPort LedgerPort, audit AuditPort) *Service {
	return &Service{repo: repo, ledger: ledgerPort, audit: audit, now: time.Now}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create records one impact. Amount is stored as a positive magnitude;
// category and recoverability are independent axes.
func (s *Service) Create(ctx context.Context, input CreateInput) (Impact, error) {
	if err := input.Validate(); err != nil {
		return Impact{}, err
	}
	var created Impact
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		impact, err := tx.InsertImpact(ctx, input)
		if err != nil {
			return err
		}
		created = impact
		return nil
	})
	if err != nil {
		return Impact{}, err
	}
	s.recordAudit(ctx, input.ActorID, "impact.create", created.ID, map[string]any{
		"type":   string(input.Type),
		"amount": input.Amount.String(),
		"ref":    input.Ref.String(),
	})
	return created, nil
}

// Get fetches one impact.
func (s *Service) Get(ctx context.Context, id int64) (Impact, error) {
	return s.repo.GetImpact(ctx, id)
}

// ListByRef returns impacts attached to one originating entity.
func (s *Service) ListByRef(ctx context.Context, ref shared.Reference) ([]Impact, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListByRef(ctx, ref)
}

// RecordRecovery increments the recovered amount. A recovery that would push
// recovered past the impact amount is declined with a typed error and leaves
// the record untouched. Notes are appended, never overwritten.
func (s *Service) RecordRecovery(ctx context.Context, id int64, amount decimal.Decimal, notes string, actorID int64) (Impact, error) {
	if !amount.IsPositive() {
		return Impact{}, ErrInvalidAmount
	}
	var updated Impact
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetImpactForUpdate(ctx, id)
		if err != nil {
			return err
		}
		newRecovered := current.RecoveredAmount.Add(amount)
		if newRecovered.GreaterThan(current.Amount) {
			return ErrRecoveryExceedsImpact
		}
		current.RecoveredAmount = newRecovered
		current.RecoveryNotes = appendNote(current.RecoveryNotes, s.now(), amount, notes)
		if err := tx.UpdateRecovery(ctx, current.ID, current.RecoveredAmount, current.RecoveryNotes); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return Impact{}, err
	}
	s.recordAudit(ctx, actorID, "impact.recover", updated.ID, map[string]any{
		"amount":    amount.String(),
		"recovered": updated.RecoveredAmount.String(),
	})
	return updated, nil
}

// PostToLedger emits one balanced double entry for the impact's net amount
// and marks the impact posted. A second call is rejected.
func (s *Service) PostToLedger(ctx context.Context, id int64, debitAccountID, creditAccountID int64, actorID int64) (Impact, error) {
	if s.ledger == nil {
		return Impact{}, errors.New("impact: ledger posting not configured")
	}
	current, err := s.repo.GetImpact(ctx, id)
	if err != nil {
		return Impact{}, err
	}
	if current.GLPostedAt != nil {
		return Impact{}, ErrAlreadyPosted
	}
	_, _, err = s.ledger.PostDoubleEntry(ctx, ledger.PostingInput{
		DebitAccountID:  debitAccountID,
		CreditAccountID: creditAccountID,
		Date:            current.OccurredAt,
		Ref:             shared.Reference{Kind: shared.RefImpact, ID: current.ID},
		Memo:            fmt.Sprintf("%s %s", current.Type, current.Description),
		Amount:          current.Amount,
		ActorID:         actorID,
	})
	if err != nil {
		return Impact{}, err
	}
	postedAt := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.MarkPosted(ctx, id, postedAt)
	})
	if err != nil {
		return Impact{}, err
	}
	current.GLPostedAt = &postedAt
	s.recordAudit(ctx, actorID, "impact.post_to_ledger", id, map[string]any{
		"debit_account":  debitAccountID,
		"credit_account": creditAccountID,
	})
	return current, nil
}

// SummaryByType aggregates totals per impact type.
func (s *Service) SummaryByType(ctx context.Context, filter SummaryFilter) ([]Summary, error) {
	return s.repo.SummaryByType(ctx, filter)
}

// SummaryByCategory aggregates totals per category.
func (s *Service) SummaryByCategory(ctx context.Context, filter SummaryFilter) ([]Summary, error) {
	return s.repo.SummaryByCategory(ctx, filter)
}

// OutstandingRecoverable sums amount minus recovered over recoverable impacts.
func (s *Service) OutstandingRecoverable(ctx context.Context) (decimal.Decimal, error) {
	return s.repo.OutstandingRecoverable(ctx)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "financial_impact",
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
		At:       s.now(),
	})
}

func appendNote(existing string, at time.Time, amount decimal.Decimal, notes string) string {
	line := fmt.Sprintf("[%s] recovered %s", at.UTC().Format("2006-01-02 15:04"), amount.String())
	if notes != "" {
		line += ": " + notes
	}
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}
