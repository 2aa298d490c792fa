package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockward/stockward/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetAccount(ctx context.Context, id int64) (Account, error)
	ListAccounts(ctx context.Context, activeOnly bool) ([]Account, error)
	ListChildren(ctx context.Context, parentID int64) ([]Account, error)
	GetLatestBalance(ctx context.Context, accountID int64) (decimal.Decimal, error)
	GetBalanceAtDate(ctx context.Context, accountID int64, at time.Time) (decimal.Decimal, error)
	ListEntries(ctx context.Context, accountID int64, limit int) ([]Entry, error)
	TrialBalanceRows(ctx context.Context, from, to time.Time) ([]TrialBalanceRow, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns the chart of accounts and the general ledger journal.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
	now   func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit, now: time.Now}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateAccount registers a chart of accounts node.
func (s *Service) CreateAccount(ctx context.Context, input CreateAccountInput) (Account, error) {
	if err := input.Validate(); err != nil {
		return Account{}, err
	}
	if input.ParentID != nil {
		if _, err := s.repo.GetAccount(ctx, *input.ParentID); err != nil {
			return Account{}, fmt.Errorf("ledger: parent account: %w", err)
		}
	}
	var created Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.InsertAccount(ctx, input)
		if err != nil {
			return err
		}
		created = account
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return created, nil
}

// GetAccount fetches one account.
func (s *Service) GetAccount(ctx context.Context, id int64) (Account, error) {
	return s.repo.GetAccount(ctx, id)
}

// ListAccounts enumerates accounts.
func (s *Service) ListAccounts(ctx context.Context, activeOnly bool) ([]Account, error) {
	return s.repo.ListAccounts(ctx, activeOnly)
}

// PostDoubleEntry records a balanced transaction: one pure debit row and one
// pure credit row for the same amount, date and reference. This is the only
// sanctioned posting path; business callers never create single entries.
func (s *Service) PostDoubleEntry(ctx context.Context, input PostingInput) (debitEntry Entry, creditEntry Entry, err error) {
	if err := input.Validate(); err != nil {
		return Entry{}, Entry{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Lock both accounts in id order so concurrent postings to the same
		// pair cannot deadlock, and the running balance reads stay serial.
		first, second := input.DebitAccountID, input.CreditAccountID
		if second < first {
			first, second = second, first
		}
		if err := tx.LockAccount(ctx, first); err != nil {
			return err
		}
		if err := tx.LockAccount(ctx, second); err != nil {
			return err
		}
		debitEntry, err = createEntry(ctx, tx, entryInput{
			AccountID: input.DebitAccountID,
			Date:      input.Date,
			Ref:       input.Ref,
			Memo:      input.Memo,
			Debit:     input.Amount,
			Credit:    decimal.Zero,
		})
		if err != nil {
			return err
		}
		creditEntry, err = createEntry(ctx, tx, entryInput{
			AccountID: input.CreditAccountID,
			Date:      input.Date,
			Ref:       input.Ref,
			Memo:      input.Memo,
			Debit:     decimal.Zero,
			Credit:    input.Amount,
		})
		return err
	})
	if err != nil {
		return Entry{}, Entry{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "ledger.post",
			Entity:   "ledger_entry",
			EntityID: fmt.Sprintf("%d:%d", debitEntry.ID, creditEntry.ID),
			Meta: map[string]any{
				"debit_account":  input.DebitAccountID,
				"credit_account": input.CreditAccountID,
				"amount":         input.Amount.String(),
				"ref":            input.Ref.String(),
			},
			At: s.now(),
		})
	}
	return debitEntry, creditEntry, nil
}

type entryInput struct {
	AccountID int64
	Date      time.Time
	Ref       shared.Reference
	Memo      string
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}

// createEntry appends one immutable journal row. Exactly one of debit/credit
// must be non-zero; the balance snapshot is previous balance + debit - credit
// read from the account's most recent entry inside the same transaction.
func createEntry(ctx context.Context, tx TxRepository, input entryInput) (Entry, error) {
	debitSet := input.Debit.IsPositive()
	creditSet := input.Credit.IsPositive()
	if debitSet == creditSet {
		return Entry{}, ErrDebitCreditExclusive
	}
	if input.Debit.IsNegative() || input.Credit.IsNegative() {
		return Entry{}, ErrInvalidAmount
	}
	if _, err := tx.GetAccount(ctx, input.AccountID); err != nil {
		return Entry{}, err
	}
	previous, err := tx.GetLatestBalance(ctx, input.AccountID)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		AccountID: input.AccountID,
		TxDate:    input.Date,
		Ref:       input.Ref,
		Memo:      input.Memo,
		Debit:     input.Debit,
		Credit:    input.Credit,
		Balance:   previous.Add(input.Debit).Sub(input.Credit),
	}
	id, err := tx.InsertEntry(ctx, entry)
	if err != nil {
		return Entry{}, err
	}
	entry.ID = id
	return entry, nil
}

// GetCurrentBalance returns the latest running balance snapshot.
func (s *Service) GetCurrentBalance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	if _, err := s.repo.GetAccount(ctx, accountID); err != nil {
		return decimal.Zero, err
	}
	return s.repo.GetLatestBalance(ctx, accountID)
}

// GetBalanceAtDate returns the latest snapshot at or before the given date.
func (s *Service) GetBalanceAtDate(ctx context.Context, accountID int64, at time.Time) (decimal.Decimal, error) {
	if _, err := s.repo.GetAccount(ctx, accountID); err != nil {
		return decimal.Zero, err
	}
	return s.repo.GetBalanceAtDate(ctx, accountID, at)
}

// ListEntries returns an account's journal rows in creation order.
func (s *Service) ListEntries(ctx context.Context, accountID int64, limit int) ([]Entry, error) {
	return s.repo.ListEntries(ctx, accountID, limit)
}

// TotalBalanceWithDescendants sums the account's own balance and every
// descendant's balance by full subtree traversal. No cached rollups, so the
// result always reflects current postings.
func (s *Service) TotalBalanceWithDescendants(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	if _, err := s.repo.GetAccount(ctx, accountID); err != nil {
		return decimal.Zero, err
	}
	return s.subtreeBalance(ctx, accountID, map[int64]bool{})
}

func (s *Service) subtreeBalance(ctx context.Context, accountID int64, seen map[int64]bool) (decimal.Decimal, error) {
	if seen[accountID] {
		// Parent assignment is acyclic by construction; a revisit means a
		// corrupted self-parent row.
		return decimal.Zero, ErrSelfParent
	}
	seen[accountID] = true
	total, err := s.repo.GetLatestBalance(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	children, err := s.repo.ListChildren(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	for _, child := range children {
		sub, err := s.subtreeBalance(ctx, child.ID, seen)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(sub)
	}
	return total, nil
}

// GetTrialBalance sums debits and credits per active account over the range.
func (s *Service) GetTrialBalance(ctx context.Context, from, to time.Time) (TrialBalance, error) {
	if !to.IsZero() && !from.IsZero() && to.Before(from) {
		return TrialBalance{}, errors.New("ledger: trial balance range inverted")
	}
	rows, err := s.repo.TrialBalanceRows(ctx, from, to)
	if err != nil {
		return TrialBalance{}, err
	}
	tb := TrialBalance{From: from, To: to, Rows: rows}
	for _, row := range rows {
		tb.TotalDebit = tb.TotalDebit.Add(row.Debit)
		tb.TotalCredit = tb.TotalCredit.Add(row.Credit)
	}
	tb.TotalNet = tb.TotalDebit.Sub(tb.TotalCredit)
	return tb, nil
}
