package ledger

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockward/stockward/internal/shared"
)

// AccountType enumerates chart of accounts categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// IsValid reports whether the account type is known.
func (t AccountType) IsValid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue, AccountTypeExpense:
		return true
	default:
		return false
	}
}

// Account models a chart of accounts node. Parent assignment forms a tree;
// balances of parents are always computed from the subtree, never cached.
type Account struct {
	ID        int64       `json:"id" db:"id"`
	Code      string      `json:"code" db:"code"`
	Name      string      `json:"name" db:"name"`
	Type      AccountType `json:"type" db:"type"`
	ParentID  *int64      `json:"parent_id,omitempty" db:"parent_id"`
	IsActive  bool        `json:"is_active" db:"is_active"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// Entry is one immutable general ledger row. Exactly one of Debit/Credit is
// non-zero and Balance snapshots the account's running total at creation.
type Entry struct {
	ID        int64            `json:"id" db:"id"`
	AccountID int64            `json:"account_id" db:"account_id"`
	TxDate    time.Time        `json:"tx_date" db:"tx_date"`
	Ref       shared.Reference `json:"ref" db:"-"`
	Memo      string           `json:"memo" db:"memo"`
	Debit     decimal.Decimal  `json:"debit" db:"debit"`
	Credit    decimal.Decimal  `json:"credit" db:"credit"`
	Balance   decimal.Decimal  `json:"balance" db:"balance"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

// CreateAccountInput captures account creation input.
type CreateAccountInput struct {
	Code     string
	Name     string
	Type     AccountType
	ParentID *int64
}

// Validate ensures correctness.
func (in CreateAccountInput) Validate() error {
	if strings.TrimSpace(in.Code) == "" {
		return errors.New("ledger: account code required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return errors.New("ledger: account name required")
	}
	if !in.Type.IsValid() {
		return errors.New("ledger: account type invalid")
	}
	return nil
}

// PostingInput describes a balanced double-entry posting. Amount is posted as
// a pure debit on DebitAccountID and a pure credit on CreditAccountID.
type PostingInput struct {
	DebitAccountID  int64
	CreditAccountID int64
	Date            time.Time
	Ref             shared.Reference
	Memo            string
	Amount          decimal.Decimal
	ActorID         int64
}

// Validate ensures the posting is well formed.
func (in PostingInput) Validate() error {
	if in.DebitAccountID == 0 || in.CreditAccountID == 0 {
		return errors.New("ledger: debit and credit accounts required")
	}
	if in.DebitAccountID == in.CreditAccountID {
		return ErrSameAccount
	}
	if in.Date.IsZero() {
		return errors.New("ledger: transaction date required")
	}
	if !in.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return in.Ref.Validate()
}

// TrialBalanceRow aggregates one account's postings over a period.
type TrialBalanceRow struct {
	AccountID int64
	Code      string
	Name      string
	Type      AccountType
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}

// Net returns debit minus credit for the row.
func (r TrialBalanceRow) Net() decimal.Decimal {
	return r.Debit.Sub(r.Credit)
}

// TrialBalance is the aggregate debit/credit summary for a period. On a
// correctly posted ledger TotalNet is zero.
type TrialBalance struct {
	From        time.Time
	To          time.Time
	Rows        []TrialBalanceRow
	TotalDebit  decimal.Decimal
	TotalCredit decimal.Decimal
	TotalNet    decimal.Decimal
}

var (
	// ErrAccountNotFound occurs when an account id does not resolve. A
	// posting against it is a data-integrity failure, not a user error.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrSameAccount occurs when a posting debits and credits one account.
	ErrSameAccount = errors.New("ledger: debit and credit accounts must differ")
	// ErrInvalidAmount occurs on zero or negative posting amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrDebitCreditExclusive occurs when an entry sets both or neither side.
	ErrDebitCreditExclusive = errors.New("ledger: exactly one of debit or credit must be set")
	// ErrSelfParent occurs when an account references itself as parent.
	ErrSelfParent = errors.New("ledger: account cannot be its own parent")
)
