package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockward/stockward/internal/shared"
)

type memoryLedgerRepo struct {
	accounts      map[int64]Account
	entries       map[int64][]Entry
	nextAccountID int64
	nextEntryID   int64
}

func newMemoryLedgerRepo() *memoryLedgerRepo {
	return &memoryLedgerRepo{
		accounts: make(map[int64]Account),
		entries:  make(map[int64][]Entry),
	}
}

type memoryLedgerTx struct {
	repo *memoryLedgerRepo
}

func (r *memoryLedgerRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := make(map[int64][]Entry, len(r.entries))
	for id, rows := range r.entries {
		snapshot[id] = append([]Entry(nil), rows...)
	}
	savedEntryID, savedAccountID := r.nextEntryID, r.nextAccountID
	if err := fn(ctx, &memoryLedgerTx{repo: r}); err != nil {
		r.entries = snapshot
		r.nextEntryID, r.nextAccountID = savedEntryID, savedAccountID
		return err
	}
	return nil
}

func (r *memoryLedgerRepo) GetAccount(ctx context.Context, id int64) (Account, error) {
	account, ok := r.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (r *memoryLedgerRepo) ListAccounts(ctx context.Context, activeOnly bool) ([]Account, error) {
	out := []Account{}
	for _, account := range r.accounts {
		if activeOnly && !account.IsActive {
			continue
		}
		out = append(out, account)
	}
	return out, nil
}

func (r *memoryLedgerRepo) ListChildren(ctx context.Context, parentID int64) ([]Account, error) {
	out := []Account{}
	for _, account := range r.accounts {
		if account.ParentID != nil && *account.ParentID == parentID && account.ID != parentID {
			out = append(out, account)
		}
	}
	return out, nil
}

func (r *memoryLedgerRepo) GetLatestBalance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	rows := r.entries[accountID]
	if len(rows) == 0 {
		return decimal.Zero, nil
	}
	return rows[len(rows)-1].Balance, nil
}

func (r *memoryLedgerRepo) GetBalanceAtDate(ctx context.Context, accountID int64, at time.Time) (decimal.Decimal, error) {
	balance := decimal.Zero
	for _, e := range r.entries[accountID] {
		if !e.TxDate.After(at) {
			balance = e.Balance
		}
	}
	return balance, nil
}

func (r *memoryLedgerRepo) ListEntries(ctx context.Context, accountID int64, limit int) ([]Entry, error) {
	rows := append([]Entry(nil), r.entries[accountID]...)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (r *memoryLedgerRepo) TrialBalanceRows(ctx context.Context, from, to time.Time) ([]TrialBalanceRow, error) {
	out := []TrialBalanceRow{}
	for id, account := range r.accounts {
		if !account.IsActive {
			continue
		}
		row := TrialBalanceRow{AccountID: id, Code: account.Code, Name: account.Name, Type: account.Type, Debit: decimal.Zero, Credit: decimal.Zero}
		for _, e := range r.entries[id] {
			if !from.IsZero() && e.TxDate.Before(from) {
				continue
			}
			if !to.IsZero() && e.TxDate.After(to) {
				continue
			}
			row.Debit = row.Debit.Add(e.Debit)
			row.Credit = row.Credit.Add(e.Credit)
		}
		out = append(out, row)
	}
	return out, nil
}

func (t *memoryLedgerTx) LockAccount(ctx context.Context, accountID int64) error { return nil }

func (t *memoryLedgerTx) GetAccount(ctx context.Context, id int64) (Account, error) {
	return t.repo.GetAccount(ctx, id)
}

func (t *memoryLedgerTx) GetLatestBalance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	return t.repo.GetLatestBalance(ctx, accountID)
}

func (t *memoryLedgerTx) InsertEntry(ctx context.Context, entry Entry) (int64, error) {
	t.repo.nextEntryID++
	entry.ID = t.repo.nextEntryID
	entry.CreatedAt = time.Now()
	t.repo.entries[entry.AccountID] = append(t.repo.entries[entry.AccountID], entry)
	return entry.ID, nil
}

func (t *memoryLedgerTx) InsertAccount(ctx context.Context, input CreateAccountInput) (Account, error) {
	t.repo.nextAccountID++
	account := Account{
		ID:        t.repo.nextAccountID,
		Code:      input.Code,
		Name:      input.Name,
		Type:      input.Type,
		ParentID:  input.ParentID,
		IsActive:  true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	t.repo.accounts[account.ID] = account
	return account, nil
}

func mustAccount(t *testing.T, svc *Service, code, name string, accountType AccountType, parentID *int64) Account {
	t.Helper()
	account, err := svc.CreateAccount(context.Background(), CreateAccountInput{Code: code, Name: name, Type: accountType, ParentID: parentID})
	require.NoError(t, err)
	return account
}

func txRef(id int64) shared.Reference {
	return shared.Reference{Kind: shared.RefImpact, ID: id}
}

func TestPostDoubleEntryRunningBalances(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	expense := mustAccount(t, svc, "5100", "Inventory Losses", AccountTypeExpense, nil)
	inventory := mustAccount(t, svc, "1200", "Inventory", AccountTypeAsset, nil)

	date := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	debit, credit, err := svc.PostDoubleEntry(ctx, PostingInput{
		DebitAccountID:  expense.ID,
		CreditAccountID: inventory.ID,
		Date:            date,
		Ref:             txRef(1),
		Memo:            "shortage write-off",
		Amount:          decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	require.True(t, debit.Debit.Equal(decimal.NewFromInt(100)))
	require.True(t, debit.Credit.IsZero())
	require.True(t, credit.Credit.Equal(decimal.NewFromInt(100)))
	require.True(t, credit.Debit.IsZero())
	require.True(t, debit.Balance.Equal(decimal.NewFromInt(100)))
	require.True(t, credit.Balance.Equal(decimal.NewFromInt(-100)))

	debit2, credit2, err := svc.PostDoubleEntry(ctx, PostingInput{
		DebitAccountID:  expense.ID,
		CreditAccountID: inventory.ID,
		Date:            date.AddDate(0, 0, 1),
		Ref:             txRef(2),
		Amount:          decimal.NewFromInt(50),
	})
	require.NoError(t, err)
	require.True(t, debit2.Balance.Equal(decimal.NewFromInt(150)))
	require.True(t, credit2.Balance.Equal(decimal.NewFromInt(-150)))

	balance, err := svc.GetCurrentBalance(ctx, expense.ID)
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromInt(150)))
}

func TestPostDoubleEntryRejectsBadInput(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	account := mustAccount(t, svc, "5100", "Inventory Losses", AccountTypeExpense, nil)
	other := mustAccount(t, svc, "1200", "Inventory", AccountTypeAsset, nil)
	date := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)

	_, _, err := svc.PostDoubleEntry(ctx, PostingInput{
		DebitAccountID:  account.ID,
		CreditAccountID: account.ID,
		Date:            date,
		Ref:             txRef(1),
		Amount:          decimal.NewFromInt(10),
	})
	require.ErrorIs(t, err, ErrSameAccount)

	_, _, err = svc.PostDoubleEntry(ctx, PostingInput{
		DebitAccountID:  account.ID,
		CreditAccountID: other.ID,
		Date:            date,
		Ref:             txRef(1),
		Amount:          decimal.Zero,
	})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = svc.PostDoubleEntry(ctx, PostingInput{
		DebitAccountID:  account.ID,
		CreditAccountID: other.ID,
		Date:            date,
		Ref:             shared.Reference{},
		Amount:          decimal.NewFromInt(10),
	})
	require.ErrorIs(t, err, shared.ErrInvalidReference)

	_, _, err = svc.PostDoubleEntry(ctx, PostingInput{
		DebitAccountID:  account.ID,
		CreditAccountID: 999,
		Date:            date,
		Ref:             txRef(1),
		Amount:          decimal.NewFromInt(10),
	})
	require.ErrorIs(t, err, ErrAccountNotFound)
	// The failed posting must not leave the debit half behind.
	entries, err := svc.ListEntries(ctx, account.ID, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestTotalBalanceWithDescendants(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	expenses := mustAccount(t, svc, "5000", "Expenses", AccountTypeExpense, nil)
	losses := mustAccount(t, svc, "5100", "Inventory Losses", AccountTypeExpense, &expenses.ID)
	transport := mustAccount(t, svc, "5200", "Transport Costs", AccountTypeExpense, &expenses.ID)
	inventory := mustAccount(t, svc, "1200", "Inventory", AccountTypeAsset, nil)

	date := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	post := func(debitID int64, amount int64) {
		_, _, err := svc.PostDoubleEntry(ctx, PostingInput{
			DebitAccountID:  debitID,
			CreditAccountID: inventory.ID,
			Date:            date,
			Ref:             txRef(1),
			Amount:          decimal.NewFromInt(amount),
		})
		require.NoError(t, err)
	}
	post(losses.ID, 500)
	post(transport.ID, 300)

	total, err := svc.TotalBalanceWithDescendants(ctx, expenses.ID)
	require.NoError(t, err)
	require.True(t, total.Equal(decimal.NewFromInt(800)), "got %s", total)

	leaf, err := svc.TotalBalanceWithDescendants(ctx, losses.ID)
	require.NoError(t, err)
	require.True(t, leaf.Equal(decimal.NewFromInt(500)))
}

func TestTrialBalanceNetsToZero(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	expense := mustAccount(t, svc, "5100", "Inventory Losses", AccountTypeExpense, nil)
	inventory := mustAccount(t, svc, "1200", "Inventory", AccountTypeAsset, nil)
	recovery := mustAccount(t, svc, "4900", "Loss Recoveries", AccountTypeRevenue, nil)

	date := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	_, _, err := svc.PostDoubleEntry(ctx, PostingInput{
		DebitAccountID: expense.ID, CreditAccountID: inventory.ID,
		Date: date, Ref: txRef(1), Amount: decimal.NewFromInt(250),
	})
	require.NoError(t, err)
	_, _, err = svc.PostDoubleEntry(ctx, PostingInput{
		DebitAccountID: inventory.ID, CreditAccountID: recovery.ID,
		Date: date.AddDate(0, 0, 2), Ref: txRef(2), Amount: decimal.NewFromInt(40),
	})
	require.NoError(t, err)

	tb, err := svc.GetTrialBalance(ctx, date.AddDate(0, 0, -1), date.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.True(t, tb.TotalDebit.Equal(decimal.NewFromInt(290)))
	require.True(t, tb.TotalCredit.Equal(decimal.NewFromInt(290)))
	require.True(t, tb.TotalNet.IsZero())

	_, err = svc.GetTrialBalance(ctx, date, date.AddDate(0, 0, -5))
	require.Error(t, err)
}

func TestCreateAccountValidation(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, CreateAccountInput{Code: "", Name: "x", Type: AccountTypeAsset})
	require.Error(t, err)

	_, err = svc.CreateAccount(ctx, CreateAccountInput{Code: "1000", Name: "x", Type: AccountType("WEIRD")})
	require.Error(t, err)

	missing := int64(404)
	_, err = svc.CreateAccount(ctx, CreateAccountInput{Code: "1000", Name: "x", Type: AccountTypeAsset, ParentID: &missing})
	require.True(t, errors.Is(err, ErrAccountNotFound))
}
