package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockward/stockward/internal/shared"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	LockAccount(ctx context.Context, accountID int64) error
	GetAccount(ctx context.Context, id int64) (Account, error)
	GetLatestBalance(ctx context.Context, accountID int64) (decimal.Decimal, error)
	InsertEntry(ctx context.Context, entry Entry) (int64, error)
	InsertAccount(ctx context.Context, input CreateAccountInput) (Account, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const accountColumns = `id, code, name, account_type, parent_id, is_active, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	var accountType string
	if err := row.Scan(&a.ID, &a.Code, &a.Name, &accountType, &a.ParentID, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	a.Type = AccountType(accountType)
	return a, nil
}

// GetAccount fetches one account by id.
func (r *Repository) GetAccount(ctx context.Context, id int64) (Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM chart_of_accounts WHERE id=$1`, id))
}

// ListAccounts enumerates accounts, code order.
func (r *Repository) ListAccounts(ctx context.Context, activeOnly bool) ([]Account, error) {
	query := `SELECT ` + accountColumns + ` FROM chart_of_accounts`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY code ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// ListChildren returns direct children of the parent account.
func (r *Repository) ListChildren(ctx context.Context, parentID int64) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM chart_of_accounts WHERE parent_id=$1 AND id<>$1 ORDER BY code ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func collectAccounts(rows pgx.Rows) ([]Account, error) {
	accounts := []Account{}
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

// GetLatestBalance reads the most recent balance snapshot for the account.
func (r *Repository) GetLatestBalance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	return latestBalance(ctx, r.pool, accountID)
}

// GetBalanceAtDate reads the latest snapshot at or before the given date.
func (r *Repository) GetBalanceAtDate(ctx context.Context, accountID int64, at time.Time) (decimal.Decimal, error) {
	var raw string
	err := r.pool.QueryRow(ctx, `SELECT balance FROM general_ledger WHERE account_id=$1 AND tx_date<=$2 ORDER BY tx_date DESC, id DESC LIMIT 1`, accountID, at).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

// ListEntries returns journal rows for the account in creation order.
func (r *Repository) ListEntries(ctx context.Context, accountID int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, account_id, tx_date, ref_kind, ref_id, memo, debit, credit, balance, created_at
FROM general_ledger WHERE account_id=$1 ORDER BY id ASC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var refKind, debit, credit, balance string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.TxDate, &refKind, &e.Ref.ID, &e.Memo, &debit, &credit, &balance, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Ref.Kind = shared.RefKind(refKind)
		if e.Debit, err = decimal.NewFromString(debit); err != nil {
			return nil, err
		}
		if e.Credit, err = decimal.NewFromString(credit); err != nil {
			return nil, err
		}
		if e.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// TrialBalanceRows sums debits and credits per active account over the range.
func (r *Repository) TrialBalanceRows(ctx context.Context, from, to time.Time) ([]TrialBalanceRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT a.id, a.code, a.name, a.account_type,
COALESCE(SUM(g.debit), 0), COALESCE(SUM(g.credit), 0)
FROM chart_of_accounts a
LEFT JOIN general_ledger g ON g.account_id = a.id
  AND g.tx_date BETWEEN COALESCE($1, '-infinity') AND COALESCE($2, 'infinity')
WHERE a.is_active
GROUP BY a.id, a.code, a.name, a.account_type
ORDER BY a.code ASC`, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []TrialBalanceRow{}
	for rows.Next() {
		var row TrialBalanceRow
		var accountType, debit, credit string
		if err := rows.Scan(&row.AccountID, &row.Code, &row.Name, &accountType, &debit, &credit); err != nil {
			return nil, err
		}
		row.Type = AccountType(accountType)
		if row.Debit, err = decimal.NewFromString(debit); err != nil {
			return nil, err
		}
		if row.Credit, err = decimal.NewFromString(credit); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func latestBalance(ctx context.Context, q queryRower, accountID int64) (decimal.Decimal, error) {
	var raw string
	err := q.QueryRow(ctx, `SELECT balance FROM general_ledger WHERE account_id=$1 ORDER BY tx_date DESC, id DESC LIMIT 1`, accountID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

// LockAccount serializes postings per account with an advisory xact lock.
func (r *txRepository) LockAccount(ctx context.Context, accountID int64) error {
	_, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, accountID)
	return err
}

func (r *txRepository) GetAccount(ctx context.Context, id int64) (Account, error) {
	return scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM chart_of_accounts WHERE id=$1`, id))
}

func (r *txRepository) GetLatestBalance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	return latestBalance(ctx, r.tx, accountID)
}

func (r *txRepository) InsertEntry(ctx context.Context, e Entry) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO general_ledger (account_id, tx_date, ref_kind, ref_id, memo, debit, credit, balance, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW()) RETURNING id`,
		e.AccountID, e.TxDate, string(e.Ref.Kind), e.Ref.ID, e.Memo, e.Debit.String(), e.Credit.String(), e.Balance.String()).Scan(&id)
	return id, err
}

func (r *txRepository) InsertAccount(ctx context.Context, input CreateAccountInput) (Account, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO chart_of_accounts (code, name, account_type, parent_id, is_active, created_at, updated_at)
VALUES ($1,$2,$3,$4,TRUE,NOW(),NOW()) RETURNING `+accountColumns,
		input.Code, input.Name, string(input.Type), input.ParentID)
	return scanAccount(row)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
