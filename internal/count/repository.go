package count

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository persists count sessions in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	InsertSession(ctx context.Context, s Session) (int64, error)
	GetSessionForUpdate(ctx context.Context, id int64) (Session, error)
	CompleteSession(ctx context.Context, id int64, at time.Time) error
	GetItemForUpdate(ctx context.Context, sessionID, productID int64, batchNo *string) (Item, error)
	InsertItem(ctx context.Context, item Item) (int64, error)
	UpdateItemCount(ctx context.Context, id int64, countedQty float64) error
	InsertScan(ctx context.Context, scan ScanRecord) (int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("count repository not initialised")
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

const sessionColumns = `id, number, branch_id, status, counted_by, note, started_at, completed_at, created_at, updated_at`

const itemColumns = `id, session_id, product_id, batch_no, system_qty, counted_qty, unit_cost, created_at, updated_at`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	var status string
	if err := row.Scan(&s.ID, &s.Number, &s.BranchID, &status, &s.CountedBy, &s.Note, &s.StartedAt, &s.CompletedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	s.Status = SessionStatus(status)
	return s, nil
}

func scanItem(row pgx.Row) (Item, error) {
	var i Item
	var unitCost string
	if err := row.Scan(&i.ID, &i.SessionID, &i.ProductID, &i.BatchNo, &i.SystemQty, &i.CountedQty, &unitCost, &i.CreatedAt, &i.UpdatedAt); err != nil {
		return Item{}, err
	}
	var err error
	if i.UnitCost, err = decimal.NewFromString(unitCost); err != nil {
		return Item{}, err
	}
	return i, nil
}

// GetSession fetches one session with its items.
func (r *Repository) GetSession(ctx context.Context, id int64) (Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM count_sessions WHERE id=$1`, id))
	if err != nil {
		return Session{}, err
	}
	s.Items, err = r.listItems(ctx, id)
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

func (r *Repository) listItems(ctx context.Context, sessionID int64) ([]Item, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+itemColumns+` FROM count_items WHERE session_id=$1 ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// ListScans returns the raw scan log for one session, oldest first.
func (r *Repository) ListScans(ctx context.Context, sessionID int64) ([]ScanRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, session_id, product_id, batch_no, qty, scanned_by, scanned_at FROM count_scans WHERE session_id=$1 ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	scans := []ScanRecord{}
	for rows.Next() {
		var s ScanRecord
		if err := rows.Scan(&s.ID, &s.SessionID, &s.ProductID, &s.BatchNo, &s.Qty, &s.ScannedBy, &s.ScannedAt); err != nil {
			return nil, err
		}
		scans = append(scans, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return scans, nil
}

func (r *txRepository) InsertSession(ctx context.Context, s Session) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO count_sessions (number, branch_id, status, counted_by, note, started_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW()) RETURNING id`,
		s.Number, s.BranchID, string(s.Status), s.CountedBy, s.Note, s.StartedAt).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrNumberTaken
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepository) GetSessionForUpdate(ctx context.Context, id int64) (Session, error) {
	return scanSession(r.tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM count_sessions WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) CompleteSession(ctx context.Context, id int64, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE count_sessions SET status=$2, completed_at=$3, updated_at=NOW() WHERE id=$1`,
		id, string(SessionCompleted), at)
	return err
}

func (r *txRepository) GetItemForUpdate(ctx context.Context, sessionID, productID int64, batchNo *string) (Item, error) {
	item, err := scanItem(r.tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM count_items
WHERE session_id=$1 AND product_id=$2 AND batch_no IS NOT DISTINCT FROM $3 FOR UPDATE`, sessionID, productID, batchNo))
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrItemNotFound
	}
	return item, err
}

func (r *txRepository) InsertItem(ctx context.Context, item Item) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO count_items (session_id, product_id, batch_no, system_qty, counted_qty, unit_cost, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW()) RETURNING id`,
		item.SessionID, item.ProductID, item.BatchNo, item.SystemQty, item.CountedQty, item.UnitCost.String()).Scan(&id)
	return id, err
}

func (r *txRepository) UpdateItemCount(ctx context.Context, id int64, countedQty float64) error {
	_, err := r.tx.Exec(ctx, `UPDATE count_items SET counted_qty=$2, updated_at=NOW() WHERE id=$1`, id, countedQty)
	return err
}

func (r *txRepository) InsertScan(ctx context.Context, scan ScanRecord) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO count_scans (session_id, product_id, batch_no, qty, scanned_by, scanned_at)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		scan.SessionID, scan.ProductID, scan.BatchNo, scan.Qty, scan.ScannedBy, scan.ScannedAt).Scan(&id)
	return id, err
}
