package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockward/stockward/internal/stock"
)

// Repository persists transfers in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service. Line
// receipt adjusts stock through the same transaction, so the receipt flag and
// the inventory movement commit or roll back together.
type TxRepository interface {
	InsertTransfer(ctx context.Context, t Transfer) (int64, error)
	InsertLine(ctx context.Context, line Line) (int64, error)
	GetTransferForUpdate(ctx context.Context, id int64) (Transfer, error)
	UpdateStatus(ctx context.Context, t Transfer) error
	GetLineForUpdate(ctx context.Context, id int64) (Line, error)
	UpdateLineReceived(ctx context.Context, line Line) error
	AdjustLevel(ctx context.Context, branchID, productID int64, delta float64) (float64, error)
	InsertMovement(ctx context.Context, m stock.Movement) (int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("transfer repository not initialised")
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

const transferColumns = `id, number, from_branch_id, to_branch_id, sub_destination, status, expected_delivery, dispatch_date, delivered_date, confirmed_date, transporter_name, vehicle_number, notes, total_value, created_by, created_at, updated_at`

const lineColumns = `id, transfer_id, product_id, batch_no, qty_sent, qty_received, unit_price, total_value, notes, created_at, updated_at`

func scanTransfer(row pgx.Row) (Transfer, error) {
	var t Transfer
	var status, totalValue string
	if err := row.Scan(&t.ID, &t.Number, &t.FromBranchID, &t.ToBranchID, &t.SubDestination, &status, &t.ExpectedDelivery, &t.DispatchDate, &t.DeliveredDate, &t.ConfirmedDate, &t.TransporterName, &t.VehicleNumber, &t.Notes, &totalValue, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, ErrTransferNotFound
		}
		return Transfer{}, err
	}
	t.Status = Status(status)
	var err error
	if t.TotalValue, err = decimal.NewFromString(totalValue); err != nil {
		return Transfer{}, err
	}
	return t, nil
}

func scanLine(row pgx.Row) (Line, error) {
	var l Line
	var unitPrice, totalValue string
	if err := row.Scan(&l.ID, &l.TransferID, &l.ProductID, &l.BatchNo, &l.QtySent, &l.QtyReceived, &unitPrice, &totalValue, &l.Notes, &l.CreatedAt, &l.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Line{}, ErrLineNotFound
		}
		return Line{}, err
	}
	var err error
	if l.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
		return Line{}, err
	}
	if l.TotalValue, err = decimal.NewFromString(totalValue); err != nil {
		return Line{}, err
	}
	return l, nil
}

// GetTransfer fetches one transfer with its lines.
func (r *Repository) GetTransfer(ctx context.Context, id int64) (Transfer, error) {
	t, err := scanTransfer(r.pool.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id=$1`, id))
	if err != nil {
		return Transfer{}, err
	}
	t.Lines, err = r.listLines(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	return t, nil
}

func (r *Repository) listLines(ctx context.Context, transferID int64) ([]Line, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lineColumns+` FROM transfer_lines WHERE transfer_id=$1 ORDER BY id ASC`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines := []Line{}
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// ListTransfers enumerates transfers, newest first.
func (r *Repository) ListTransfers(ctx context.Context, filter ListFilter) ([]Transfer, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+transferColumns+` FROM transfers
WHERE ($1::bigint IS NULL OR from_branch_id = $1)
  AND ($2::bigint IS NULL OR to_branch_id = $2)
  AND ($3::text IS NULL OR status = $3)
ORDER BY id DESC LIMIT $4 OFFSET $5`,
		nullInt(filter.FromBranchID), nullInt(filter.ToBranchID), nullStatus(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	transfers := []Transfer{}
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transfers, nil
}

// ListOverdue returns in-flight transfers whose expected delivery is past.
func (r *Repository) ListOverdue(ctx context.Context, now time.Time) ([]Transfer, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+transferColumns+` FROM transfers
WHERE expected_delivery IS NOT NULL AND expected_delivery < $1
  AND status NOT IN ($2, $3)
ORDER BY expected_delivery ASC`, now, string(StatusConfirmed), string(StatusCancelled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	transfers := []Transfer{}
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transfers, nil
}

func (r *txRepository) InsertTransfer(ctx context.Context, t Transfer) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO transfers
(number, from_branch_id, to_branch_id, sub_destination, status, expected_delivery, transporter_name, vehicle_number, notes, total_value, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),NOW()) RETURNING id`,
		t.Number, t.FromBranchID, t.ToBranchID, t.SubDestination, string(t.Status), t.ExpectedDelivery,
		t.TransporterName, t.VehicleNumber, t.Notes, t.TotalValue.String(), t.CreatedBy).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrNumberTaken
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepository) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO transfer_lines
(transfer_id, product_id, batch_no, qty_sent, unit_price, total_value, notes, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW()) RETURNING id`,
		line.TransferID, line.ProductID, line.BatchNo, line.QtySent, line.UnitPrice.String(), line.TotalValue.String(), line.Notes).Scan(&id)
	return id, err
}

func (r *txRepository) GetTransferForUpdate(ctx context.Context, id int64) (Transfer, error) {
	return scanTransfer(r.tx.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) UpdateStatus(ctx context.Context, t Transfer) error {
	_, err := r.tx.Exec(ctx, `UPDATE transfers SET status=$2, dispatch_date=$3, delivered_date=$4, confirmed_date=$5, updated_at=NOW() WHERE id=$1`,
		t.ID, string(t.Status), t.DispatchDate, t.DeliveredDate, t.ConfirmedDate)
	return err
}

func (r *txRepository) GetLineForUpdate(ctx context.Context, id int64) (Line, error) {
	return scanLine(r.tx.QueryRow(ctx, `SELECT `+lineColumns+` FROM transfer_lines WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) UpdateLineReceived(ctx context.Context, line Line) error {
	_, err := r.tx.Exec(ctx, `UPDATE transfer_lines SET qty_received=$2, notes=$3, updated_at=NOW() WHERE id=$1`,
		line.ID, line.QtyReceived, line.Notes)
	return err
}

// AdjustLevel applies a signed delta to the destination stock level with a
// single atomic upsert and returns the resulting quantity.
func (r *txRepository) AdjustLevel(ctx context.Context, branchID, productID int64, delta float64) (float64, error) {
	var qty float64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_levels (branch_id, product_id, qty, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (branch_id, product_id) DO UPDATE SET qty = stock_levels.qty + EXCLUDED.qty, updated_at = NOW()
RETURNING qty`, branchID, productID, delta).Scan(&qty)
	return qty, err
}

func (r *txRepository) InsertMovement(ctx context.Context, m stock.Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements
(branch_id, product_id, movement_type, qty, unit_price, balance_qty, ref_kind, ref_id, note, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW()) RETURNING id`,
		m.BranchID, m.ProductID, string(m.Type), m.Qty, m.UnitPrice.String(), m.BalanceQty,
		string(m.Ref.Kind), m.Ref.ID, m.Note, m.CreatedBy).Scan(&id)
	return id, err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullStatus(s Status) any {
	if s == "" {
		return nil
	}
	return string(s)
}
