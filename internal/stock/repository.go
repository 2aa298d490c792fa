package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockward/stockward/internal/shared"
)

// Repository persists stock data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	GetLevelForUpdate(ctx context.Context, branchID, productID int64) (Level, error)
	UpsertLevel(ctx context.Context, level Level) error
	InsertMovement(ctx context.Context, movement Movement) (int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

// ErrLevelNotFound indicates a missing level row.
var ErrLevelNotFound = errors.New("stock level not found")

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
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

// GetLevel reads the current level without locking.
func (r *Repository) GetLevel(ctx context.Context, branchID, productID int64) (Level, error) {
	var level Level
	err := r.pool.QueryRow(ctx, `SELECT branch_id, product_id, qty, updated_at FROM stock_levels WHERE branch_id=$1 AND product_id=$2`, branchID, productID).
		Scan(&level.BranchID, &level.ProductID, &level.Qty, &level.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Level{BranchID: branchID, ProductID: productID}, ErrLevelNotFound
		}
		return Level{}, err
	}
	return level, nil
}

// GetMovements lists movement log rows, oldest first.
func (r *Repository) GetMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, branch_id, product_id, movement_type, qty, unit_price, balance_qty, ref_kind, ref_id, note, created_by, created_at
FROM stock_movements
WHERE branch_id=$1 AND product_id=$2 AND created_at BETWEEN COALESCE($3, '-infinity') AND COALESCE($4, 'infinity')
ORDER BY created_at ASC, id ASC
LIMIT $5`, filter.BranchID, filter.ProductID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		var m Movement
		var movementType, refKind, unitPrice string
		if err := rows.Scan(&m.ID, &m.BranchID, &m.ProductID, &movementType, &m.Qty, &unitPrice, &m.BalanceQty, &refKind, &m.Ref.ID, &m.Note, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = MovementType(movementType)
		m.Ref.Kind = shared.RefKind(refKind)
		if m.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (r *txRepository) GetLevelForUpdate(ctx context.Context, branchID, productID int64) (Level, error) {
	var level Level
	err := r.tx.QueryRow(ctx, `SELECT branch_id, product_id, qty, updated_at FROM stock_levels WHERE branch_id=$1 AND product_id=$2 FOR UPDATE`, branchID, productID).
		Scan(&level.BranchID, &level.ProductID, &level.Qty, &level.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Level{BranchID: branchID, ProductID: productID}, ErrLevelNotFound
		}
		return Level{}, err
	}
	return level, nil
}

func (r *txRepository) UpsertLevel(ctx context.Context, level Level) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_levels (branch_id, product_id, qty, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (branch_id, product_id) DO UPDATE SET qty=EXCLUDED.qty, updated_at=NOW()`, level.BranchID, level.ProductID, level.Qty)
	return err
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (branch_id, product_id, movement_type, qty, unit_price, balance_qty, ref_kind, ref_id, note, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		m.BranchID, m.ProductID, string(m.Type), m.Qty, m.UnitPrice.String(), m.BalanceQty, string(m.Ref.Kind), m.Ref.ID, m.Note, nullInt(m.CreatedBy), m.CreatedAt).Scan(&id)
	return id, err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
