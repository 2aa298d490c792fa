package reconcile

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockward/stockward/internal/impact"
	"github.com/stockward/stockward/internal/shared"
	"github.com/stockward/stockward/internal/stock"
)

// Repository persists reconciliations in PostgreSQL. Approval writes stock
// and impact rows in the same transaction, so the tx wrapper also exposes
// those tables.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	InsertReconciliation(ctx context.Context, rec Reconciliation) (int64, error)
	GetReconciliationForUpdate(ctx context.Context, id int64) (Reconciliation, error)
	ListItems(ctx context.Context, reconciliationID int64) ([]Item, error)
	InsertItem(ctx context.Context, item Item) (int64, error)
	GetItemForUpdate(ctx context.Context, id int64) (Item, error)
	UpdateItem(ctx context.Context, item Item) error
	Finalize(ctx context.Context, rec Reconciliation) error
	AdjustLevel(ctx context.Context, branchID, productID int64, delta float64) (float64, error)
	InsertMovement(ctx context.Context, m stock.Movement) (int64, error)
	InsertImpact(ctx context.Context, in impact.CreateInput) (int64, error)
	GetAnalysis(ctx context.Context, itemID int64) (VarianceAnalysis, bool, error)
	InsertAnalysis(ctx context.Context, a VarianceAnalysis) (int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("reconcile repository not initialised")
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

const recColumns = `id, number, ref_kind, ref_id, branch_id, status, rec_date, notes, approved_by, approved_at, created_by, created_at, updated_at`

const itemColumns = `id, reconciliation_id, product_id, batch_no, system_qty, physical_qty, variance, variance_pct, variance_type, unit_cost, financial_impact, created_at, updated_at`

func scanReconciliation(row pgx.Row) (Reconciliation, error) {
	var rec Reconciliation
	var refKind, status string
	if err := row.Scan(&rec.ID, &rec.Number, &refKind, &rec.Ref.ID, &rec.BranchID, &status, &rec.Date, &rec.Notes, &rec.ApprovedBy, &rec.ApprovedAt, &rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reconciliation{}, ErrNotFound
		}
		return Reconciliation{}, err
	}
	rec.Ref.Kind = shared.RefKind(refKind)
	rec.Status = Status(status)
	return rec, nil
}

func scanItem(row pgx.Row) (Item, error) {
	var i Item
	var varianceType, unitCost, financialImpact string
	if err := row.Scan(&i.ID, &i.ReconciliationID, &i.ProductID, &i.BatchNo, &i.SystemQty, &i.PhysicalQty, &i.Variance, &i.VariancePct, &varianceType, &unitCost, &financialImpact, &i.CreatedAt, &i.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrItemNotFound
		}
		return Item{}, err
	}
	i.VarianceType = VarianceType(varianceType)
	var err error
	if i.UnitCost, err = decimal.NewFromString(unitCost); err != nil {
		return Item{}, err
	}
	if i.FinancialImpact, err = decimal.NewFromString(financialImpact); err != nil {
		return Item{}, err
	}
	return i, nil
}

// GetReconciliation fetches one reconciliation with its items.
func (r *Repository) GetReconciliation(ctx context.Context, id int64) (Reconciliation, error) {
	rec, err := scanReconciliation(r.pool.QueryRow(ctx, `SELECT `+recColumns+` FROM reconciliations WHERE id=$1`, id))
	if err != nil {
		return Reconciliation{}, err
	}
	rec.Items, err = listItems(ctx, r.pool, id)
	if err != nil {
		return Reconciliation{}, err
	}
	return rec, nil
}

// GetItem fetches one item.
func (r *Repository) GetItem(ctx context.Context, id int64) (Item, error) {
	return scanItem(r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM reconciliation_items WHERE id=$1`, id))
}

// GetAnalysisByItem fetches the analysis annotation for one item, if any.
func (r *Repository) GetAnalysisByItem(ctx context.Context, itemID int64) (VarianceAnalysis, bool, error) {
	return getAnalysis(ctx, r.pool, itemID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func listItems(ctx context.Context, q querier, reconciliationID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT `+itemColumns+` FROM reconciliation_items WHERE reconciliation_id=$1 ORDER BY id ASC`, reconciliationID)
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

func getAnalysis(ctx context.Context, q querier, itemID int64) (VarianceAnalysis, bool, error) {
	var a VarianceAnalysis
	var rootCause, assessed string
	err := q.QueryRow(ctx, `SELECT id, item_id, root_cause, preventable, assessed_impact, notes, analysed_by, created_at
FROM variance_analyses WHERE item_id=$1`, itemID).Scan(&a.ID, &a.ItemID, &rootCause, &a.Preventable, &assessed, &a.Notes, &a.AnalysedBy, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return VarianceAnalysis{}, false, nil
	}
	if err != nil {
		return VarianceAnalysis{}, false, err
	}
	a.RootCause = RootCause(rootCause)
	if a.AssessedImpact, err = decimal.NewFromString(assessed); err != nil {
		return VarianceAnalysis{}, false, err
	}
	return a, true, nil
}

func (r *txRepository) InsertReconciliation(ctx context.Context, rec Reconciliation) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO reconciliations
(number, ref_kind, ref_id, branch_id, status, rec_date, notes, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW(),NOW()) RETURNING id`,
		rec.Number, string(rec.Ref.Kind), rec.Ref.ID, rec.BranchID, string(rec.Status), rec.Date, rec.Notes, rec.CreatedBy).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrNumberTaken
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepository) GetReconciliationForUpdate(ctx context.Context, id int64) (Reconciliation, error) {
	return scanReconciliation(r.tx.QueryRow(ctx, `SELECT `+recColumns+` FROM reconciliations WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) ListItems(ctx context.Context, reconciliationID int64) ([]Item, error) {
	return listItems(ctx, r.tx, reconciliationID)
}

func (r *txRepository) InsertItem(ctx context.Context, item Item) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO reconciliation_items
(reconciliation_id, product_id, batch_no, system_qty, physical_qty, variance, variance_pct, variance_type, unit_cost, financial_impact, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW()) RETURNING id`,
		item.ReconciliationID, item.ProductID, item.BatchNo, item.SystemQty, item.PhysicalQty,
		item.Variance, item.VariancePct, string(item.VarianceType), item.UnitCost.String(), item.FinancialImpact.String()).Scan(&id)
	return id, err
}

func (r *txRepository) GetItemForUpdate(ctx context.Context, id int64) (Item, error) {
	return scanItem(r.tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM reconciliation_items WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) UpdateItem(ctx context.Context, item Item) error {
	_, err := r.tx.Exec(ctx, `UPDATE reconciliation_items
SET system_qty=$2, physical_qty=$3, variance=$4, variance_pct=$5, variance_type=$6, unit_cost=$7, financial_impact=$8, updated_at=NOW()
WHERE id=$1`,
		item.ID, item.SystemQty, item.PhysicalQty, item.Variance, item.VariancePct,
		string(item.VarianceType), item.UnitCost.String(), item.FinancialImpact.String())
	return err
}

func (r *txRepository) Finalize(ctx context.Context, rec Reconciliation) error {
	_, err := r.tx.Exec(ctx, `UPDATE reconciliations SET status=$2, notes=$3, approved_by=$4, approved_at=$5, updated_at=NOW() WHERE id=$1`,
		rec.ID, string(rec.Status), rec.Notes, rec.ApprovedBy, rec.ApprovedAt)
	return err
}

// AdjustLevel applies a signed delta to the stock level with a single atomic
// upsert and returns the resulting quantity.
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

func (r *txRepository) InsertImpact(ctx context.Context, in impact.CreateInput) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO financial_impacts
(impact_type, impact_category, amount, is_recoverable, recovered_amount, recovery_notes, ref_kind, ref_id, branch_id, description, occurred_at, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,'0','',$5,$6,$7,$8,$9,$10,NOW(),NOW()) RETURNING id`,
		string(in.Type), string(in.Category), in.Amount.String(), in.IsRecoverable,
		string(in.Ref.Kind), in.Ref.ID, in.BranchID, in.Description, in.OccurredAt, in.ActorID).Scan(&id)
	return id, err
}

func (r *txRepository) GetAnalysis(ctx context.Context, itemID int64) (VarianceAnalysis, bool, error) {
	return getAnalysis(ctx, r.tx, itemID)
}

func (r *txRepository) InsertAnalysis(ctx context.Context, a VarianceAnalysis) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO variance_analyses (item_id, root_cause, preventable, assessed_impact, notes, analysed_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW()) RETURNING id`,
		a.ItemID, string(a.RootCause), a.Preventable, a.AssessedImpact.String(), a.Notes, a.AnalysedBy).Scan(&id)
	return id, err
}
