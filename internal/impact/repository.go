package impact

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockward/stockward/internal/shared"
)

// Repository persists financial impacts in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	InsertImpact(ctx context.Context, input CreateInput) (Impact, error)
	GetImpactForUpdate(ctx context.Context, id int64) (Impact, error)
	UpdateRecovery(ctx context.Context, id int64, recovered decimal.Decimal, notes string) error
	MarkPosted(ctx context.Context, id int64, at time.Time) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("impact repository not initialised")
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

const impactColumns = `id, impact_type, impact_category, amount, is_recoverable, recovered_amount, recovery_notes, ref_kind, ref_id, branch_id, description, occurred_at, gl_posted_at, created_by, created_at, updated_at`

func scanImpact(row pgx.Row) (Impact, error) {
	var i Impact
	var impactType, category, amount, recovered, refKind string
	if err := row.Scan(&i.ID, &impactType, &category, &amount, &i.IsRecoverable, &recovered, &i.RecoveryNotes, &refKind, &i.Ref.ID, &i.BranchID, &i.Description, &i.OccurredAt, &i.GLPostedAt, &i.CreatedBy, &i.CreatedAt, &i.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Impact{}, ErrImpactNotFound
		}
		return Impact{}, err
	}
	i.Type = Type(impactType)
	i.Category = Category(category)
	i.Ref.Kind = shared.RefKind(refKind)
	var err error
	if i.Amount, err = decimal.NewFromString(amount); err != nil {
		return Impact{}, err
	}
	if i.RecoveredAmount, err = decimal.NewFromString(recovered); err != nil {
		return Impact{}, err
	}
	return i, nil
}

// GetImpact fetches one impact by id.
func (r *Repository) GetImpact(ctx context.Context, id int64) (Impact, error) {
	return scanImpact(r.pool.QueryRow(ctx, `SELECT `+impactColumns+` FROM financial_impacts WHERE id=$1`, id))
}

// ListByRef returns impacts attached to one originating entity.
func (r *Repository) ListByRef(ctx context.Context, ref shared.Reference) ([]Impact, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+impactColumns+` FROM financial_impacts WHERE ref_kind=$1 AND ref_id=$2 ORDER BY id ASC`, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	impacts := []Impact{}
	for rows.Next() {
		impact, err := scanImpact(rows)
		if err != nil {
			return nil, err
		}
		impacts = append(impacts, impact)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return impacts, nil
}

// SummaryByType aggregates totals per impact type.
func (r *Repository) SummaryByType(ctx context.Context, filter SummaryFilter) ([]Summary, error) {
	return r.summarize(ctx, "impact_type", filter)
}

// SummaryByCategory aggregates totals per category.
func (r *Repository) SummaryByCategory(ctx context.Context, filter SummaryFilter) ([]Summary, error) {
	return r.summarize(ctx, "impact_category", filter)
}

func (r *Repository) summarize(ctx context.Context, column string, filter SummaryFilter) ([]Summary, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+column+`, COALESCE(SUM(amount), 0), COALESCE(SUM(recovered_amount), 0), COUNT(*)
FROM financial_impacts
WHERE occurred_at BETWEEN COALESCE($1, '-infinity') AND COALESCE($2, 'infinity')
  AND ($3::bigint IS NULL OR branch_id = $3)
GROUP BY `+column+`
ORDER BY `+column+` ASC`, nullTime(filter.From), nullTime(filter.To), nullInt(filter.BranchID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	summaries := []Summary{}
	for rows.Next() {
		var s Summary
		var total, recovered string
		if err := rows.Scan(&s.Key, &total, &recovered, &s.Count); err != nil {
			return nil, err
		}
		if s.Total, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		if s.Recovered, err = decimal.NewFromString(recovered); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return summaries, nil
}

// OutstandingRecoverable sums amount minus recovered over recoverable rows.
func (r *Repository) OutstandingRecoverable(ctx context.Context) (decimal.Decimal, error) {
	var raw string
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount - recovered_amount), 0) FROM financial_impacts WHERE is_recoverable`).Scan(&raw)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

func (r *txRepository) InsertImpact(ctx context.Context, input CreateInput) (Impact, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO financial_impacts
(impact_type, impact_category, amount, is_recoverable, recovered_amount, recovery_notes, ref_kind, ref_id, branch_id, description, occurred_at, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,'0','',$5,$6,$7,$8,$9,$10,NOW(),NOW()) RETURNING `+impactColumns,
		string(input.Type), string(input.Category), input.Amount.String(), input.IsRecoverable,
		string(input.Ref.Kind), input.Ref.ID, input.BranchID, input.Description, input.OccurredAt, nullInt(input.ActorID))
	return scanImpact(row)
}

func (r *txRepository) GetImpactForUpdate(ctx context.Context, id int64) (Impact, error) {
	return scanImpact(r.tx.QueryRow(ctx, `SELECT `+impactColumns+` FROM financial_impacts WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) UpdateRecovery(ctx context.Context, id int64, recovered decimal.Decimal, notes string) error {
	_, err := r.tx.Exec(ctx, `UPDATE financial_impacts SET recovered_amount=$2, recovery_notes=$3, updated_at=NOW() WHERE id=$1`, id, recovered.String(), notes)
	return err
}

func (r *txRepository) MarkPosted(ctx context.Context, id int64, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE financial_impacts SET gl_posted_at=$2, updated_at=NOW() WHERE id=$1 AND gl_posted_at IS NULL`, id, at)
	return err
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
