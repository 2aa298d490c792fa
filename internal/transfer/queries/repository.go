package queries

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockward/stockward/internal/impact"
)

// Repository persists transfer queries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service. Impact
// derivation inserts the financial impact and links it to the query in the
// same transaction, so neither can outlive the other.
type TxRepository interface {
	InsertQuery(ctx context.Context, q Query) (int64, error)
	GetQueryForUpdate(ctx context.Context, id int64) (Query, error)
	UpdateQuery(ctx context.Context, q Query) error
	InsertResponse(ctx context.Context, resp Response) (int64, error)
	InsertImpact(ctx context.Context, in impact.CreateInput) (int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("queries repository not initialised")
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

const queryColumns = `id, transfer_id, line_id, query_type, priority, status, description, impact_id, raised_by, resolved_at, created_at, updated_at`

func scanQuery(row pgx.Row) (Query, error) {
	var q Query
	var queryType, priority, status string
	if err := row.Scan(&q.ID, &q.TransferID, &q.LineID, &queryType, &priority, &status, &q.Description, &q.ImpactID, &q.RaisedBy, &q.ResolvedAt, &q.CreatedAt, &q.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Query{}, ErrQueryNotFound
		}
		return Query{}, err
	}
	q.Type = QueryType(queryType)
	q.Priority = Priority(priority)
	q.Status = Status(status)
	return q, nil
}

// GetQuery fetches one query with its response log.
func (r *Repository) GetQuery(ctx context.Context, id int64) (Query, error) {
	q, err := scanQuery(r.pool.QueryRow(ctx, `SELECT `+queryColumns+` FROM transfer_queries WHERE id=$1`, id))
	if err != nil {
		return Query{}, err
	}
	q.Responses, err = r.listResponses(ctx, id)
	if err != nil {
		return Query{}, err
	}
	return q, nil
}

func (r *Repository) listResponses(ctx context.Context, queryID int64) ([]Response, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, query_id, author_id, message, created_at FROM transfer_query_responses WHERE query_id=$1 ORDER BY id ASC`, queryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	responses := []Response{}
	for rows.Next() {
		var resp Response
		if err := rows.Scan(&resp.ID, &resp.QueryID, &resp.AuthorID, &resp.Message, &resp.CreatedAt); err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return responses, nil
}

// ListByTransfer returns all queries raised against one transfer.
func (r *Repository) ListByTransfer(ctx context.Context, transferID int64) ([]Query, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+queryColumns+` FROM transfer_queries WHERE transfer_id=$1 ORDER BY id ASC`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []Query{}
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *txRepository) InsertQuery(ctx context.Context, q Query) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO transfer_queries
(transfer_id, line_id, query_type, priority, status, description, raised_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW()) RETURNING id`,
		q.TransferID, q.LineID, string(q.Type), string(q.Priority), string(q.Status), q.Description, q.RaisedBy).Scan(&id)
	return id, err
}

func (r *txRepository) GetQueryForUpdate(ctx context.Context, id int64) (Query, error) {
	return scanQuery(r.tx.QueryRow(ctx, `SELECT `+queryColumns+` FROM transfer_queries WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) UpdateQuery(ctx context.Context, q Query) error {
	var resolvedAt any
	if q.ResolvedAt != nil {
		resolvedAt = *q.ResolvedAt
	}
	_, err := r.tx.Exec(ctx, `UPDATE transfer_queries SET priority=$2, status=$3, impact_id=$4, resolved_at=$5, updated_at=NOW() WHERE id=$1`,
		q.ID, string(q.Priority), string(q.Status), q.ImpactID, resolvedAt)
	return err
}

func (r *txRepository) InsertResponse(ctx context.Context, resp Response) (int64, error) {
	var id int64
	createdAt := resp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	err := r.tx.QueryRow(ctx, `INSERT INTO transfer_query_responses (query_id, author_id, message, created_at)
VALUES ($1,$2,$3,$4) RETURNING id`, resp.QueryID, resp.AuthorID, resp.Message, createdAt).Scan(&id)
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
