package queries

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockward/stockward/internal/impact"
	"github.com/stockward/stockward/internal/transfer"
)

type memoryQueryRepo struct {
	queries      map[int64]Query
	responses    map[int64][]Response
	impacts      []impact.CreateInput
	updateErr    error
	nextID       int64
	nextRespID   int64
	nextImpactID int64
}

func newMemoryQueryRepo() *memoryQueryRepo {
	return &memoryQueryRepo{queries: make(map[int64]Query), responses: make(map[int64][]Response)}
}

type memoryQueryTx struct {
	repo *memoryQueryRepo
}

// WithTx snapshots state up front and restores it when the callback fails,
// matching the all-or-nothing commit of the real repository.
func (r *memoryQueryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	queries := make(map[int64]Query, len(r.queries))
	for k, v := range r.queries {
		queries[k] = v
	}
	responses := make(map[int64][]Response, len(r.responses))
	for k, v := range r.responses {
		responses[k] = append([]Response(nil), v...)
	}
	impacts := append([]impact.CreateInput(nil), r.impacts...)
	nextID, nextRespID, nextImpactID := r.nextID, r.nextRespID, r.nextImpactID

	if err := fn(ctx, &memoryQueryTx{repo: r}); err != nil {
		r.queries, r.responses, r.impacts = queries, responses, impacts
		r.nextID, r.nextRespID, r.nextImpactID = nextID, nextRespID, nextImpactID
		return err
	}
	return nil
}

func (r *memoryQueryRepo) GetQuery(ctx context.Context, id int64) (Query, error) {
	q, ok := r.queries[id]
	if !ok {
		return Query{}, ErrQueryNotFound
	}
	q.Responses = append([]Response(nil), r.responses[id]...)
	return q, nil
}

func (r *memoryQueryRepo) ListByTransfer(ctx context.Context, transferID int64) ([]Query, error) {
	out := []Query{}
	for _, q := range r.queries {
		if q.TransferID == transferID {
			out = append(out, q)
		}
	}
	return out, nil
}

func (t *memoryQueryTx) InsertQuery(ctx context.Context, q Query) (int64, error) {
	t.repo.nextID++
	q.ID = t.repo.nextID
	t.repo.queries[q.ID] = q
	return q.ID, nil
}

func (t *memoryQueryTx) GetQueryForUpdate(ctx context.Context, id int64) (Query, error) {
	q, ok := t.repo.queries[id]
	if !ok {
		return Query{}, ErrQueryNotFound
	}
	return q, nil
}

func (t *memoryQueryTx) UpdateQuery(ctx context.Context, q Query) error {
	if t.repo.updateErr != nil {
		return t.repo.updateErr
	}
	if _, ok := t.repo.queries[q.ID]; !ok {
		return ErrQueryNotFound
	}
	q.Responses = nil
	t.repo.queries[q.ID] = q
	return nil
}

func (t *memoryQueryTx) InsertResponse(ctx context.Context, resp Response) (int64, error) {
	t.repo.nextRespID++
	resp.ID = t.repo.nextRespID
	t.repo.responses[resp.QueryID] = append(t.repo.responses[resp.QueryID], resp)
	return resp.ID, nil
}

func (t *memoryQueryTx) InsertImpact(ctx context.Context, in impact.CreateInput) (int64, error) {
	t.repo.impacts = append(t.repo.impacts, in)
	t.repo.nextImpactID++
	return t.repo.nextImpactID, nil
}

type stubTransferPort struct {
	transfers map[int64]transfer.Transfer
}

func (s *stubTransferPort) Get(ctx context.Context, id int64) (transfer.Transfer, error) {
	t, ok := s.transfers[id]
	if !ok {
		return transfer.Transfer{}, transfer.ErrTransferNotFound
	}
	return t, nil
}

func received(v float64) *float64 { return &v }

func disputedTransfer() transfer.Transfer {
	return transfer.Transfer{
		ID:         10,
		Number:     "TRF-202608-0001",
		ToBranchID: 4,
		Status:     transfer.StatusConfirmed,
		Lines: []transfer.Line{
			{ID: 100, TransferID: 10, ProductID: 11, QtySent: 100, QtyReceived: received(92), UnitPrice: decimal.NewFromInt(10)},
			{ID: 101, TransferID: 10, ProductID: 12, QtySent: 40, QtyReceived: nil, UnitPrice: decimal.NewFromInt(3)},
		},
	}
}

func newQueryFixture() (*memoryQueryRepo, *Service) {
	repo := newMemoryQueryRepo()
	transfers := &stubTransferPort{transfers: map[int64]transfer.Transfer{10: disputedTransfer()}}
	svc := NewService(repo, transfers, nil)
	return repo, svc
}

func raiseTestQuery(t *testing.T, svc *Service, queryType QueryType, lineID *int64) Query {
	t.Helper()
	q, err := svc.Raise(context.Background(), RaiseInput{
		TransferID:  10,
		LineID:      lineID,
		Type:        queryType,
		Priority:    PriorityMedium,
		Description: "eight cartons short on delivery",
		ActorID:     5,
	})
	require.NoError(t, err)
	return q
}

func TestImpactAmountByType(t *testing.T) {
	price := decimal.NewFromInt(10)
	cases := []struct {
		queryType QueryType
		expected  float64
		actual    float64
		want      float64
	}{
		{TypeQuantityShortage, 100, 92, 80},
		{TypeWeightDifference, 50, 53, 30},
		{TypeDamagedGoods, 100, 20, 200},
		{TypeExpiredGoods, 100, 15, 150},
		{TypeQualityIssue, 100, 30, 300},
		{TypeMissingItems, 40, 0, 400},
		{TypeOther, 100, 50, 0},
	}
	for _, tc := range cases {
		got := ImpactAmount(tc.queryType, tc.expected, tc.actual, price)
		require.InDelta(t, tc.want, got.InexactFloat64(), 1e-9, "%s", tc.queryType)
	}
}

func TestRecoverableByType(t *testing.T) {
	require.True(t, Recoverable(TypeQuantityShortage))
	require.True(t, Recoverable(TypeWeightDifference))
	require.False(t, Recoverable(TypeDamagedGoods))
	require.False(t, Recoverable(TypeExpiredGoods))
	require.False(t, Recoverable(TypeQualityIssue))
	require.False(t, Recoverable(TypeMissingItems))
	require.False(t, Recoverable(TypeOther))
}

func TestRaiseValidatesLineOwnership(t *testing.T) {
	_, svc := newQueryFixture()
	ctx := context.Background()

	lineID := int64(100)
	q, err := svc.Raise(ctx, RaiseInput{
		TransferID:  10,
		LineID:      &lineID,
		Type:        TypeQuantityShortage,
		Priority:    PriorityHigh,
		Description: "short delivery",
		ActorID:     5,
	})
	require.NoError(t, err)
	require.Equal(t, StatusOpen, q.Status)

	stranger := int64(999)
	_, err = svc.Raise(ctx, RaiseInput{
		TransferID:  10,
		LineID:      &stranger,
		Type:        TypeQuantityShortage,
		Priority:    PriorityHigh,
		Description: "short delivery",
		ActorID:     5,
	})
	require.ErrorIs(t, err, transfer.ErrLineNotFound)
}

func TestStatusLifecycle(t *testing.T) {
	_, svc := newQueryFixture()
	ctx := context.Background()
	q := raiseTestQuery(t, svc, TypeQuantityShortage, nil)

	updated, err := svc.UpdateStatus(ctx, q.ID, StatusInProgress, 5)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, updated.Status)

	resolvedAt := time.Date(2026, 8, 16, 11, 0, 0, 0, time.UTC)
	svc.WithNow(func() time.Time { return resolvedAt })
	updated, err = svc.UpdateStatus(ctx, q.ID, StatusResolved, 5)
	require.NoError(t, err)
	require.NotNil(t, updated.ResolvedAt)
	require.Equal(t, resolvedAt, *updated.ResolvedAt)

	updated, err = svc.UpdateStatus(ctx, q.ID, StatusClosed, 5)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, updated.Status)

	// Closed is terminal.
	_, err = svc.UpdateStatus(ctx, q.ID, StatusOpen, 5)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEscalateForcesCriticalPriority(t *testing.T) {
	repo, svc := newQueryFixture()
	svc.WithNow(func() time.Time { return time.Date(2026, 8, 16, 9, 15, 0, 0, time.UTC) })
	ctx := context.Background()
	q := raiseTestQuery(t, svc, TypeQuantityShortage, nil)

	escalated, err := svc.Escalate(ctx, q.ID, "no transporter response in 48h", 5)
	require.NoError(t, err)
	require.Equal(t, StatusEscalated, escalated.Status)
	require.Equal(t, PriorityCritical, escalated.Priority)

	stored, err := repo.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, stored.Responses, 1)
	require.Contains(t, stored.Responses[0].Message, "[2026-08-16 09:15] ESCALATED: no transporter response in 48h")

	// Escalated queries can still be resolved, not closed directly.
	_, err = svc.UpdateStatus(ctx, q.ID, StatusClosed, 5)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.UpdateStatus(ctx, q.ID, StatusResolved, 5)
	require.NoError(t, err)
}

func TestCalculateFinancialImpact(t *testing.T) {
	repo, svc := newQueryFixture()
	ctx := context.Background()
	lineID := int64(100)
	q := raiseTestQuery(t, svc, TypeQuantityShortage, &lineID)

	updated, created, err := svc.CalculateFinancialImpact(ctx, q.ID, 5)
	require.NoError(t, err)
	require.NotNil(t, created)
	require.NotNil(t, updated.ImpactID)
	require.Equal(t, created.ID, *updated.ImpactID)
	require.True(t, created.Amount.Equal(decimal.NewFromInt(80)))
	require.Equal(t, impact.TypeLossShortage, created.Type)
	require.True(t, created.IsRecoverable)
	require.Len(t, repo.impacts, 1)

	// Deriving twice is rejected and creates nothing further.
	_, _, err = svc.CalculateFinancialImpact(ctx, q.ID, 5)
	require.ErrorIs(t, err, ErrImpactAlreadyLinked)
	require.Len(t, repo.impacts, 1)

	stored, err := repo.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ImpactID)
}

func TestCalculateFinancialImpactGuards(t *testing.T) {
	repo, svc := newQueryFixture()
	ctx := context.Background()

	noLine := raiseTestQuery(t, svc, TypeQuantityShortage, nil)
	_, _, err := svc.CalculateFinancialImpact(ctx, noLine.ID, 5)
	require.ErrorIs(t, err, ErrLineRequired)

	// OTHER derives a zero amount; no impact is created and no id linked.
	lineID := int64(100)
	other := raiseTestQuery(t, svc, TypeOther, &lineID)
	updated, created, err := svc.CalculateFinancialImpact(ctx, other.ID, 5)
	require.NoError(t, err)
	require.Nil(t, created)
	require.Nil(t, updated.ImpactID)
	require.Empty(t, repo.impacts)
}

func TestCalculateFinancialImpactUnreceivedLine(t *testing.T) {
	_, svc := newQueryFixture()
	ctx := context.Background()

	// Line 101 has no received quantity; missing items price the full send.
	lineID := int64(101)
	q := raiseTestQuery(t, svc, TypeMissingItems, &lineID)
	_, created, err := svc.CalculateFinancialImpact(ctx, q.ID, 5)
	require.NoError(t, err)
	require.NotNil(t, created)
	require.True(t, created.Amount.Equal(decimal.NewFromInt(120)))
	require.False(t, created.IsRecoverable)
}

func TestCalculateFinancialImpactRollsBackWhenLinkFails(t *testing.T) {
	repo, svc := newQueryFixture()
	ctx := context.Background()
	lineID := int64(100)
	q := raiseTestQuery(t, svc, TypeQuantityShortage, &lineID)

	repo.updateErr = errors.New("link update failed")
	_, _, err := svc.CalculateFinancialImpact(ctx, q.ID, 5)
	require.Error(t, err)

	// A failed link must not leave an orphaned impact behind.
	require.Empty(t, repo.impacts)
	stored, err := repo.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	require.Nil(t, stored.ImpactID)

	// Once the fault clears, derivation goes through.
	repo.updateErr = nil
	updated, created, err := svc.CalculateFinancialImpact(ctx, q.ID, 5)
	require.NoError(t, err)
	require.NotNil(t, created)
	require.Equal(t, created.ID, *updated.ImpactID)
	require.Len(t, repo.impacts, 1)
}
