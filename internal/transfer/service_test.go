package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockward/stockward/internal/stock"
)

type levelKey struct {
	branchID  int64
	productID int64
}

type memoryTransferRepo struct {
	transfers   map[int64]Transfer
	lines       map[int64]Line
	levels      map[levelKey]float64
	movements   []stock.Movement
	movementErr error
	nextID      int64
	nextLineID  int64
}

func newMemoryTransferRepo() *memoryTransferRepo {
	return &memoryTransferRepo{
		transfers: make(map[int64]Transfer),
		lines:     make(map[int64]Line),
		levels:    make(map[levelKey]float64),
	}
}

type memoryTransferTx struct {
	repo *memoryTransferRepo
}

// WithTx snapshots state up front and restores it when the callback fails,
// matching the all-or-nothing commit of the real repository.
func (r *memoryTransferRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	transfers := make(map[int64]Transfer, len(r.transfers))
	for k, v := range r.transfers {
		transfers[k] = v
	}
	lines := make(map[int64]Line, len(r.lines))
	for k, v := range r.lines {
		lines[k] = v
	}
	levels := make(map[levelKey]float64, len(r.levels))
	for k, v := range r.levels {
		levels[k] = v
	}
	movements := append([]stock.Movement(nil), r.movements...)
	nextID, nextLineID := r.nextID, r.nextLineID

	if err := fn(ctx, &memoryTransferTx{repo: r}); err != nil {
		r.transfers, r.lines, r.levels, r.movements = transfers, lines, levels, movements
		r.nextID, r.nextLineID = nextID, nextLineID
		return err
	}
	return nil
}

func (r *memoryTransferRepo) GetTransfer(ctx context.Context, id int64) (Transfer, error) {
	t, ok := r.transfers[id]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	t.Lines = nil
	for _, line := range r.lines {
		if line.TransferID == id {
			t.Lines = append(t.Lines, line)
		}
	}
	sort.Slice(t.Lines, func(i, j int) bool { return t.Lines[i].ID < t.Lines[j].ID })
	return t, nil
}

func (r *memoryTransferRepo) ListTransfers(ctx context.Context, filter ListFilter) ([]Transfer, error) {
	out := []Transfer{}
	for _, t := range r.transfers {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *memoryTransferRepo) ListOverdue(ctx context.Context, now time.Time) ([]Transfer, error) {
	out := []Transfer{}
	for _, t := range r.transfers {
		if t.IsOverdue(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (t *memoryTransferTx) InsertTransfer(ctx context.Context, tr Transfer) (int64, error) {
	for _, existing := range t.repo.transfers {
		if existing.Number == tr.Number {
			return 0, ErrNumberTaken
		}
	}
	t.repo.nextID++
	tr.ID = t.repo.nextID
	tr.Lines = nil
	t.repo.transfers[tr.ID] = tr
	return tr.ID, nil
}

func (t *memoryTransferTx) InsertLine(ctx context.Context, line Line) (int64, error) {
	t.repo.nextLineID++
	line.ID = t.repo.nextLineID
	t.repo.lines[line.ID] = line
	return line.ID, nil
}

func (t *memoryTransferTx) GetTransferForUpdate(ctx context.Context, id int64) (Transfer, error) {
	tr, ok := t.repo.transfers[id]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	return tr, nil
}

func (t *memoryTransferTx) UpdateStatus(ctx context.Context, tr Transfer) error {
	stored, ok := t.repo.transfers[tr.ID]
	if !ok {
		return ErrTransferNotFound
	}
	stored.Status = tr.Status
	stored.DispatchDate = tr.DispatchDate
	stored.DeliveredDate = tr.DeliveredDate
	stored.ConfirmedDate = tr.ConfirmedDate
	t.repo.transfers[tr.ID] = stored
	return nil
}

func (t *memoryTransferTx) GetLineForUpdate(ctx context.Context, id int64) (Line, error) {
	line, ok := t.repo.lines[id]
	if !ok {
		return Line{}, ErrLineNotFound
	}
	return line, nil
}

func (t *memoryTransferTx) UpdateLineReceived(ctx context.Context, line Line) error {
	if _, ok := t.repo.lines[line.ID]; !ok {
		return ErrLineNotFound
	}
	t.repo.lines[line.ID] = line
	return nil
}

func (t *memoryTransferTx) AdjustLevel(ctx context.Context, branchID, productID int64, delta float64) (float64, error) {
	key := levelKey{branchID, productID}
	t.repo.levels[key] += delta
	return t.repo.levels[key], nil
}

func (t *memoryTransferTx) InsertMovement(ctx context.Context, m stock.Movement) (int64, error) {
	if t.repo.movementErr != nil {
		return 0, t.repo.movementErr
	}
	m.ID = int64(len(t.repo.movements) + 1)
	t.repo.movements = append(t.repo.movements, m)
	return m.ID, nil
}

type fixedSequencer struct {
	n int64
}

func (s *fixedSequencer) NextNumber(ctx context.Context, prefix string, at time.Time) (string, error) {
	s.n++
	return fmt.Sprintf("%s-202608-%04d", prefix, s.n), nil
}

type recordingEvents struct {
	confirmed []ConfirmedEvent
}

func (e *recordingEvents) PublishTransferConfirmed(ctx context.Context, ev ConfirmedEvent) error {
	e.confirmed = append(e.confirmed, ev)
	return nil
}

func newTestService(repo *memoryTransferRepo, events EventPort) *Service {
	return NewService(repo, &fixedSequencer{}, nil, events)
}

func createTestTransfer(t *testing.T, svc *Service) Transfer {
	t.Helper()
	created, err := svc.Create(context.Background(), CreateInput{
		ToBranchID: 4,
		Notes:      "weekly replenishment",
		Lines: []CreateLineInput{
			{ProductID: 11, QtySent: 100, UnitPrice: decimal.NewFromInt(10)},
			{ProductID: 12, QtySent: 40, UnitPrice: decimal.NewFromFloat(2.5)},
		},
		ActorID: 9,
	})
	require.NoError(t, err)
	return created
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusInTransit, true},
		{StatusPending, StatusDelivered, false},
		{StatusPending, StatusConfirmed, false},
		{StatusPending, StatusCancelled, true},
		{StatusInTransit, StatusDelivered, true},
		{StatusInTransit, StatusPending, false},
		{StatusDelivered, StatusConfirmed, true},
		{StatusDelivered, StatusInTransit, false},
		{StatusConfirmed, StatusCancelled, false},
		{StatusConfirmed, StatusConfirmed, false},
		{StatusCancelled, StatusInTransit, false},
		{StatusDelivered, StatusDelivered, true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCreateComputesLineTotals(t *testing.T) {
	repo := newMemoryTransferRepo()
	svc := newTestService(repo, nil)

	created := createTestTransfer(t, svc)
	require.Equal(t, StatusPending, created.Status)
	require.Len(t, created.Lines, 2)
	require.True(t, created.Lines[0].TotalValue.Equal(decimal.NewFromInt(1000)))
	require.True(t, created.Lines[1].TotalValue.Equal(decimal.NewFromInt(100)))
	require.True(t, created.TotalValue.Equal(decimal.NewFromInt(1100)))
}

func TestCreateValidatesInput(t *testing.T) {
	svc := newTestService(newMemoryTransferRepo(), nil)
	ctx := context.Background()

	from := int64(4)
	_, err := svc.Create(ctx, CreateInput{FromBranchID: &from, ToBranchID: 4, Lines: []CreateLineInput{{ProductID: 1, QtySent: 1}}})
	require.ErrorIs(t, err, ErrSameBranch)

	_, err = svc.Create(ctx, CreateInput{ToBranchID: 4})
	require.ErrorIs(t, err, ErrNoLines)

	_, err = svc.Create(ctx, CreateInput{ToBranchID: 4, Lines: []CreateLineInput{{ProductID: 1, QtySent: 0}}})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestMilestoneDatesStampOnce(t *testing.T) {
	repo := newMemoryTransferRepo()
	events := &recordingEvents{}
	svc := newTestService(repo, events)

	dispatchAt := time.Date(2026, 8, 10, 8, 0, 0, 0, time.UTC)
	svc.WithNow(func() time.Time { return dispatchAt })

	created := createTestTransfer(t, svc)

	updated, err := svc.UpdateStatus(context.Background(), created.ID, StatusInTransit, 9)
	require.NoError(t, err)
	require.NotNil(t, updated.DispatchDate)
	require.Equal(t, dispatchAt, *updated.DispatchDate)
	require.Nil(t, updated.DeliveredDate)

	// Re-entering the same status is a no-op and must not move the date.
	laterAt := dispatchAt.Add(6 * time.Hour)
	svc.WithNow(func() time.Time { return laterAt })
	updated, err = svc.UpdateStatus(context.Background(), created.ID, StatusInTransit, 9)
	require.NoError(t, err)
	require.Equal(t, dispatchAt, *updated.DispatchDate)

	updated, err = svc.UpdateStatus(context.Background(), created.ID, StatusDelivered, 9)
	require.NoError(t, err)
	require.Equal(t, dispatchAt, *updated.DispatchDate)
	require.Equal(t, laterAt, *updated.DeliveredDate)

	updated, err = svc.UpdateStatus(context.Background(), created.ID, StatusConfirmed, 9)
	require.NoError(t, err)
	require.NotNil(t, updated.ConfirmedDate)
	require.Len(t, events.confirmed, 1)
	require.Equal(t, created.ID, events.confirmed[0].TransferID)

	// Confirmed is terminal.
	_, err = svc.UpdateStatus(context.Background(), created.ID, StatusCancelled, 9)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStatusCannotSkipSteps(t *testing.T) {
	repo := newMemoryTransferRepo()
	svc := newTestService(repo, nil)
	created := createTestTransfer(t, svc)

	_, err := svc.UpdateStatus(context.Background(), created.ID, StatusDelivered, 9)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.UpdateStatus(context.Background(), created.ID, StatusConfirmed, 9)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReceiveLinePostsStock(t *testing.T) {
	repo := newMemoryTransferRepo()
	svc := newTestService(repo, nil)
	created := createTestTransfer(t, svc)

	line, err := svc.ReceiveLine(context.Background(), ReceiveLineInput{
		TransferID: created.ID,
		LineID:     created.Lines[0].ID,
		Qty:        92,
		Notes:      "two cartons damaged",
		ActorID:    5,
	})
	require.NoError(t, err)
	require.NotNil(t, line.QtyReceived)
	require.Equal(t, 92.0, *line.QtyReceived)
	require.Contains(t, line.Notes, "two cartons damaged")

	require.Equal(t, 92.0, repo.levels[levelKey{created.ToBranchID, line.ProductID}])
	require.Len(t, repo.movements, 1)
	posted := repo.movements[0]
	require.Equal(t, created.ToBranchID, posted.BranchID)
	require.Equal(t, line.ProductID, posted.ProductID)
	require.Equal(t, stock.MovementReceipt, posted.Type)
	require.Equal(t, 92.0, posted.Qty)
	require.Equal(t, 92.0, posted.BalanceQty)
}

func TestReceiveLineZeroQtySkipsStock(t *testing.T) {
	repo := newMemoryTransferRepo()
	svc := newTestService(repo, nil)
	created := createTestTransfer(t, svc)

	line, err := svc.ReceiveLine(context.Background(), ReceiveLineInput{
		TransferID: created.ID,
		LineID:     created.Lines[0].ID,
		Qty:        0,
		ActorID:    5,
	})
	require.NoError(t, err)
	require.NotNil(t, line.QtyReceived)
	require.Zero(t, *line.QtyReceived)
	require.Empty(t, repo.movements)
}

func TestReceiveLineGuards(t *testing.T) {
	repo := newMemoryTransferRepo()
	svc := newTestService(repo, nil)
	created := createTestTransfer(t, svc)
	ctx := context.Background()

	_, err := svc.ReceiveLine(ctx, ReceiveLineInput{TransferID: created.ID, LineID: created.Lines[0].ID, Qty: -1})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.ReceiveLine(ctx, ReceiveLineInput{TransferID: created.ID, LineID: created.Lines[0].ID, Qty: 50})
	require.NoError(t, err)
	_, err = svc.ReceiveLine(ctx, ReceiveLineInput{TransferID: created.ID, LineID: created.Lines[0].ID, Qty: 50})
	require.ErrorIs(t, err, ErrLineAlreadyReceived)
	require.Len(t, repo.movements, 1)

	other := createTestTransfer(t, svc)
	_, err = svc.ReceiveLine(ctx, ReceiveLineInput{TransferID: other.ID, LineID: created.Lines[1].ID, Qty: 10})
	require.ErrorIs(t, err, ErrLineNotFound)

	_, err = svc.UpdateStatus(ctx, other.ID, StatusCancelled, 9)
	require.NoError(t, err)
	_, err = svc.ReceiveLine(ctx, ReceiveLineInput{TransferID: other.ID, LineID: other.Lines[0].ID, Qty: 10})
	require.ErrorIs(t, err, ErrTransferCancelled)
}

func TestReceiveLineRollsBackWhenStockPostingFails(t *testing.T) {
	repo := newMemoryTransferRepo()
	svc := newTestService(repo, nil)
	created := createTestTransfer(t, svc)
	ctx := context.Background()

	repo.movementErr = errors.New("movement insert failed")
	_, err := svc.ReceiveLine(ctx, ReceiveLineInput{
		TransferID: created.ID,
		LineID:     created.Lines[0].ID,
		Qty:        92,
		ActorID:    5,
	})
	require.Error(t, err)

	// The failed posting must leave the line unreceived, the level untouched
	// and no movement behind.
	stored, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Nil(t, stored.Lines[0].QtyReceived)
	require.Empty(t, repo.movements)
	require.Zero(t, repo.levels[levelKey{created.ToBranchID, created.Lines[0].ProductID}])

	// Once the fault clears, the same receipt goes through.
	repo.movementErr = nil
	line, err := svc.ReceiveLine(ctx, ReceiveLineInput{
		TransferID: created.ID,
		LineID:     created.Lines[0].ID,
		Qty:        92,
		ActorID:    5,
	})
	require.NoError(t, err)
	require.NotNil(t, line.QtyReceived)
	require.Equal(t, 92.0, *line.QtyReceived)
	require.Len(t, repo.movements, 1)
}

func TestListOverdue(t *testing.T) {
	repo := newMemoryTransferRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	past := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	overdue, err := svc.Create(ctx, CreateInput{
		ToBranchID:       4,
		ExpectedDelivery: &past,
		Lines:            []CreateLineInput{{ProductID: 1, QtySent: 5, UnitPrice: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)

	future := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = svc.Create(ctx, CreateInput{
		ToBranchID:       4,
		ExpectedDelivery: &future,
		Lines:            []CreateLineInput{{ProductID: 1, QtySent: 5, UnitPrice: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)

	svc.WithNow(func() time.Time { return time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC) })
	late, err := svc.ListOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, late, 1)
	require.Equal(t, overdue.ID, late[0].ID)
}
