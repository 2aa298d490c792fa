package impact

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockward/stockward/internal/ledger"
	"github.com/stockward/stockward/internal/shared"
)

type memoryImpactRepo struct {
	impacts map[int64]Impact
	nextID  int64
}

func newMemoryImpactRepo() *memoryImpactRepo {
	return &memoryImpactRepo{impacts: make(map[int64]Impact)}
}

type memoryImpactTx struct {
	repo *memoryImpactRepo
}

func (r *memoryImpactRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryImpactTx{repo: r})
}

func (r *memoryImpactRepo) GetImpact(ctx context.Context, id int64) (Impact, error) {
	impact, ok := r.impacts[id]
	if !ok {
		return Impact{}, ErrImpactNotFound
	}
	return impact, nil
}

func (r *memoryImpactRepo) ListByRef(ctx context.Context, ref shared.Reference) ([]Impact, error) {
	out := []Impact{}
	for _, impact := range r.impacts {
		if impact.Ref == ref {
			out = append(out, impact)
		}
	}
	return out, nil
}

func (r *memoryImpactRepo) SummaryByType(ctx context.Context, filter SummaryFilter) ([]Summary, error) {
	grouped := map[string]*Summary{}
	for _, impact := range r.impacts {
		key := string(impact.Type)
		s, ok := grouped[key]
		if !ok {
			s = &Summary{Key: key, Total: decimal.Zero, Recovered: decimal.Zero}
			grouped[key] = s
		}
		s.Total = s.Total.Add(impact.Amount)
		s.Recovered = s.Recovered.Add(impact.RecoveredAmount)
		s.Count++
	}
	out := []Summary{}
	for _, s := range grouped {
		out = append(out, *s)
	}
	return out, nil
}

func (r *memoryImpactRepo) SummaryByCategory(ctx context.Context, filter SummaryFilter) ([]Summary, error) {
	return nil, nil
}

func (r *memoryImpactRepo) OutstandingRecoverable(ctx context.Context) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, impact := range r.impacts {
		if impact.IsRecoverable {
			total = total.Add(impact.Amount.Sub(impact.RecoveredAmount))
		}
	}
	return total, nil
}

func (t *memoryImpactTx) InsertImpact(ctx context.Context, input CreateInput) (Impact, error) {
	t.repo.nextID++
	impact := Impact{
		ID:              t.repo.nextID,
		Type:            input.Type,
		Category:        input.Category,
		Amount:          input.Amount,
		IsRecoverable:   input.IsRecoverable,
		RecoveredAmount: decimal.Zero,
		Ref:             input.Ref,
		BranchID:        input.BranchID,
		Description:     input.Description,
		OccurredAt:      input.OccurredAt,
		CreatedBy:       input.ActorID,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	t.repo.impacts[impact.ID] = impact
	return impact, nil
}

func (t *memoryImpactTx) GetImpactForUpdate(ctx context.Context, id int64) (Impact, error) {
	return t.repo.GetImpact(ctx, id)
}

func (t *memoryImpactTx) UpdateRecovery(ctx context.Context, id int64, recovered decimal.Decimal, notes string) error {
	impact, ok := t.repo.impacts[id]
	if !ok {
		return ErrImpactNotFound
	}
	impact.RecoveredAmount = recovered
	impact.RecoveryNotes = notes
	impact.UpdatedAt = time.Now()
	t.repo.impacts[id] = impact
	return nil
}

func (t *memoryImpactTx) MarkPosted(ctx context.Context, id int64, at time.Time) error {
	impact, ok := t.repo.impacts[id]
	if !ok {
		return ErrImpactNotFound
	}
	if impact.GLPostedAt != nil {
		return ErrAlreadyPosted
	}
	impact.GLPostedAt = &at
	t.repo.impacts[id] = impact
	return nil
}

type recordingLedger struct {
	postings []ledger.PostingInput
}

func (l *recordingLedger) PostDoubleEntry(ctx context.Context, input ledger.PostingInput) (ledger.Entry, ledger.Entry, error) {
	l.postings = append(l.postings, input)
	return ledger.Entry{ID: 1}, ledger.Entry{ID: 2}, nil
}

func createTestImpact(t *testing.T, svc *Service, amount int64, recoverable bool) Impact {
	t.Helper()
	impact, err := svc.Create(context.Background(), CreateInput{
		Type:          TypeLossShortage,
		Category:      CategoryDirectLoss,
		Amount:        decimal.NewFromInt(amount),
		IsRecoverable: recoverable,
		Ref:           shared.Reference{Kind: shared.RefTransferLine, ID: 7},
		Description:   "missing cartons",
		OccurredAt:    time.Date(2026, 8, 12, 9, 0, 0, 0, time.UTC),
		ActorID:       3,
	})
	require.NoError(t, err)
	return impact
}

func TestCreateValidation(t *testing.T) {
	svc := NewService(newMemoryImpactRepo(), nil, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{
		Type:       Type("BOGUS"),
		Category:   CategoryDirectLoss,
		Amount:     decimal.NewFromInt(10),
		Ref:        shared.Reference{Kind: shared.RefQuery, ID: 1},
		OccurredAt: time.Now(),
	})
	require.Error(t, err)

	_, err = svc.Create(ctx, CreateInput{
		Type:       TypeLossDamaged,
		Category:   CategoryDirectLoss,
		Amount:     decimal.NewFromInt(-5),
		Ref:        shared.Reference{Kind: shared.RefQuery, ID: 1},
		OccurredAt: time.Now(),
	})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRecordRecoveryCeiling(t *testing.T) {
	repo := newMemoryImpactRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	impact := createTestImpact(t, svc, 100, true)

	updated, err := svc.RecordRecovery(ctx, impact.ID, decimal.NewFromInt(30), "insurance", 3)
	require.NoError(t, err)
	require.True(t, updated.RecoveredAmount.Equal(decimal.NewFromInt(30)))

	updated, err = svc.RecordRecovery(ctx, impact.ID, decimal.NewFromInt(40), "transporter", 3)
	require.NoError(t, err)
	require.True(t, updated.RecoveredAmount.Equal(decimal.NewFromInt(70)))
	require.True(t, updated.IsPartiallyRecovered())
	require.False(t, updated.IsFullyRecovered())
	require.True(t, updated.NetImpact().Equal(decimal.NewFromInt(30)))

	// 70 + 40 would exceed 100; the record stays at 70.
	_, err = svc.RecordRecovery(ctx, impact.ID, decimal.NewFromInt(40), "", 3)
	require.ErrorIs(t, err, ErrRecoveryExceedsImpact)
	current, err := svc.Get(ctx, impact.ID)
	require.NoError(t, err)
	require.True(t, current.RecoveredAmount.Equal(decimal.NewFromInt(70)))

	updated, err = svc.RecordRecovery(ctx, impact.ID, decimal.NewFromInt(30), "final settlement", 3)
	require.NoError(t, err)
	require.True(t, updated.IsFullyRecovered())
	require.True(t, updated.RecoveryPercentage().Equal(decimal.NewFromInt(100)))
}

func TestRecoveryNotesAppendOnly(t *testing.T) {
	repo := newMemoryImpactRepo()
	svc := NewService(repo, nil, nil)
	svc.WithNow(func() time.Time { return time.Date(2026, 8, 15, 10, 30, 0, 0, time.UTC) })
	ctx := context.Background()

	impact := createTestImpact(t, svc, 100, true)

	_, err := svc.RecordRecovery(ctx, impact.ID, decimal.NewFromInt(20), "first claim", 3)
	require.NoError(t, err)
	updated, err := svc.RecordRecovery(ctx, impact.ID, decimal.NewFromInt(10), "second claim", 3)
	require.NoError(t, err)

	lines := strings.Split(updated.RecoveryNotes, "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "recovered 20: first claim")
	require.Contains(t, lines[1], "recovered 10: second claim")
	require.Contains(t, lines[0], "[2026-08-15 10:30]")
}

func TestPostToLedgerOnce(t *testing.T) {
	repo := newMemoryImpactRepo()
	gl := &recordingLedger{}
	svc := NewService(repo, gl, nil)
	ctx := context.Background()

	impact := createTestImpact(t, svc, 250, false)

	posted, err := svc.PostToLedger(ctx, impact.ID, 51, 12, 3)
	require.NoError(t, err)
	require.NotNil(t, posted.GLPostedAt)
	require.Len(t, gl.postings, 1)
	require.Equal(t, int64(51), gl.postings[0].DebitAccountID)
	require.Equal(t, int64(12), gl.postings[0].CreditAccountID)
	require.True(t, gl.postings[0].Amount.Equal(decimal.NewFromInt(250)))
	require.Equal(t, shared.Reference{Kind: shared.RefImpact, ID: impact.ID}, gl.postings[0].Ref)

	_, err = svc.PostToLedger(ctx, impact.ID, 51, 12, 3)
	require.ErrorIs(t, err, ErrAlreadyPosted)
	require.Len(t, gl.postings, 1)
}

func TestOutstandingRecoverable(t *testing.T) {
	repo := newMemoryImpactRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	recoverable := createTestImpact(t, svc, 100, true)
	createTestImpact(t, svc, 999, false)

	_, err := svc.RecordRecovery(ctx, recoverable.ID, decimal.NewFromInt(25), "", 3)
	require.NoError(t, err)

	outstanding, err := svc.OutstandingRecoverable(ctx)
	require.NoError(t, err)
	require.True(t, outstanding.Equal(decimal.NewFromInt(75)), "got %s", outstanding)
}
