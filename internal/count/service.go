package count

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stockward/stockward/internal/shared"
	"github.com/stockward/stockward/internal/stock"
)

// numberAttempts bounds collision retries on document numbers.
const numberAttempts = 5

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSession(ctx context.Context, id int64) (Session, error)
	ListScans(ctx context.Context, sessionID int64) ([]ScanRecord, error)
}

// StockPort reads the book quantity snapshot at first scan.
type StockPort interface {
	GetLevel(ctx context.Context, branchID, productID int64) (stock.Level, error)
}

// SequencerPort hands out document numbers.
type SequencerPort interface {
	NextNumber(ctx context.Context, prefix string, at time.Time) (string, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns physical count sessions and their scan log.
type Service struct {
	repo  RepositoryPort
	stock StockPort
	seq   SequencerPort
	audit AuditPort
	now   func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, stockPort StockPort, seq SequencerPort, audit AuditPort) *Service {
	return &Service{repo: repo, stock: stockPort, seq: seq, audit: audit, now: time.Now}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Start opens a new count session at a branch.
func (s *Service) Start(ctx context.Context, input StartInput) (Session, error) {
	if err := input.Validate(); err != nil {
		return Session{}, err
	}
	now := s.now()
	var created Session
	var err error
	for attempt := 0; attempt < numberAttempts; attempt++ {
		created, err = s.startOnce(ctx, input, now)
		if errors.Is(err, ErrNumberTaken) {
			continue
		}
		break
	}
	if err != nil {
		return Session{}, err
	}
	s.recordAudit(ctx, input.ActorID, "count.start", created.ID, map[string]any{
		"number": created.Number,
		"branch": input.BranchID,
	})
	return created, nil
}

func (s *Service) startOnce(ctx context.Context, input StartInput, now time.Time) (Session, error) {
	number, err := s.seq.NextNumber(ctx, "CNT", now)
	if err != nil {
		return Session{}, fmt.Errorf("count: numbering failed: %w", err)
	}
	session := Session{
		Number:    number,
		BranchID:  input.BranchID,
		Status:    SessionOpen,
		CountedBy: input.ActorID,
		Note:      input.Note,
		StartedAt: now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertSession(ctx, session)
		if err != nil {
			return err
		}
		session.ID = id
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	session.CreatedAt = now
	session.UpdatedAt = now
	return session, nil
}

// Record captures one scan. The scan log row is always appended; the item row
// is created on the first scan of a product and batch (snapshotting the book
// quantity at that moment) and accumulates the counted quantity on re-scans.
func (s *Service) Record(ctx context.Context, input RecordInput) (Item, error) {
	if err := input.Validate(); err != nil {
		return Item{}, err
	}
	now := s.now()
	var out Item
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := tx.GetSessionForUpdate(ctx, input.SessionID)
		if err != nil {
			return err
		}
		if session.Status != SessionOpen {
			return ErrSessionCompleted
		}
		item, err := tx.GetItemForUpdate(ctx, input.SessionID, input.ProductID, input.BatchNo)
		switch {
		case errors.Is(err, ErrItemNotFound):
			systemQty := 0.0
			level, lvlErr := s.stock.GetLevel(ctx, session.BranchID, input.ProductID)
			if lvlErr == nil {
				systemQty = level.Qty
			} else if !errors.Is(lvlErr, stock.ErrLevelNotFound) {
				return lvlErr
			}
			item = Item{
				SessionID:  input.SessionID,
				ProductID:  input.ProductID,
				BatchNo:    input.BatchNo,
				SystemQty:  systemQty,
				CountedQty: input.Qty,
				UnitCost:   input.UnitCost,
			}
			id, err := tx.InsertItem(ctx, item)
			if err != nil {
				return err
			}
			item.ID = id
		case err != nil:
			return err
		default:
			item.CountedQty += input.Qty
			if err := tx.UpdateItemCount(ctx, item.ID, item.CountedQty); err != nil {
				return err
			}
		}
		scan := ScanRecord{
			SessionID: input.SessionID,
			ProductID: input.ProductID,
			BatchNo:   input.BatchNo,
			Qty:       input.Qty,
			ScannedBy: input.ActorID,
			ScannedAt: now,
		}
		if _, err := tx.InsertScan(ctx, scan); err != nil {
			return err
		}
		out = item
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	return out, nil
}

// Complete freezes the session. Further scans are rejected; a reconciliation
// can now be opened from it.
func (s *Service) Complete(ctx context.Context, id int64, actorID int64) (Session, error) {
	now := s.now()
	var completed Session
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := tx.GetSessionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if session.Status != SessionOpen {
			return ErrSessionCompleted
		}
		if err := tx.CompleteSession(ctx, id, now); err != nil {
			return err
		}
		session.Status = SessionCompleted
		session.CompletedAt = &now
		completed = session
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	s.recordAudit(ctx, actorID, "count.complete", id, nil)
	return completed, nil
}

// Get fetches one session with items.
func (s *Service) Get(ctx context.Context, id int64) (Session, error) {
	return s.repo.GetSession(ctx, id)
}

// Scans returns the raw scan log for one session.
func (s *Service) Scans(ctx context.Context, sessionID int64) ([]ScanRecord, error) {
	return s.repo.ListScans(ctx, sessionID)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "count_session",
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
		At:       s.now(),
	})
}
