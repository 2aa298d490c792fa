package stock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/stockward/stockward/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLevel(ctx context.Context, branchID, productID int64) (Level, error)
	GetMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns the stock levels and the movement log. It is the only writer;
// transfer receipt and reconciliation approval both go through Apply.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	allowNeg    bool
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeStock bool
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore, cfg ServiceConfig) *Service {
	return &Service{repo: repo, audit: audit, idempotency: idem, allowNeg: cfg.AllowNegativeStock}
}

// Apply records one movement and moves the level under a row lock, so
// concurrent transfers and reconciliations touching the same branch/product
// pair serialize on the level row instead of racing a read-modify-write.
func (s *Service) Apply(ctx context.Context, input MovementInput) (Movement, error) {
	if input.BranchID == 0 || input.ProductID == 0 {
		return Movement{}, errors.New("stock: branch and product required")
	}
	if !input.Type.IsValid() {
		return Movement{}, ErrInvalidMovementType
	}
	if math.Abs(input.Qty) < 1e-9 {
		return Movement{}, ErrInvalidQuantity
	}
	if err := input.Ref.Validate(); err != nil {
		return Movement{}, err
	}

	key := shared.NewIdempotencyKey("stock", input.Type, input.Ref, input.BranchID, input.ProductID)
	insertedKey := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "stock"); err != nil {
			return Movement{}, err
		}
		insertedKey = true
	}

	now := time.Now().UTC()
	var out Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		level, err := tx.GetLevelForUpdate(ctx, input.BranchID, input.ProductID)
		if err != nil && !errors.Is(err, ErrLevelNotFound) {
			return err
		}
		if errors.Is(err, ErrLevelNotFound) {
			level = Level{BranchID: input.BranchID, ProductID: input.ProductID}
		}
		newQty := level.Qty + input.Qty
		if math.Abs(newQty) < 0.0001 {
			newQty = 0
		}
		if !s.allowNeg && newQty < -0.0001 {
			return ErrNegativeStock
		}
		movement := Movement{
			BranchID:   input.BranchID,
			ProductID:  input.ProductID,
			Type:       input.Type,
			Qty:        input.Qty,
			UnitPrice:  input.UnitPrice,
			BalanceQty: newQty,
			Ref:        input.Ref,
			Note:       input.Note,
			CreatedBy:  input.ActorID,
			CreatedAt:  now,
		}
		id, err := tx.InsertMovement(ctx, movement)
		if err != nil {
			return err
		}
		movement.ID = id
		level.Qty = newQty
		if err := tx.UpsertLevel(ctx, level); err != nil {
			return err
		}
		out = movement
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Movement{}, err
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   fmt.Sprintf("stock:%s", input.Type),
			Entity:   "stock_movement",
			EntityID: fmt.Sprintf("%d", out.ID),
			Meta: map[string]any{
				"branch_id":  input.BranchID,
				"product_id": input.ProductID,
				"qty":        input.Qty,
				"ref":        input.Ref.String(),
			},
		})
	}
	return out, nil
}

// GetLevel returns the current on-hand level.
func (s *Service) GetLevel(ctx context.Context, branchID, productID int64) (Level, error) {
	if branchID == 0 || productID == 0 {
		return Level{}, errors.New("stock: branch and product required")
	}
	return s.repo.GetLevel(ctx, branchID, productID)
}

// GetMovements lists movement log entries.
func (s *Service) GetMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.BranchID == 0 || filter.ProductID == 0 {
		return nil, errors.New("stock: branch and product required")
	}
	return s.repo.GetMovements(ctx, filter)
}
