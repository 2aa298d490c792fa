package stock

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockward/stockward/internal/shared"
)

// MovementType enumerates stock affecting actions recorded in the movement log.
type MovementType string

const (
	// MovementReceipt is an inbound receipt at a branch (transfer line received).
	MovementReceipt MovementType = "RECEIPT"
	// MovementAdjustment is a positive correction from reconciliation approval.
	MovementAdjustment MovementType = "ADJUSTMENT"
	// MovementLoss is a negative correction from reconciliation approval.
	MovementLoss MovementType = "LOSS"
	// MovementTransferOut is an outbound movement when stock leaves a branch.
	MovementTransferOut MovementType = "TRANSFER_OUT"
)

// IsValid reports whether the movement type is known.
func (t MovementType) IsValid() bool {
	switch t {
	case MovementReceipt, MovementAdjustment, MovementLoss, MovementTransferOut:
		return true
	default:
		return false
	}
}

// Level summarises on-hand quantity per branch and product. A nil branch is
// never stored; the central warehouse is a branch row like any other.
type Level struct {
	BranchID  int64     `json:"branch_id" db:"branch_id"`
	ProductID int64     `json:"product_id" db:"product_id"`
	Qty       float64   `json:"qty" db:"qty"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Movement is one row of the append-only movement log. BalanceQty snapshots
// the level after the movement was applied.
type Movement struct {
	ID         int64            `json:"id" db:"id"`
	BranchID   int64            `json:"branch_id" db:"branch_id"`
	ProductID  int64            `json:"product_id" db:"product_id"`
	Type       MovementType     `json:"type" db:"type"`
	Qty        float64          `json:"qty" db:"qty"`
	UnitPrice  decimal.Decimal  `json:"unit_price" db:"unit_price"`
	BalanceQty float64          `json:"balance_qty" db:"balance_qty"`
	Ref        shared.Reference `json:"ref" db:"-"`
	Note       string           `json:"note" db:"note"`
	CreatedBy  int64            `json:"created_by" db:"created_by"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
}

// MovementInput describes a single stock mutation. Qty is signed; the
// movement type states the business meaning.
type MovementInput struct {
	BranchID  int64
	ProductID int64
	Type      MovementType
	Qty       float64
	UnitPrice decimal.Decimal
	Ref       shared.Reference
	Note      string
	ActorID   int64
}

// MovementFilter narrows movement log reads.
type MovementFilter struct {
	BranchID  int64
	ProductID int64
	From      time.Time
	To        time.Time
	Limit     int
}

// ErrNegativeStock triggered when a movement would drive the level negative.
var ErrNegativeStock = errors.New("stock: negative level not allowed")

// ErrInvalidQuantity indicates a zero or malformed quantity.
var ErrInvalidQuantity = errors.New("stock: quantity must be non zero")

// ErrInvalidMovementType indicates an unknown movement type.
var ErrInvalidMovementType = errors.New("stock: invalid movement type")
