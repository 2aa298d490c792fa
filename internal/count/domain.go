package count

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus represents the lifecycle of a physical count session.
type SessionStatus string

const (
	SessionOpen      SessionStatus = "OPEN"      // Counting in progress
	SessionCompleted SessionStatus = "COMPLETED" // Frozen, ready for reconciliation
)

// IsValid checks if the status is valid.
func (s SessionStatus) IsValid() bool {
	return s == SessionOpen || s == SessionCompleted
}

// Session is one physical stock count at a branch. Items freeze when the
// session completes; a reconciliation can then be opened from it.
type Session struct {
	ID          int64         `json:"id" db:"id"`
	Number      string        `json:"number" db:"number"`
	BranchID    int64         `json:"branch_id" db:"branch_id"`
	Status      SessionStatus `json:"status" db:"status"`
	CountedBy   int64         `json:"counted_by" db:"counted_by"`
	Note        string        `json:"note" db:"note"`
	StartedAt   time.Time     `json:"started_at" db:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
	Items       []Item        `json:"items,omitempty" db:"-"`
}

// Item is the per-product outcome of a session. SystemQty snapshots the book
// quantity at the first scan; CountedQty accumulates over repeated scans of
// the same product and batch.
type Item struct {
	ID         int64           `json:"id" db:"id"`
	SessionID  int64           `json:"session_id" db:"session_id"`
	ProductID  int64           `json:"product_id" db:"product_id"`
	BatchNo    *string         `json:"batch_no,omitempty" db:"batch_no"`
	SystemQty  float64         `json:"system_qty" db:"system_qty"`
	CountedQty float64         `json:"counted_qty" db:"counted_qty"`
	UnitCost   decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// ScanRecord is one append-only scan event inside a session. The item rows
// are derived; the scan log is the raw capture.
type ScanRecord struct {
	ID        int64     `json:"id" db:"id"`
	SessionID int64     `json:"session_id" db:"session_id"`
	ProductID int64     `json:"product_id" db:"product_id"`
	BatchNo   *string   `json:"batch_no,omitempty" db:"batch_no"`
	Qty       float64   `json:"qty" db:"qty"`
	ScannedBy int64     `json:"scanned_by" db:"scanned_by"`
	ScannedAt time.Time `json:"scanned_at" db:"scanned_at"`
}

// StartInput captures session creation input.
type StartInput struct {
	BranchID int64
	Note     string
	ActorID  int64
}

// Validate ensures correctness.
func (in StartInput) Validate() error {
	if in.BranchID <= 0 {
		return errors.New("count: branch required")
	}
	if in.ActorID <= 0 {
		return errors.New("count: counted by required")
	}
	return nil
}

// RecordInput captures one scan.
type RecordInput struct {
	SessionID int64
	ProductID int64
	BatchNo   *string
	Qty       float64
	UnitCost  decimal.Decimal
	ActorID   int64
}

// Validate ensures correctness.
func (in RecordInput) Validate() error {
	if in.SessionID <= 0 {
		return errors.New("count: session required")
	}
	if in.ProductID <= 0 {
		return errors.New("count: product required")
	}
	if in.Qty < 0 {
		return ErrInvalidQuantity
	}
	if in.UnitCost.IsNegative() {
		return errors.New("count: unit cost must not be negative")
	}
	return nil
}

var (
	// ErrSessionNotFound occurs when a session id does not resolve.
	ErrSessionNotFound = errors.New("count: session not found")
	// ErrSessionCompleted occurs when scanning into a completed session.
	ErrSessionCompleted = errors.New("count: session already completed")
	// ErrSessionNotCompleted occurs when a consumer needs a frozen session.
	ErrSessionNotCompleted = errors.New("count: session not completed")
	// ErrItemNotFound occurs when no item exists for a product and batch.
	ErrItemNotFound = errors.New("count: item not found")
	// ErrInvalidQuantity occurs on a negative counted quantity.
	ErrInvalidQuantity = errors.New("count: quantity must not be negative")
	// ErrNumberTaken signals a document number collision, retried internally.
	ErrNumberTaken = errors.New("count: number already taken")
)
