package transfer

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of a stock transfer.
type Status string

const (
	StatusPending   Status = "PENDING"    // Created, goods not yet dispatched
	StatusInTransit Status = "IN_TRANSIT" // Dispatched from source
	StatusDelivered Status = "DELIVERED"  // Arrived at destination
	StatusConfirmed Status = "CONFIRMED"  // Receipt confirmed, transfer immutable
	StatusCancelled Status = "CANCELLED"  // Cancelled, transfer immutable
)

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInTransit, StatusDelivered, StatusConfirmed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusCancelled
}

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusInTransit: 1,
	StatusDelivered: 2,
	StatusConfirmed: 3,
}

// CanTransitionTo reports whether moving to next is allowed. The main chain
// advances one step at a time; cancellation is allowed from any non-terminal
// state; re-entering the current status is a permitted no-op.
func (s Status) CanTransitionTo(next Status) bool {
	if !next.IsValid() {
		return false
	}
	if next == s {
		return !s.IsTerminal()
	}
	if next == StatusCancelled {
		return !s.IsTerminal()
	}
	if s.IsTerminal() {
		return false
	}
	return statusRank[next] == statusRank[s]+1
}

// Transfer moves goods between two branches. A nil FromBranchID means the
// central warehouse. Milestone dates are stamped on the first entry into the
// matching status and never reset.
type Transfer struct {
	ID               int64           `json:"id" db:"id"`
	Number           string          `json:"number" db:"number"`
	FromBranchID     *int64          `json:"from_branch_id,omitempty" db:"from_branch_id"`
	ToBranchID       int64           `json:"to_branch_id" db:"to_branch_id"`
	SubDestination   *string         `json:"sub_destination,omitempty" db:"sub_destination"`
	Status           Status          `json:"status" db:"status"`
	ExpectedDelivery *time.Time      `json:"expected_delivery,omitempty" db:"expected_delivery"`
	DispatchDate     *time.Time      `json:"dispatch_date,omitempty" db:"dispatch_date"`
	DeliveredDate    *time.Time      `json:"delivered_date,omitempty" db:"delivered_date"`
	ConfirmedDate    *time.Time      `json:"confirmed_date,omitempty" db:"confirmed_date"`
	TransporterName  *string         `json:"transporter_name,omitempty" db:"transporter_name"`
	VehicleNumber    *string         `json:"vehicle_number,omitempty" db:"vehicle_number"`
	Notes            string          `json:"notes" db:"notes"`
	TotalValue       decimal.Decimal `json:"total_value" db:"total_value"`
	CreatedBy        int64           `json:"created_by" db:"created_by"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
	Lines            []Line          `json:"lines,omitempty" db:"-"`
}

// Line is one product's expected vs. actual quantity within a transfer.
// QtySent is immutable after creation; a nil QtyReceived means the line is
// still pending and stays out of variance aggregates.
type Line struct {
	ID          int64           `json:"id" db:"id"`
	TransferID  int64           `json:"transfer_id" db:"transfer_id"`
	ProductID   int64           `json:"product_id" db:"product_id"`
	BatchNo     *string         `json:"batch_no,omitempty" db:"batch_no"`
	QtySent     float64         `json:"qty_sent" db:"qty_sent"`
	QtyReceived *float64        `json:"qty_received,omitempty" db:"qty_received"`
	UnitPrice   decimal.Decimal `json:"unit_price" db:"unit_price"`
	TotalValue  decimal.Decimal `json:"total_value" db:"total_value"`
	Notes       string          `json:"notes" db:"notes"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// IsOverdue reports whether delivery was expected in the past and the
// transfer is still in flight.
func (t Transfer) IsOverdue(now time.Time) bool {
	if t.ExpectedDelivery == nil {
		return false
	}
	if t.Status == StatusConfirmed || t.Status == StatusCancelled {
		return false
	}
	return t.ExpectedDelivery.Before(now)
}

// TotalItems counts lines.
func (t Transfer) TotalItems() int {
	return len(t.Lines)
}

// TotalSent sums quantity sent over all lines.
func (t Transfer) TotalSent() float64 {
	var total float64
	for _, line := range t.Lines {
		total += line.QtySent
	}
	return total
}

// TotalReceived sums quantity received over received lines only.
func (t Transfer) TotalReceived() float64 {
	var total float64
	for _, line := range t.Lines {
		if line.QtyReceived != nil {
			total += *line.QtyReceived
		}
	}
	return total
}

// FullyReceived is true iff every line has a received quantity.
func (t Transfer) FullyReceived() bool {
	if len(t.Lines) == 0 {
		return false
	}
	for _, line := range t.Lines {
		if line.QtyReceived == nil {
			return false
		}
	}
	return true
}

// CreateLineInput is one line of a transfer creation.
type CreateLineInput struct {
	ProductID int64
	BatchNo   *string
	QtySent   float64
	UnitPrice decimal.Decimal
}

// CreateInput captures transfer creation input.
type CreateInput struct {
	FromBranchID     *int64
	ToBranchID       int64
	SubDestination   *string
	ExpectedDelivery *time.Time
	TransporterName  *string
	VehicleNumber    *string
	Notes            string
	Lines            []CreateLineInput
	ActorID          int64
}

// Validate ensures correctness.
func (in CreateInput) Validate() error {
	if in.ToBranchID <= 0 {
		return errors.New("transfer: destination branch required")
	}
	if in.FromBranchID != nil && *in.FromBranchID == in.ToBranchID {
		return ErrSameBranch
	}
	if len(in.Lines) == 0 {
		return ErrNoLines
	}
	for _, line := range in.Lines {
		if line.ProductID <= 0 {
			return errors.New("transfer: line product required")
		}
		if line.QtySent <= 0 {
			return ErrInvalidQuantity
		}
		if line.UnitPrice.IsNegative() {
			return errors.New("transfer: line unit price must not be negative")
		}
	}
	return nil
}

// ReceiveLineInput captures destination-side receipt of one line.
type ReceiveLineInput struct {
	TransferID int64
	LineID     int64
	Qty        float64
	Notes      string
	ActorID    int64
}

// ListFilter narrows transfer list reads.
type ListFilter struct {
	FromBranchID int64
	ToBranchID   int64
	Status       Status
	Limit        int
	Offset       int
}

var (
	// ErrTransferNotFound occurs when a transfer id does not resolve.
	ErrTransferNotFound = errors.New("transfer: not found")
	// ErrLineNotFound occurs when a line id does not resolve within the transfer.
	ErrLineNotFound = errors.New("transfer: line not found")
	// ErrInvalidTransition occurs on a disallowed status change.
	ErrInvalidTransition = errors.New("transfer: invalid status transition")
	// ErrTransferCancelled occurs when receiving against a cancelled transfer.
	ErrTransferCancelled = errors.New("transfer: cancelled, receipt rejected")
	// ErrLineAlreadyReceived occurs when a received quantity was already set.
	ErrLineAlreadyReceived = errors.New("transfer: line already received")
	// ErrInvalidQuantity occurs on a non-positive sent or negative received quantity.
	ErrInvalidQuantity = errors.New("transfer: invalid quantity")
	// ErrSameBranch occurs when source and destination match.
	ErrSameBranch = errors.New("transfer: source and destination must differ")
	// ErrNoLines occurs on a transfer without lines.
	ErrNoLines = errors.New("transfer: at least one line required")
	// ErrNumberTaken signals a document number collision, retried internally.
	ErrNumberTaken = errors.New("transfer: number already taken")
)
