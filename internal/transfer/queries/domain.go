package queries

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// QueryType classifies the dispute raised against a transfer or line.
type QueryType string

const (
	TypeWeightDifference QueryType = "WEIGHT_DIFFERENCE"
	TypeQuantityShortage QueryType = "QUANTITY_SHORTAGE"
	TypeQualityIssue     QueryType = "QUALITY_ISSUE"
	TypeDamagedGoods     QueryType = "DAMAGED_GOODS"
	TypeExpiredGoods     QueryType = "EXPIRED_GOODS"
	TypeMissingItems     QueryType = "MISSING_ITEMS"
	TypeOther            QueryType = "OTHER"
)

// IsValid checks if the query type is valid.
func (t QueryType) IsValid() bool {
	switch t {
	case TypeWeightDifference, TypeQuantityShortage, TypeQualityIssue,
		TypeDamagedGoods, TypeExpiredGoods, TypeMissingItems, TypeOther:
		return true
	default:
		return false
	}
}

// Priority orders queries for review.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// IsValid checks if the priority is valid.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Status represents the query lifecycle.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusEscalated  Status = "ESCALATED"
	StatusResolved   Status = "RESOLVED"
	StatusClosed     Status = "CLOSED"
)

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusEscalated, StatusResolved, StatusClosed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the status change is allowed. Escalation is
// reachable from any active state; closing requires resolution first.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusOpen:
		return next == StatusInProgress || next == StatusEscalated || next == StatusResolved
	case StatusInProgress:
		return next == StatusEscalated || next == StatusResolved
	case StatusEscalated:
		return next == StatusInProgress || next == StatusResolved
	case StatusResolved:
		return next == StatusClosed
	default:
		return false
	}
}

// Query is one dispute raised against a transfer, optionally pinned to a line.
type Query struct {
	ID          int64      `json:"id" db:"id"`
	TransferID  int64      `json:"transfer_id" db:"transfer_id"`
	LineID      *int64     `json:"line_id,omitempty" db:"line_id"`
	Type        QueryType  `json:"type" db:"query_type"`
	Priority    Priority   `json:"priority" db:"priority"`
	Status      Status     `json:"status" db:"status"`
	Description string     `json:"description" db:"description"`
	ImpactID    *int64     `json:"impact_id,omitempty" db:"impact_id"`
	RaisedBy    int64      `json:"raised_by" db:"raised_by"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	Responses   []Response `json:"responses,omitempty" db:"-"`
}

// Response is one append-only entry in a query's response log.
type Response struct {
	ID        int64     `json:"id" db:"id"`
	QueryID   int64     `json:"query_id" db:"query_id"`
	AuthorID  int64     `json:"author_id" db:"author_id"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RaiseInput captures query creation input.
type RaiseInput struct {
	TransferID  int64
	LineID      *int64
	Type        QueryType
	Priority    Priority
	Description string
	ActorID     int64
}

// Validate ensures correctness.
func (in RaiseInput) Validate() error {
	if in.TransferID <= 0 {
		return errors.New("queries: transfer required")
	}
	if !in.Type.IsValid() {
		return ErrInvalidType
	}
	if !in.Priority.IsValid() {
		return ErrInvalidPriority
	}
	if in.Description == "" {
		return errors.New("queries: description required")
	}
	return nil
}

// ImpactAmount derives the monetary magnitude of the dispute from its type
// and the disputed line's quantities and unit price. Expected is the quantity
// sent, actual the quantity received (zero when the line is unreceived).
func ImpactAmount(t QueryType, expected, actual float64, unitPrice decimal.Decimal) decimal.Decimal {
	switch t {
	case TypeWeightDifference, TypeQuantityShortage:
		diff := expected - actual
		if diff < 0 {
			diff = -diff
		}
		return unitPrice.Mul(decimal.NewFromFloat(diff))
	case TypeDamagedGoods, TypeExpiredGoods, TypeQualityIssue:
		return unitPrice.Mul(decimal.NewFromFloat(actual))
	case TypeMissingItems:
		return unitPrice.Mul(decimal.NewFromFloat(expected))
	default:
		return decimal.Zero
	}
}

// Recoverable reports whether an impact from this query type defaults to
// recoverable. Only shortage and weight differences can be claimed back from
// the transporter.
func Recoverable(t QueryType) bool {
	return t == TypeWeightDifference || t == TypeQuantityShortage
}

var (
	// ErrQueryNotFound occurs when a query id does not resolve.
	ErrQueryNotFound = errors.New("queries: not found")
	// ErrInvalidType occurs on an unknown query type.
	ErrInvalidType = errors.New("queries: invalid query type")
	// ErrInvalidPriority occurs on an unknown priority.
	ErrInvalidPriority = errors.New("queries: invalid priority")
	// ErrInvalidTransition occurs on a disallowed status change.
	ErrInvalidTransition = errors.New("queries: invalid status transition")
	// ErrImpactAlreadyLinked occurs when a financial impact was already derived.
	ErrImpactAlreadyLinked = errors.New("queries: financial impact already recorded")
	// ErrLineRequired occurs when impact derivation needs a disputed line.
	ErrLineRequired = errors.New("queries: impact derivation requires a line")
)
