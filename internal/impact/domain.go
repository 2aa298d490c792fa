package impact

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockward/stockward/internal/shared"
)

// Type classifies what kind of monetary consequence an inventory event had.
type Type string

const (
	TypeLossDamaged   Type = "LOSS_DAMAGED"
	TypeLossExpired   Type = "LOSS_EXPIRED"
	TypeLossShortage  Type = "LOSS_SHORTAGE"
	TypeLossQuality   Type = "LOSS_QUALITY"
	TypeGainExcess    Type = "GAIN_EXCESS"
	TypeTransportCost Type = "TRANSPORT_COST"
	TypeHandlingCost  Type = "HANDLING_COST"
	TypeOther         Type = "OTHER"
)

// IsValid reports whether the impact type is known.
func (t Type) IsValid() bool {
	switch t {
	case TypeLossDamaged, TypeLossExpired, TypeLossShortage, TypeLossQuality,
		TypeGainExcess, TypeTransportCost, TypeHandlingCost, TypeOther:
		return true
	default:
		return false
	}
}

// Category groups impact types for reporting.
type Category string

const (
	CategoryDirectLoss   Category = "DIRECT_LOSS"
	CategoryIndirectLoss Category = "INDIRECT_LOSS"
	CategoryCost         Category = "COST"
	CategoryRecovery     Category = "RECOVERY"
)

// IsValid reports whether the category is known.
func (c Category) IsValid() bool {
	switch c {
	case CategoryDirectLoss, CategoryIndirectLoss, CategoryCost, CategoryRecovery:
		return true
	default:
		return false
	}
}

// Impact is one monetary record attached to an originating event. Amount is a
// positive magnitude; the type carries the sign of the business meaning.
// RecoveredAmount only ever grows and never exceeds Amount.
type Impact struct {
	ID              int64            `json:"id" db:"id"`
	Type            Type             `json:"type" db:"type"`
	Category        Category         `json:"category" db:"category"`
	Amount          decimal.Decimal  `json:"amount" db:"amount"`
	IsRecoverable   bool             `json:"is_recoverable" db:"is_recoverable"`
	RecoveredAmount decimal.Decimal  `json:"recovered_amount" db:"recovered_amount"`
	RecoveryNotes   string           `json:"recovery_notes" db:"recovery_notes"`
	Ref             shared.Reference `json:"ref" db:"-"`
	BranchID        *int64           `json:"branch_id,omitempty" db:"branch_id"`
	Description     string           `json:"description" db:"description"`
	OccurredAt      time.Time        `json:"occurred_at" db:"occurred_at"`
	GLPostedAt      *time.Time       `json:"gl_posted_at,omitempty" db:"gl_posted_at"`
	CreatedBy       int64            `json:"created_by" db:"created_by"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

// NetImpact is the amount still outstanding after recoveries.
func (i Impact) NetImpact() decimal.Decimal {
	return i.Amount.Sub(i.RecoveredAmount)
}

// RecoveryPercentage is recovered/amount in percent, zero for a zero amount.
func (i Impact) RecoveryPercentage() decimal.Decimal {
	if i.Amount.IsZero() {
		return decimal.Zero
	}
	return i.RecoveredAmount.Div(i.Amount).Mul(decimal.NewFromInt(100))
}

// IsFullyRecovered reports whether nothing remains outstanding.
func (i Impact) IsFullyRecovered() bool {
	return i.Amount.IsPositive() && i.RecoveredAmount.GreaterThanOrEqual(i.Amount)
}

// IsPartiallyRecovered reports whether some but not all has been recovered.
func (i Impact) IsPartiallyRecovered() bool {
	return i.RecoveredAmount.IsPositive() && i.RecoveredAmount.LessThan(i.Amount)
}

// CreateInput captures impact creation input.
type CreateInput struct {
	Type          Type
	Category      Category
	Amount        decimal.Decimal
	IsRecoverable bool
	Ref           shared.Reference
	BranchID      *int64
	Description   string
	OccurredAt    time.Time
	ActorID       int64
}

// Validate ensures correctness.
func (in CreateInput) Validate() error {
	if !in.Type.IsValid() {
		return errors.New("impact: type invalid")
	}
	if !in.Category.IsValid() {
		return errors.New("impact: category invalid")
	}
	if !in.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if in.OccurredAt.IsZero() {
		return errors.New("impact: occurred at required")
	}
	return in.Ref.Validate()
}

// Summary aggregates impacts for one grouping key.
type Summary struct {
	Key       string
	Total     decimal.Decimal
	Recovered decimal.Decimal
	Count     int64
}

// SummaryFilter narrows aggregate reads.
type SummaryFilter struct {
	From     time.Time
	To       time.Time
	BranchID int64
}

var (
	// ErrImpactNotFound occurs when an impact id does not resolve.
	ErrImpactNotFound = errors.New("impact: not found")
	// ErrInvalidAmount occurs on zero or negative amounts.
	ErrInvalidAmount = errors.New("impact: amount must be positive")
	// ErrRecoveryExceedsImpact is a declined recovery, an expected workflow
	// outcome rather than a fault.
	ErrRecoveryExceedsImpact = errors.New("impact: recovery exceeds outstanding amount")
	// ErrAlreadyPosted occurs when an impact was already posted to the ledger.
	ErrAlreadyPosted = errors.New("impact: already posted to general ledger")
)
