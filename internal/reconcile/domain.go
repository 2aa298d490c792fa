package reconcile

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockward/stockward/internal/shared"
)

// varianceEpsilon absorbs floating point noise from unit conversions. Any
// variance below it counts as matched.
const varianceEpsilon = 0.001

// Status represents the reconciliation lifecycle.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	default:
		return false
	}
}

// VarianceType classifies the direction of a counted difference.
type VarianceType string

const (
	VarianceNone     VarianceType = "NONE"
	VarianceShortage VarianceType = "SHORTAGE"
	VarianceExcess   VarianceType = "EXCESS"
)

// Severity classifies how badly an item diverged, for review prioritization.
type Severity string

const (
	SeverityNormal      Severity = "NORMAL"
	SeveritySignificant Severity = "SIGNIFICANT" // |variance %| > 5
	SeverityCritical    Severity = "CRITICAL"    // |variance %| > 15
)

// SeverityOf maps a variance percentage to its severity band.
func SeverityOf(variancePct float64) Severity {
	abs := math.Abs(variancePct)
	switch {
	case abs > 15:
		return SeverityCritical
	case abs > 5:
		return SeveritySignificant
	default:
		return SeverityNormal
	}
}

// Reconciliation compares book quantities against physically verified ones
// for a transfer or a count session. Approval is the only trigger that
// mutates stock and writes financial impacts.
type Reconciliation struct {
	ID         int64            `json:"id" db:"id"`
	Number     string           `json:"number" db:"number"`
	Ref        shared.Reference `json:"ref" db:"-"`
	BranchID   int64            `json:"branch_id" db:"branch_id"`
	Status     Status           `json:"status" db:"status"`
	Date       time.Time        `json:"date" db:"rec_date"`
	Notes      string           `json:"notes" db:"notes"`
	ApprovedBy *int64           `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt *time.Time       `json:"approved_at,omitempty" db:"approved_at"`
	CreatedBy  int64            `json:"created_by" db:"created_by"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at" db:"updated_at"`
	Items      []Item           `json:"items,omitempty" db:"-"`
}

// Item is one product's expected vs. counted quantity. The four derived
// fields are only ever written through computeVariance so they can never be
// individually stale.
type Item struct {
	ID              int64           `json:"id" db:"id"`
	ReconciliationID int64          `json:"reconciliation_id" db:"reconciliation_id"`
	ProductID       int64           `json:"product_id" db:"product_id"`
	BatchNo         *string         `json:"batch_no,omitempty" db:"batch_no"`
	SystemQty       float64         `json:"system_qty" db:"system_qty"`
	PhysicalQty     float64         `json:"physical_qty" db:"physical_qty"`
	Variance        float64         `json:"variance" db:"variance"`
	VariancePct     float64         `json:"variance_pct" db:"variance_pct"`
	VarianceType    VarianceType    `json:"variance_type" db:"variance_type"`
	UnitCost        decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	FinancialImpact decimal.Decimal `json:"financial_impact" db:"financial_impact"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Severity classifies the item by its variance percentage.
func (i Item) Severity() Severity {
	return SeverityOf(i.VariancePct)
}

// varianceFields holds the four derived values that must always move
// together.
type varianceFields struct {
	Variance        float64
	VariancePct     float64
	Type            VarianceType
	FinancialImpact decimal.Decimal
}

// computeVariance derives variance, percentage, classification and financial
// impact from one pair of quantities. A zero system quantity yields a zero
// percentage rather than a division error; a magnitude below the epsilon is
// classified as no variance.
func computeVariance(systemQty, physicalQty float64, unitCost decimal.Decimal) varianceFields {
	variance := physicalQty - systemQty
	var pct float64
	if systemQty != 0 {
		pct = variance / systemQty * 100
	}
	vtype := VarianceNone
	if math.Abs(variance) >= varianceEpsilon {
		if variance < 0 {
			vtype = VarianceShortage
		} else {
			vtype = VarianceExcess
		}
	}
	impact := unitCost.Mul(decimal.NewFromFloat(math.Abs(variance)))
	return varianceFields{
		Variance:        variance,
		VariancePct:     pct,
		Type:            vtype,
		FinancialImpact: impact,
	}
}

// apply writes the derived fields onto the item.
func (f varianceFields) apply(item *Item) {
	item.Variance = f.Variance
	item.VariancePct = f.VariancePct
	item.VarianceType = f.Type
	item.FinancialImpact = f.FinancialImpact
}

// RootCause explains why an item diverged.
type RootCause string

const (
	CauseTheft            RootCause = "THEFT"
	CauseSpoilage         RootCause = "SPOILAGE"
	CauseMeasurementError RootCause = "MEASUREMENT_ERROR"
	CauseDataEntryError   RootCause = "DATA_ENTRY_ERROR"
	CauseShrinkage        RootCause = "SHRINKAGE"
	CauseSpillage         RootCause = "SPILLAGE"
	CauseUnrecordedSale   RootCause = "UNRECORDED_SALE"
	CauseWastage          RootCause = "WASTAGE"
	CauseSystemError      RootCause = "SYSTEM_ERROR"
	CauseOther            RootCause = "OTHER"
)

// IsValid checks if the root cause is valid.
func (c RootCause) IsValid() bool {
	switch c {
	case CauseTheft, CauseSpoilage, CauseMeasurementError, CauseDataEntryError,
		CauseShrinkage, CauseSpillage, CauseUnrecordedSale, CauseWastage,
		CauseSystemError, CauseOther:
		return true
	default:
		return false
	}
}

// VarianceAnalysis is a one-per-item investigator annotation. AssessedImpact
// may override the mechanically derived financial impact.
type VarianceAnalysis struct {
	ID             int64           `json:"id" db:"id"`
	ItemID         int64           `json:"item_id" db:"item_id"`
	RootCause      RootCause       `json:"root_cause" db:"root_cause"`
	Preventable    bool            `json:"preventable" db:"preventable"`
	AssessedImpact decimal.Decimal `json:"assessed_impact" db:"assessed_impact"`
	Notes          string          `json:"notes" db:"notes"`
	AnalysedBy     int64           `json:"analysed_by" db:"analysed_by"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// UpsertItemInput captures an item create or quantity edit. Every write path
// funnels through the same derived-field computation.
type UpsertItemInput struct {
	ReconciliationID int64
	ProductID        int64
	BatchNo          *string
	SystemQty        float64
	PhysicalQty      float64
	UnitCost         decimal.Decimal
	ActorID          int64
}

// Validate ensures correctness.
func (in UpsertItemInput) Validate() error {
	if in.ReconciliationID <= 0 {
		return errors.New("reconcile: reconciliation required")
	}
	if in.ProductID <= 0 {
		return errors.New("reconcile: product required")
	}
	if in.SystemQty < 0 || in.PhysicalQty < 0 {
		return errors.New("reconcile: quantities must not be negative")
	}
	if in.UnitCost.IsNegative() {
		return errors.New("reconcile: unit cost must not be negative")
	}
	return nil
}

// AnalyseInput captures a variance analysis annotation.
type AnalyseInput struct {
	ItemID         int64
	RootCause      RootCause
	Preventable    bool
	AssessedImpact decimal.Decimal
	Notes          string
	ActorID        int64
}

// Validate ensures correctness.
func (in AnalyseInput) Validate() error {
	if in.ItemID <= 0 {
		return errors.New("reconcile: item required")
	}
	if !in.RootCause.IsValid() {
		return errors.New("reconcile: invalid root cause")
	}
	if in.AssessedImpact.IsNegative() {
		return errors.New("reconcile: assessed impact must not be negative")
	}
	return nil
}

var (
	// ErrNotFound occurs when a reconciliation id does not resolve.
	ErrNotFound = errors.New("reconcile: not found")
	// ErrItemNotFound occurs when an item id does not resolve.
	ErrItemNotFound = errors.New("reconcile: item not found")
	// ErrAlreadyApproved is the explicit no-op path for a second approval.
	ErrAlreadyApproved = errors.New("reconcile: already approved")
	// ErrFinalized occurs when editing an approved or rejected reconciliation.
	ErrFinalized = errors.New("reconcile: already finalized")
	// ErrSourceNotReady occurs when the transfer is unconfirmed or the count
	// session incomplete.
	ErrSourceNotReady = errors.New("reconcile: source not ready for reconciliation")
	// ErrNoReceivedLines occurs when a transfer has no received lines to
	// reconcile.
	ErrNoReceivedLines = errors.New("reconcile: transfer has no received lines")
	// ErrAnalysisExists occurs when an item already carries an analysis.
	ErrAnalysisExists = errors.New("reconcile: analysis already recorded")
	// ErrNumberTaken signals a document number collision, retried internally.
	ErrNumberTaken = errors.New("reconcile: number already taken")
)
