package reconcile

import "time"

// ApprovedEvent signals a reconciliation was approved and its stock and
// financial side effects committed. Severity carries the worst item band.
type ApprovedEvent struct {
	ReconciliationID int64
	Number           string
	BranchID         int64
	Severity         Severity
	ItemCount        int
	VariedItems      int
	TotalImpact      string
	ApprovedAt       time.Time
}
