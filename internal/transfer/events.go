package transfer

import "time"

// ConfirmedEvent signals a transfer reached its terminal confirmed state and
// is ready for reconciliation.
type ConfirmedEvent struct {
	TransferID    int64
	Number        string
	ToBranchID    int64
	ConfirmedAt   time.Time
	FullyReceived bool
}

// OverdueEvent signals an in-flight transfer past its expected delivery.
type OverdueEvent struct {
	TransferID       int64
	Number           string
	ToBranchID       int64
	ExpectedDelivery time.Time
	Status           Status
}
