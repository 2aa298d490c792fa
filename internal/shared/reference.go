package shared

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// RefKind identifies the entity type behind a polymorphic business reference.
type RefKind string

const (
	RefTransfer       RefKind = "TRANSFER"
	RefTransferLine   RefKind = "TRANSFER_LINE"
	RefReconciliation RefKind = "RECONCILIATION"
	RefCountSession   RefKind = "COUNT_SESSION"
	RefQuery          RefKind = "QUERY"
	RefImpact         RefKind = "IMPACT"
)

// IsValid reports whether the kind is one of the known entity kinds.
func (k RefKind) IsValid() bool {
	switch k {
	case RefTransfer, RefTransferLine, RefReconciliation, RefCountSession, RefQuery, RefImpact:
		return true
	default:
		return false
	}
}

// Reference points at the originating business entity of a ledger entry,
// financial impact or stock movement. Stored as (kind, id) columns.
type Reference struct {
	Kind RefKind
	ID   int64
}

// ErrInvalidReference indicates a reference with missing kind or id.
var ErrInvalidReference = errors.New("shared: invalid business reference")

// Validate ensures the reference is resolvable.
func (r Reference) Validate() error {
	if !r.Kind.IsValid() || r.ID == 0 {
		return ErrInvalidReference
	}
	return nil
}

// String renders the reference for logs and movement notes.
func (r Reference) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// NewIdempotencyKey derives a stable key for a side effect from its natural
// business key, so a retry of the same operation collides on insert instead
// of running twice.
func NewIdempotencyKey(scope string, parts ...any) string {
	seed := scope
	for _, p := range parts {
		seed += fmt.Sprintf(":%v", p)
	}
	return uuid.NewSHA1(uuid.Nil, []byte(seed)).String()
}
