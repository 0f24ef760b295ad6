// Package ledger defines the wallet data model and storage contract: one
// balance pair per actor, an append-only movement log, and the transaction
// boundary every mutation runs inside.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role is an actor's tier in the fixed hierarchy
// platform → distributor → vendor → client. Roles are immutable per actor.
type Role string

const (
	RolePlatform    Role = "platform"
	RoleDistributor Role = "distributor"
	RoleVendor      Role = "vendor"
	RoleClient      Role = "client"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RolePlatform, RoleDistributor, RoleVendor, RoleClient:
		return true
	}
	return false
}

// ParentRole returns the role exactly one tier above r. The second return
// is false for the platform root, which has no parent.
func (r Role) ParentRole() (Role, bool) {
	switch r {
	case RoleDistributor:
		return RolePlatform, true
	case RoleVendor:
		return RoleDistributor, true
	case RoleClient:
		return RoleVendor, true
	default:
		return "", false
	}
}

// Ledger holds one actor's balances. Available and Blocked are disjoint
// buckets: blocking moves money out of Available into Blocked, it does not
// earmark a sub-range. Both are always non-negative.
type Ledger struct {
	ID          uuid.UUID
	ActorID     string
	Role        Role
	Available   decimal.Decimal
	Blocked     decimal.Decimal
	ParentID    *uuid.UUID // nil only for the platform root
	Disabled    bool       // soft-disabled actors keep their ledger for audit
	CreatedAt   time.Time
	LastUpdated time.Time
}

// Clone returns a deep copy.
func (l *Ledger) Clone() *Ledger {
	c := *l
	if l.ParentID != nil {
		id := *l.ParentID
		c.ParentID = &id
	}
	return &c
}

// MovementKind is the closed set of balance-affecting event types.
type MovementKind string

const (
	KindCredit             MovementKind = "CREDIT"
	KindDebit              MovementKind = "DEBIT"
	KindInternalTransfer   MovementKind = "INTERNAL_TRANSFER"
	KindBlock              MovementKind = "BLOCK"
	KindUnblock            MovementKind = "UNBLOCK"
	KindManualAdjustment   MovementKind = "MANUAL_ADJUSTMENT"
	KindReconciliationMark MovementKind = "RECONCILIATION_MARK"
)

// Kinds lists every movement kind.
var Kinds = []MovementKind{
	KindCredit,
	KindDebit,
	KindInternalTransfer,
	KindBlock,
	KindUnblock,
	KindManualAdjustment,
	KindReconciliationMark,
}

// Valid reports whether k is a known movement kind.
func (k MovementKind) Valid() bool {
	for _, kind := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// RequiresCounterpart reports whether movements of this kind carry an
// origin-ledger pointer to the other leg.
func (k MovementKind) RequiresCounterpart() bool {
	return k == KindInternalTransfer
}

// MovesBalance reports whether the kind has any balance effect.
// Reconciliation marks are the only kind with none.
func (k MovementKind) MovesBalance() bool {
	return k != KindReconciliationMark
}

// Movement is one append-only entry in the movement log. Amount is always
// stored positive; the sign is implied by Kind, and for manual adjustments
// by the Negative flag. The only mutation a movement ever sees is the
// Reconciled/ReconciledAt pair transitioning from unset to set, exactly once.
type Movement struct {
	ID             uuid.UUID
	LedgerID       uuid.UUID
	Kind           MovementKind
	Amount         decimal.Decimal
	Negative       bool // manual adjustments: true when the operator debited
	Reference      *string
	OriginLedgerID *uuid.UUID // counterpart ledger, transfer legs only
	OperatorID     *string    // nil for system-initiated operations
	ActorIP        string
	DeviceInfo     string
	Reconciled     bool
	ReconciledAt   *time.Time
	CreatedAt      time.Time
}

// Clone returns a deep copy.
func (m *Movement) Clone() *Movement {
	c := *m
	if m.Reference != nil {
		ref := *m.Reference
		c.Reference = &ref
	}
	if m.OriginLedgerID != nil {
		id := *m.OriginLedgerID
		c.OriginLedgerID = &id
	}
	if m.OperatorID != nil {
		op := *m.OperatorID
		c.OperatorID = &op
	}
	if m.ReconciledAt != nil {
		at := *m.ReconciledAt
		c.ReconciledAt = &at
	}
	return &c
}
