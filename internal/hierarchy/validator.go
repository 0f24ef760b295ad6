// Package hierarchy decides whether a transfer between two actors is
// structurally legal, independent of balances. The rules combine the fixed
// role chain (platform → distributor → vendor → client) with the explicit
// assignment relation maintained by actor management.
package hierarchy

import (
	"context"

	"github.com/telares/walletledger/internal/ledger"
)

// Assignments is the actor-management collaborator recording which
// subordinate belongs to which owner (distributor↔vendor,
// distributor/vendor↔client). The engine only ever asks membership
// questions.
type Assignments interface {
	IsAssigned(ctx context.Context, ownerActorID, subordinateActorID string) (bool, error)
}

// Rules a transfer can violate. Carried on the typed failure for audit
// detail; callers branch on the rule constant, never on message text.
const (
	RuleSelfTransfer   = "self_transfer"
	RuleRoleNotAllowed = "role_not_allowed"
	RuleNotAssigned    = "not_assigned"
)

// allowedDestinations is the role table for outbound transfers. Clients
// have no outbound transfers at all.
var allowedDestinations = map[ledger.Role][]ledger.Role{
	ledger.RolePlatform:    {ledger.RoleDistributor, ledger.RoleVendor},
	ledger.RoleDistributor: {ledger.RoleVendor, ledger.RoleClient},
	ledger.RoleVendor:      {ledger.RoleClient},
	ledger.RoleClient:      {},
}

// Validator answers "can actor A move funds to actor B".
type Validator struct {
	assignments Assignments
}

// New creates a validator over the given assignment relation.
func New(assignments Assignments) *Validator {
	return &Validator{assignments: assignments}
}

// CanTransfer returns nil when a transfer from one ledger to the other is
// structurally legal, or a TRANSFER_NOT_PERMITTED failure naming the
// violated rule. It never looks at balances.
func (v *Validator) CanTransfer(ctx context.Context, from, to *ledger.Ledger) error {
	if from.ID == to.ID {
		return ledger.TransferNotPermittedError(RuleSelfTransfer,
			"transfer to the same ledger")
	}

	if !roleAllowed(from.Role, to.Role) {
		return ledger.TransferNotPermittedError(RuleRoleNotAllowed,
			"transfer from %s to %s not permitted", from.Role, to.Role)
	}

	// Structural shortcuts: the destination hangs directly off the origin,
	// or both hang off the same parent.
	if to.ParentID != nil && *to.ParentID == from.ID {
		return nil
	}
	if from.ParentID != nil && to.ParentID != nil && *from.ParentID == *to.ParentID {
		return nil
	}

	// Otherwise the explicit assignment relation must connect them. A
	// vendor only receives from its own distributor; a client only from
	// the vendor or distributor that administratively owns it.
	assigned, err := v.assignments.IsAssigned(ctx, from.ActorID, to.ActorID)
	if err != nil {
		return ledger.WrapError(ledger.CodeRetryable, err, "assignment lookup failed")
	}
	if !assigned {
		return ledger.TransferNotPermittedError(RuleNotAssigned,
			"%s is not assigned to %s", to.ActorID, from.ActorID)
	}
	return nil
}

func roleAllowed(from, to ledger.Role) bool {
	for _, r := range allowedDestinations[from] {
		if r == to {
			return true
		}
	}
	return false
}
