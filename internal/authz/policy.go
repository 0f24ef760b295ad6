// Package authz is the capability check the engine delegates operator
// authorization to. The engine asks "may this role perform this operation";
// who the operator is and how they authenticated is the caller's problem.
package authz

import (
	"github.com/telares/walletledger/internal/ledger"
)

// Operation names a ledger service operation for permission checks.
type Operation string

const (
	OpProvision Operation = "wallet.provision"
	OpDeposit   Operation = "wallet.credit"
	OpWithdraw  Operation = "wallet.debit"
	OpTransfer  Operation = "wallet.transfer"
	OpBlock     Operation = "wallet.block"
	OpUnblock   Operation = "wallet.unblock"
	OpAdjust    Operation = "wallet.manual_adjustment"
	OpReconcile Operation = "wallet.reconcile"
)

// Policy decides whether an operator role may perform an operation. A nil
// error means allowed.
type Policy interface {
	Allow(op Operation, role ledger.Role) error
}

// RolePolicy is a static role → operation capability table.
type RolePolicy map[ledger.Role]map[Operation]bool

// DefaultPolicy returns the reference capability table: the platform
// operates everything; distributors move money inside their subtree and
// reconcile it; vendors only transfer downward; clients operate nothing.
func DefaultPolicy() RolePolicy {
	all := map[Operation]bool{
		OpProvision: true, OpDeposit: true, OpWithdraw: true, OpTransfer: true,
		OpBlock: true, OpUnblock: true, OpAdjust: true, OpReconcile: true,
	}
	return RolePolicy{
		ledger.RolePlatform: all,
		ledger.RoleDistributor: {
			OpDeposit:   true,
			OpWithdraw:  true,
			OpTransfer:  true,
			OpBlock:     true,
			OpUnblock:   true,
			OpReconcile: true,
		},
		ledger.RoleVendor: {
			OpTransfer: true,
		},
		ledger.RoleClient: {},
	}
}

// Allow implements Policy.
func (p RolePolicy) Allow(op Operation, role ledger.Role) error {
	if p[role][op] {
		return nil
	}
	return ledger.NewError(ledger.CodeNotAuthorized,
		"role %s may not perform %s", role, op)
}
