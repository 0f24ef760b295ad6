// Package wallet is the ledger service: the only component allowed to
// mutate balances. Every public operation wraps validation, locking,
// mutation, movement logging and audit logging in one atomic unit; any
// failure discards the whole unit.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/telares/walletledger/internal/audit"
	"github.com/telares/walletledger/internal/authz"
	"github.com/telares/walletledger/internal/hierarchy"
	"github.com/telares/walletledger/internal/ledger"
	"github.com/telares/walletledger/internal/limits"
	"github.com/telares/walletledger/pkg/messaging"
	"github.com/telares/walletledger/pkg/money"
)

// OpContext carries attribution for one call. It is passed explicitly; the
// engine reads nothing from ambient or request-local state. A zero
// OperatorID marks a system-initiated operation, which skips the operator
// permission check.
type OpContext struct {
	OperatorID   string
	OperatorRole ledger.Role
	ActorIP      string
	DeviceInfo   string
	FromAPI      bool
}

func (op OpContext) operatorPtr() *string {
	if op.OperatorID == "" {
		return nil
	}
	id := op.OperatorID
	return &id
}

// EventPublisher receives post-commit notifications. Publishing is never
// part of the atomic unit; failures are logged and dropped.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Service orchestrates all ledger mutations.
type Service struct {
	store    ledger.Store
	guard    *limits.Guard
	hier     *hierarchy.Validator
	policy   authz.Policy
	log      *zap.Logger
	events   EventPublisher
	currency string
}

// New creates the service. The event publisher is optional; see
// SetEventPublisher.
func New(store ledger.Store, guard *limits.Guard, hier *hierarchy.Validator, policy authz.Policy, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:    store,
		guard:    guard,
		hier:     hier,
		policy:   policy,
		log:      log,
		currency: "MXN",
	}
}

// SetEventPublisher enables post-commit event publishing.
func (s *Service) SetEventPublisher(p EventPublisher) { s.events = p }

// SetCurrency sets the deployment currency code stamped on events and audit
// details. The engine settles in one currency; this is labeling, not
// conversion.
func (s *Service) SetCurrency(code string) {
	if code != "" {
		s.currency = code
	}
}

// authorize checks the operator's capability. System-initiated calls (no
// operator) bypass the policy; the audit entry still records them as such.
func (s *Service) authorize(op OpContext, operation authz.Operation) error {
	if op.OperatorID == "" {
		return nil
	}
	return s.policy.Allow(operation, op.OperatorRole)
}

// EnsureLedger provisions a ledger for an actor if it does not exist yet.
// Provisioning is an explicit, observable call made by actor management,
// never a side effect of an unrelated write. The call is idempotent: an
// existing ledger with the same role is returned unchanged.
func (s *Service) EnsureLedger(ctx context.Context, op OpContext, actorID string, role ledger.Role, parentActorID string) (*ledger.Ledger, error) {
	if actorID == "" {
		return nil, ledger.NewError(ledger.CodeInvariantViolation, "empty actor id")
	}
	if !role.Valid() {
		return nil, ledger.NewError(ledger.CodeInvariantViolation, "unknown role %q", role)
	}
	if err := s.authorize(op, authz.OpProvision); err != nil {
		return nil, err
	}

	var out *ledger.Ledger
	var created bool
	err := s.store.Within(ctx, func(tx ledger.Tx) error {
		existing, err := tx.LedgerByActor(ctx, actorID)
		if err == nil {
			if existing.Role != role {
				return ledger.NewError(ledger.CodeInvariantViolation,
					"actor %s already has a %s ledger", actorID, existing.Role)
			}
			out = existing
			return nil
		}
		if !ledger.IsCode(err, ledger.CodeLedgerNotFound) {
			return err
		}

		var parentID *uuid.UUID
		parentRole, hasParent := role.ParentRole()
		if hasParent {
			if parentActorID == "" {
				return ledger.NewError(ledger.CodeInvariantViolation,
					"%s ledger requires a parent", role)
			}
			if parentActorID == actorID {
				return ledger.NewError(ledger.CodeInvariantViolation,
					"ledger cannot be its own parent")
			}
			parent, err := tx.LedgerByActor(ctx, parentActorID)
			if err != nil {
				return err
			}
			if parent.Role != parentRole {
				return ledger.NewError(ledger.CodeInvariantViolation,
					"parent of a %s must be a %s, got %s", role, parentRole, parent.Role)
			}
			parentID = &parent.ID
		} else if parentActorID != "" {
			return ledger.NewError(ledger.CodeInvariantViolation,
				"platform root cannot have a parent")
		}

		l := &ledger.Ledger{
			ID:        uuid.New(),
			ActorID:   actorID,
			Role:      role,
			Available: decimal.Zero,
			Blocked:   decimal.Zero,
			ParentID:  parentID,
		}
		if err := tx.CreateLedger(ctx, l); err != nil {
			return err
		}

		details := map[string]string{
			"role":     string(role),
			"operator": op.OperatorID,
		}
		if parentActorID != "" {
			details["parent_actor"] = parentActorID
		}
		if err := s.appendAudit(ctx, tx, op, actorID, l.ID, "WALLET_PROVISION", details); err != nil {
			return err
		}

		out = l
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.log.Info("ledger provisioned",
			zap.String("actor", actorID),
			zap.String("role", string(role)),
			zap.String("ledger", out.ID.String()))
		s.publish(ctx, messaging.SubjectLedgerProvisioned, messaging.LedgerEvent{
			LedgerID:   out.ID,
			ActorID:    out.ActorID,
			Role:       string(out.Role),
			ParentID:   parentActorID,
			OccurredAt: time.Now().UTC(),
		})
	}
	return out, nil
}

// Deposit credits the actor's available balance.
func (s *Service) Deposit(ctx context.Context, op OpContext, actorID string, amount decimal.Decimal, reference string) (*ledger.Movement, error) {
	return s.single(ctx, op, actorID, ledger.KindCredit, amount, false, reference,
		authz.OpDeposit, "WALLET_CREDIT")
}

// Withdraw debits the actor's available balance.
func (s *Service) Withdraw(ctx context.Context, op OpContext, actorID string, amount decimal.Decimal, reference string) (*ledger.Movement, error) {
	return s.single(ctx, op, actorID, ledger.KindDebit, amount, false, reference,
		authz.OpWithdraw, "WALLET_DEBIT")
}

// BlockFunds moves amount from available into the blocked bucket, where it
// stays until unblocked.
func (s *Service) BlockFunds(ctx context.Context, op OpContext, actorID string, amount decimal.Decimal, reference string) (*ledger.Movement, error) {
	return s.single(ctx, op, actorID, ledger.KindBlock, amount, false, reference,
		authz.OpBlock, "WALLET_BLOCK")
}

// UnblockFunds returns previously blocked funds to available.
func (s *Service) UnblockFunds(ctx context.Context, op OpContext, actorID string, amount decimal.Decimal, reference string) (*ledger.Movement, error) {
	return s.single(ctx, op, actorID, ledger.KindUnblock, amount, false, reference,
		authz.OpUnblock, "WALLET_UNBLOCK")
}

// ManualAdjust applies an administrative correction. The amount is signed
// by operator intent; the movement stores it unsigned with a direction
// flag.
func (s *Service) ManualAdjust(ctx context.Context, op OpContext, actorID string, amount decimal.Decimal, reference string) (*ledger.Movement, error) {
	negative := amount.IsNegative()
	return s.single(ctx, op, actorID, ledger.KindManualAdjustment, amount.Abs(), negative, reference,
		authz.OpAdjust, "WALLET_MANUAL_ADJUSTMENT")
}

// single performs a one-ledger mutation following the common state machine:
// validate, lock, check sufficiency, mutate, log, audit, commit.
func (s *Service) single(ctx context.Context, op OpContext, actorID string, kind ledger.MovementKind, amount decimal.Decimal, negative bool, reference string, operation authz.Operation, action string) (*ledger.Movement, error) {
	amount = money.Normalize(amount)

	if err := s.guard.CheckAmount(amount, kind); err != nil {
		s.warn(actorID, kind, amount, err)
		return nil, err
	}
	if err := s.authorize(op, operation); err != nil {
		s.warn(actorID, kind, amount, err)
		return nil, err
	}

	var mv *ledger.Movement
	var l *ledger.Ledger
	err := s.store.Within(ctx, func(tx ledger.Tx) error {
		var err error
		l, err = tx.LedgerByActor(ctx, actorID)
		if err != nil {
			return err
		}
		if l.Disabled {
			return ledger.NewError(ledger.CodeNotAuthorized, "ledger for actor %s is disabled", actorID)
		}
		if reference != "" {
			dup, err := tx.ReferenceExists(ctx, l.ID, reference)
			if err != nil {
				return err
			}
			if dup {
				return ledger.NewError(ledger.CodeDuplicateReference,
					"reference %s already used for actor %s", reference, actorID)
			}
		}

		l, err = tx.GetForUpdate(ctx, l.ID)
		if err != nil {
			return err
		}

		if err := s.guard.CheckDailyCeiling(ctx, tx, l.ID, kind, amount); err != nil {
			return err
		}
		if err := checkSufficiency(kind, l, amount, negative); err != nil {
			return err
		}

		availableDelta, blockedDelta := deltasFor(kind, amount, negative)
		if err := tx.ApplyDelta(ctx, l, availableDelta, blockedDelta); err != nil {
			return err
		}

		mv = s.newMovement(l.ID, kind, amount, negative, reference, op)
		if err := tx.AppendMovement(ctx, mv); err != nil {
			return err
		}

		details := s.auditDetails(mv, op)
		return s.appendAudit(ctx, tx, op, actorID, l.ID, action, details)
	})
	if err != nil {
		s.warn(actorID, kind, amount, err)
		return nil, err
	}

	s.log.Info("movement recorded",
		zap.String("actor", actorID),
		zap.String("kind", string(kind)),
		zap.String("amount", amount.String()),
		zap.String("movement", mv.ID.String()))
	s.publishMovement(ctx, l, mv)
	return mv, nil
}

// Transfer moves funds between two actors' ledgers, enforcing hierarchy
// legality before any lock is taken. Both legs are written as movements
// pointing at each other's ledger.
func (s *Service) Transfer(ctx context.Context, op OpContext, fromActorID, toActorID string, amount decimal.Decimal, reference string) (*ledger.Movement, *ledger.Movement, error) {
	amount = money.Normalize(amount)

	if err := s.guard.CheckAmount(amount, ledger.KindInternalTransfer); err != nil {
		s.warn(fromActorID, ledger.KindInternalTransfer, amount, err)
		return nil, nil, err
	}
	if err := s.authorize(op, authz.OpTransfer); err != nil {
		s.warn(fromActorID, ledger.KindInternalTransfer, amount, err)
		return nil, nil, err
	}

	var debit, credit *ledger.Movement
	var from, to *ledger.Ledger
	err := s.store.Within(ctx, func(tx ledger.Tx) error {
		var err error
		from, err = tx.LedgerByActor(ctx, fromActorID)
		if err != nil {
			return err
		}
		to, err = tx.LedgerByActor(ctx, toActorID)
		if err != nil {
			return err
		}
		if from.Disabled {
			return ledger.NewError(ledger.CodeNotAuthorized, "ledger for actor %s is disabled", fromActorID)
		}
		if to.Disabled {
			return ledger.NewError(ledger.CodeNotAuthorized, "ledger for actor %s is disabled", toActorID)
		}

		// The reference lands on both legs, so it must be fresh on both
		// ledgers before anything is staged.
		if reference != "" {
			for _, leg := range []struct {
				ledgerID uuid.UUID
				actorID  string
			}{{from.ID, fromActorID}, {to.ID, toActorID}} {
				dup, err := tx.ReferenceExists(ctx, leg.ledgerID, reference)
				if err != nil {
					return err
				}
				if dup {
					return ledger.NewError(ledger.CodeDuplicateReference,
						"reference %s already used for actor %s", reference, leg.actorID)
				}
			}
		}

		// Structural legality is decided before any lock is taken; an
		// illegal transfer never blocks on a busy ledger.
		if err := s.hier.CanTransfer(ctx, from, to); err != nil {
			return err
		}

		// Locks are always acquired in ascending ledger-id order so two
		// concurrent opposite transfers between the same pair cannot
		// deadlock.
		from, to, err = lockPair(ctx, tx, from, to)
		if err != nil {
			return err
		}

		if err := s.guard.CheckDailyCeiling(ctx, tx, from.ID, ledger.KindInternalTransfer, amount); err != nil {
			return err
		}
		if from.Available.LessThan(amount) {
			return ledger.InsufficientFundsError(from.Available, amount)
		}

		if err := tx.ApplyDelta(ctx, from, amount.Neg(), decimal.Zero); err != nil {
			return err
		}
		if err := tx.ApplyDelta(ctx, to, amount, decimal.Zero); err != nil {
			return err
		}

		debit = s.newMovement(from.ID, ledger.KindInternalTransfer, amount, false, reference, op)
		debit.OriginLedgerID = &to.ID
		if err := tx.AppendMovement(ctx, debit); err != nil {
			return err
		}

		credit = s.newMovement(to.ID, ledger.KindInternalTransfer, amount, false, reference, op)
		credit.OriginLedgerID = &from.ID
		if err := tx.AppendMovement(ctx, credit); err != nil {
			return err
		}

		details := map[string]string{
			"amount":      amount.String(),
			"currency":    s.currency,
			"destination": toActorID,
			"debit_id":    debit.ID.String(),
			"credit_id":   credit.ID.String(),
			"operator":    op.OperatorID,
		}
		if reference != "" {
			details["reference"] = reference
		}
		return s.appendAudit(ctx, tx, op, fromActorID, from.ID, "WALLET_TRANSFER", details)
	})
	if err != nil {
		s.warn(fromActorID, ledger.KindInternalTransfer, amount, err)
		return nil, nil, err
	}

	s.log.Info("transfer completed",
		zap.String("from", fromActorID),
		zap.String("to", toActorID),
		zap.String("amount", amount.String()),
		zap.String("debit", debit.ID.String()),
		zap.String("credit", credit.ID.String()))
	s.publish(ctx, messaging.SubjectTransferCompleted, messaging.TransferEvent{
		DebitMovementID:  debit.ID,
		CreditMovementID: credit.ID,
		FromLedgerID:     from.ID,
		ToLedgerID:       to.ID,
		FromActorID:      fromActorID,
		ToActorID:        toActorID,
		Amount:           amount.String(),
		Currency:         s.currency,
		Reference:        reference,
		OperatorID:       op.OperatorID,
		OccurredAt:       time.Now().UTC(),
	})
	return debit, credit, nil
}

// Reconcile marks one movement as matched against an external settlement
// record. It is the only public operation that moves no money: the movement
// flips reconciled exactly once and a reconciliation-mark row records the
// external reference.
func (s *Service) Reconcile(ctx context.Context, op OpContext, actorID string, movementID uuid.UUID, externalReference string) (*ledger.Movement, error) {
	if externalReference == "" {
		return nil, ledger.NewError(ledger.CodeInvalidReconciliation, "empty external reference")
	}
	if err := s.authorize(op, authz.OpReconcile); err != nil {
		return nil, err
	}

	var out *ledger.Movement
	err := s.store.Within(ctx, func(tx ledger.Tx) error {
		l, err := tx.LedgerByActor(ctx, actorID)
		if err != nil {
			return err
		}

		// Lock the ledger so the reconciliation serializes with movement
		// writes on the same stream.
		l, err = tx.GetForUpdate(ctx, l.ID)
		if err != nil {
			return err
		}

		dup, err := tx.ReferenceExists(ctx, l.ID, externalReference)
		if err != nil {
			return err
		}
		if dup {
			return ledger.NewError(ledger.CodeDuplicateReference,
				"reference %s already used for actor %s", externalReference, actorID)
		}

		m, err := tx.Movement(ctx, movementID)
		if err != nil {
			return err
		}
		if m.LedgerID != l.ID {
			return ledger.NewError(ledger.CodeInvalidReconciliation,
				"movement %s belongs to a different ledger", movementID)
		}
		if m.Reconciled {
			return ledger.NewError(ledger.CodeInvalidReconciliation,
				"movement %s already reconciled", movementID)
		}

		now := time.Now().UTC()
		if err := tx.MarkReconciled(ctx, m.ID, now); err != nil {
			return err
		}

		mark := s.newMovement(l.ID, ledger.KindReconciliationMark, m.Amount, false, externalReference, op)
		if err := tx.AppendMovement(ctx, mark); err != nil {
			return err
		}

		details := map[string]string{
			"movement_id":        m.ID.String(),
			"mark_id":            mark.ID.String(),
			"external_reference": externalReference,
			"operator":           op.OperatorID,
		}
		if err := s.appendAudit(ctx, tx, op, actorID, l.ID, "WALLET_RECONCILIATION", details); err != nil {
			return err
		}

		m.Reconciled = true
		m.ReconciledAt = &now
		out = m
		return nil
	})
	if err != nil {
		s.log.Warn("reconciliation rejected",
			zap.String("actor", actorID),
			zap.String("movement", movementID.String()),
			zap.Error(err))
		return nil, err
	}

	s.log.Info("movement reconciled",
		zap.String("actor", actorID),
		zap.String("movement", out.ID.String()),
		zap.String("reference", externalReference))
	s.publish(ctx, messaging.SubjectMovementReconciled, messaging.ReconciliationEvent{
		MovementID:        out.ID,
		LedgerID:          out.LedgerID,
		ExternalReference: externalReference,
		OccurredAt:        time.Now().UTC(),
	})
	return out, nil
}

// Movements lists an actor's movement log, newest first.
func (s *Service) Movements(ctx context.Context, actorID string, limit, offset int) ([]ledger.Movement, error) {
	var out []ledger.Movement
	err := s.store.Within(ctx, func(tx ledger.Tx) error {
		l, err := tx.LedgerByActor(ctx, actorID)
		if err != nil {
			return err
		}
		out, err = tx.Movements(ctx, l.ID, limit, offset)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyAuditTrail recomputes the whole hash chain for one actor. A
// mismatch is fatal for the trail: it is reported, published as an
// integrity alert, and never auto-corrected.
func (s *Service) VerifyAuditTrail(ctx context.Context, actorID string) error {
	var trail []audit.Entry
	err := s.store.Within(ctx, func(tx ledger.Tx) error {
		var err error
		trail, err = tx.AuditTrail(ctx, actorID)
		return err
	})
	if err != nil {
		return err
	}

	if err := audit.VerifyChain(trail); err != nil {
		var integrity *audit.IntegrityError
		if errors.As(err, &integrity) {
			s.log.Error("audit trail integrity failure",
				zap.String("actor", actorID),
				zap.String("entry", integrity.EntryID.String()))
			s.publish(ctx, messaging.SubjectIntegrityAlert, messaging.IntegrityAlertEvent{
				EntryID:    integrity.EntryID,
				Actor:      actorID,
				StoredHash: integrity.Stored,
				WantHash:   integrity.Computed,
				DetectedAt: time.Now().UTC(),
			})
		}
		return err
	}
	return nil
}

func (s *Service) newMovement(ledgerID uuid.UUID, kind ledger.MovementKind, amount decimal.Decimal, negative bool, reference string, op OpContext) *ledger.Movement {
	m := &ledger.Movement{
		ID:         uuid.New(),
		LedgerID:   ledgerID,
		Kind:       kind,
		Amount:     amount,
		Negative:   negative,
		OperatorID: op.operatorPtr(),
		ActorIP:    op.ActorIP,
		DeviceInfo: op.DeviceInfo,
		CreatedAt:  time.Now().UTC(),
	}
	if reference != "" {
		ref := reference
		m.Reference = &ref
	}
	return m
}

func (s *Service) auditDetails(m *ledger.Movement, op OpContext) map[string]string {
	details := map[string]string{
		"kind":        string(m.Kind),
		"amount":      m.Amount.String(),
		"currency":    s.currency,
		"movement_id": m.ID.String(),
		"operator":    op.OperatorID,
	}
	if m.Reference != nil {
		details["reference"] = *m.Reference
	}
	if m.Negative {
		details["direction"] = "debit"
	}
	return details
}

// appendAudit chains a new entry onto the actor's audit stream inside the
// same transaction as the mutation it describes.
func (s *Service) appendAudit(ctx context.Context, tx ledger.Tx, op OpContext, actorID string, ledgerID uuid.UUID, action string, details map[string]string) error {
	prev, err := tx.LastAuditHash(ctx, actorID)
	if err != nil {
		return err
	}
	entry := audit.New(actorID, action, "WalletLedger", ledgerID.String(),
		details, op.ActorIP, op.FromAPI, prev)
	return tx.AppendAudit(ctx, entry)
}

func (s *Service) publishMovement(ctx context.Context, l *ledger.Ledger, m *ledger.Movement) {
	ref := ""
	if m.Reference != nil {
		ref = *m.Reference
	}
	operator := ""
	if m.OperatorID != nil {
		operator = *m.OperatorID
	}

	subject := messaging.SubjectMovementRecorded
	switch m.Kind {
	case ledger.KindBlock:
		subject = messaging.SubjectFundsBlocked
	case ledger.KindUnblock:
		subject = messaging.SubjectFundsUnblocked
	}

	s.publish(ctx, subject, messaging.MovementEvent{
		MovementID: m.ID,
		LedgerID:   m.LedgerID,
		ActorID:    l.ActorID,
		Kind:       string(m.Kind),
		Amount:     m.Amount.String(),
		Currency:   s.currency,
		Reference:  ref,
		OperatorID: operator,
		OccurredAt: m.CreatedAt,
	})
}

func (s *Service) publish(ctx context.Context, subject string, data interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, subject, data); err != nil {
		s.log.Warn("event publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func (s *Service) warn(actorID string, kind ledger.MovementKind, amount decimal.Decimal, err error) {
	s.log.Warn("operation rejected",
		zap.String("actor", actorID),
		zap.String("kind", string(kind)),
		zap.String("amount", amount.String()),
		zap.String("code", string(ledger.CodeOf(err))),
		zap.Error(err))
}

// lockPair locks both ledgers in ascending id order and returns them in
// their original (from, to) positions.
func lockPair(ctx context.Context, tx ledger.Tx, from, to *ledger.Ledger) (*ledger.Ledger, *ledger.Ledger, error) {
	first, second := from.ID, to.ID
	if lessUUID(second, first) {
		first, second = second, first
	}

	a, err := tx.GetForUpdate(ctx, first)
	if err != nil {
		return nil, nil, err
	}
	b, err := tx.GetForUpdate(ctx, second)
	if err != nil {
		return nil, nil, err
	}

	if a.ID == from.ID {
		return a, b, nil
	}
	return b, a, nil
}

func lessUUID(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// deltasFor maps a movement kind to its effect on the two balance fields.
func deltasFor(kind ledger.MovementKind, amount decimal.Decimal, negative bool) (decimal.Decimal, decimal.Decimal) {
	switch kind {
	case ledger.KindCredit:
		return amount, decimal.Zero
	case ledger.KindDebit:
		return amount.Neg(), decimal.Zero
	case ledger.KindBlock:
		return amount.Neg(), amount
	case ledger.KindUnblock:
		return amount, amount.Neg()
	case ledger.KindManualAdjustment:
		if negative {
			return amount.Neg(), decimal.Zero
		}
		return amount, decimal.Zero
	default:
		return decimal.Zero, decimal.Zero
	}
}

// checkSufficiency confirms the locked ledger can cover a debiting
// operation before any mutation is attempted.
func checkSufficiency(kind ledger.MovementKind, l *ledger.Ledger, amount decimal.Decimal, negative bool) error {
	switch kind {
	case ledger.KindDebit, ledger.KindBlock:
		if l.Available.LessThan(amount) {
			return ledger.InsufficientFundsError(l.Available, amount)
		}
	case ledger.KindUnblock:
		if l.Blocked.LessThan(amount) {
			return ledger.InvalidBlockStateError(l.Blocked, amount)
		}
	case ledger.KindManualAdjustment:
		if negative && l.Available.LessThan(amount) {
			return ledger.InsufficientFundsError(l.Available, amount)
		}
	}
	return nil
}
