package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/telares/walletledger/internal/audit"
)

// Store is the durable record behind the engine. Within runs fn inside one
// atomic unit: everything fn does through the Tx commits together or not at
// all. Row locks taken by GetForUpdate are held until Within returns.
type Store interface {
	Within(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the per-call transactional view of the store. Implementations must
// guarantee that ApplyDelta is only effective on rows previously locked by
// GetForUpdate in the same transaction.
type Tx interface {
	// CreateLedger inserts a new ledger row. Fails if the actor already has
	// one.
	CreateLedger(ctx context.Context, l *Ledger) error

	// LedgerByActor returns the actor's ledger without locking it, or a
	// LEDGER_NOT_FOUND failure.
	LedgerByActor(ctx context.Context, actorID string) (*Ledger, error)

	// GetForUpdate returns the ledger row with an exclusive lock held for
	// the rest of the transaction, or a LEDGER_NOT_FOUND failure.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Ledger, error)

	// ApplyDelta adds the deltas (possibly negative) to the two balance
	// fields in one write and refreshes LastUpdated. It fails with an
	// INVARIANT_VIOLATION if either resulting field would go negative, and
	// updates l in place on success.
	ApplyDelta(ctx context.Context, l *Ledger, availableDelta, blockedDelta decimal.Decimal) error

	// AppendMovement persists a movement row. The store enforces
	// per-ledger uniqueness of Reference when set.
	AppendMovement(ctx context.Context, m *Movement) error

	// ReferenceExists reports whether the ledger already has a movement
	// with this external reference.
	ReferenceExists(ctx context.Context, ledgerID uuid.UUID, reference string) (bool, error)

	// SumMovements sums amounts of the given kind for the ledger with
	// CreatedAt >= since.
	SumMovements(ctx context.Context, ledgerID uuid.UUID, kind MovementKind, since time.Time) (decimal.Decimal, error)

	// Movement loads one movement, or a MOVEMENT_NOT_FOUND failure.
	Movement(ctx context.Context, id uuid.UUID) (*Movement, error)

	// Movements lists a ledger's movements, newest first.
	Movements(ctx context.Context, ledgerID uuid.UUID, limit, offset int) ([]Movement, error)

	// MarkReconciled sets the Reconciled/ReconciledAt pair on a movement.
	// The pair transitions from unset to set exactly once; a second call
	// fails.
	MarkReconciled(ctx context.Context, movementID uuid.UUID, at time.Time) error

	// AppendAudit persists an audit entry.
	AppendAudit(ctx context.Context, e *audit.Entry) error

	// LastAuditHash returns the hash of the actor's most recent audit
	// entry, or empty when the stream is empty.
	LastAuditHash(ctx context.Context, actor string) (string, error)

	// AuditTrail returns the actor's audit entries, oldest first.
	AuditTrail(ctx context.Context, actor string) ([]audit.Entry, error)
}
