package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Event subjects
const (
	SubjectMovementRecorded   = "wallet.movement.recorded"
	SubjectTransferCompleted  = "wallet.transfer.completed"
	SubjectFundsBlocked       = "wallet.funds.blocked"
	SubjectFundsUnblocked     = "wallet.funds.unblocked"
	SubjectLedgerProvisioned  = "wallet.ledger.provisioned"
	SubjectMovementReconciled = "wallet.movement.reconciled"
	SubjectIntegrityAlert     = "wallet.audit.integrity_alert"
)

// MovementEvent is emitted after any balance-affecting movement commits.
// Amounts travel as strings so consumers never round them through floats.
type MovementEvent struct {
	MovementID uuid.UUID `json:"movement_id"`
	LedgerID   uuid.UUID `json:"ledger_id"`
	ActorID    string    `json:"actor_id"`
	Kind       string    `json:"kind"`
	Amount     string    `json:"amount"`
	Currency   string    `json:"currency"`
	Reference  string    `json:"reference,omitempty"`
	OperatorID string    `json:"operator_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TransferEvent is emitted after an internal transfer commits. It carries
// both movement ids so consumers can join the two legs.
type TransferEvent struct {
	DebitMovementID  uuid.UUID `json:"debit_movement_id"`
	CreditMovementID uuid.UUID `json:"credit_movement_id"`
	FromLedgerID     uuid.UUID `json:"from_ledger_id"`
	ToLedgerID       uuid.UUID `json:"to_ledger_id"`
	FromActorID      string    `json:"from_actor_id"`
	ToActorID        string    `json:"to_actor_id"`
	Amount           string    `json:"amount"`
	Currency         string    `json:"currency"`
	Reference        string    `json:"reference,omitempty"`
	OperatorID       string    `json:"operator_id,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// LedgerEvent is emitted when a ledger is provisioned.
type LedgerEvent struct {
	LedgerID   uuid.UUID `json:"ledger_id"`
	ActorID    string    `json:"actor_id"`
	Role       string    `json:"role"`
	ParentID   string    `json:"parent_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ReconciliationEvent is emitted when a movement is marked reconciled.
type ReconciliationEvent struct {
	MovementID        uuid.UUID `json:"movement_id"`
	LedgerID          uuid.UUID `json:"ledger_id"`
	ExternalReference string    `json:"external_reference"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// IntegrityAlertEvent is emitted when audit hash verification fails. This is
// a fatal condition for the affected trail; the event exists so operations
// can page on it.
type IntegrityAlertEvent struct {
	EntryID    uuid.UUID `json:"entry_id"`
	Actor      string    `json:"actor"`
	StoredHash string    `json:"stored_hash"`
	WantHash   string    `json:"want_hash"`
	DetectedAt time.Time `json:"detected_at"`
}
