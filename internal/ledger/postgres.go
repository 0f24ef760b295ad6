package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/telares/walletledger/internal/audit"
)

// PostgresStore is the production Store. Every Within call is one SQL
// transaction; GetForUpdate maps to SELECT ... FOR UPDATE so the row lock
// is held until commit or rollback.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS wallet_ledgers (
	id UUID PRIMARY KEY,
	actor_id TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL,
	available NUMERIC(15,2) NOT NULL DEFAULT 0 CHECK (available >= 0),
	blocked NUMERIC(15,2) NOT NULL DEFAULT 0 CHECK (blocked >= 0),
	parent_id UUID REFERENCES wallet_ledgers(id),
	disabled BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet_movements (
	id UUID PRIMARY KEY,
	ledger_id UUID NOT NULL REFERENCES wallet_ledgers(id),
	kind TEXT NOT NULL,
	amount NUMERIC(15,2) NOT NULL CHECK (amount >= 0),
	negative BOOLEAN NOT NULL DEFAULT FALSE,
	reference TEXT,
	origin_ledger_id UUID,
	operator_id TEXT,
	actor_ip TEXT NOT NULL DEFAULT '',
	device_info TEXT NOT NULL DEFAULT '',
	reconciled BOOLEAN NOT NULL DEFAULT FALSE,
	reconciled_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	CHECK (reconciled = (reconciled_at IS NOT NULL))
);

CREATE UNIQUE INDEX IF NOT EXISTS wallet_movements_ledger_reference
	ON wallet_movements (ledger_id, reference) WHERE reference IS NOT NULL;
CREATE INDEX IF NOT EXISTS wallet_movements_ledger_created
	ON wallet_movements (ledger_id, created_at);
CREATE INDEX IF NOT EXISTS wallet_movements_ledger_kind_created
	ON wallet_movements (ledger_id, kind, created_at);

CREATE TABLE IF NOT EXISTS wallet_audit (
	seq BIGSERIAL PRIMARY KEY,
	id UUID NOT NULL UNIQUE,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	entity TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	details JSONB NOT NULL DEFAULT '{}',
	ip_address TEXT NOT NULL DEFAULT '',
	from_api BOOLEAN NOT NULL DEFAULT FALSE,
	prev_hash TEXT NOT NULL DEFAULT '',
	hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS wallet_audit_actor_seq
	ON wallet_audit (actor, seq);
`

// Init creates the engine's tables if they do not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Within runs fn in one SQL transaction.
func (s *PostgresStore) Within(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WrapError(CodeRetryable, err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrapPgError(err, "failed to commit")
	}
	return nil
}

// Close closes the underlying pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// wrapPgError maps driver errors to typed failures the service understands.
func wrapPgError(err error, msg string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			// actor_id uniqueness trips when two provisioning calls race;
			// every other unique constraint here is the reference index.
			if pqErr.Constraint == "wallet_ledgers_actor_id_key" {
				return WrapError(CodeInvariantViolation, err, "actor already has a ledger")
			}
			return WrapError(CodeDuplicateReference, err, "external reference already used")
		case "23514": // check_violation (non-negative balances)
			return WrapError(CodeInvariantViolation, err, "balance constraint violated")
		case "55P03", "40001", "40P01": // lock timeout, serialization, deadlock
			return WrapError(CodeRetryable, err, "transient storage conflict")
		}
	}
	return WrapError(CodeRetryable, err, "%s", msg)
}

type pgTx struct {
	tx *sql.Tx
}

const ledgerColumns = `id, actor_id, role, available, blocked, parent_id, disabled, created_at, last_updated`

func scanLedger(row *sql.Row) (*Ledger, error) {
	var l Ledger
	var parent uuid.NullUUID
	err := row.Scan(&l.ID, &l.ActorID, &l.Role, &l.Available, &l.Blocked,
		&parent, &l.Disabled, &l.CreatedAt, &l.LastUpdated)
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		id := parent.UUID
		l.ParentID = &id
	}
	return &l, nil
}

func (t *pgTx) CreateLedger(ctx context.Context, l *Ledger) error {
	now := time.Now().UTC()
	l.CreatedAt = now
	l.LastUpdated = now

	var parent uuid.NullUUID
	if l.ParentID != nil {
		parent = uuid.NullUUID{UUID: *l.ParentID, Valid: true}
	}

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO wallet_ledgers (`+ledgerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.ActorID, l.Role, l.Available, l.Blocked,
		parent, l.Disabled, l.CreatedAt, l.LastUpdated,
	)
	if err != nil {
		return wrapPgError(err, "failed to create ledger")
	}
	return nil
}

func (t *pgTx) LedgerByActor(ctx context.Context, actorID string) (*Ledger, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM wallet_ledgers WHERE actor_id = $1`, actorID)
	l, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewError(CodeLedgerNotFound, "no ledger for actor %s", actorID)
	}
	if err != nil {
		return nil, wrapPgError(err, "failed to load ledger")
	}
	return l, nil
}

func (t *pgTx) GetForUpdate(ctx context.Context, id uuid.UUID) (*Ledger, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM wallet_ledgers WHERE id = $1 FOR UPDATE`, id)
	l, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewError(CodeLedgerNotFound, "no ledger %s", id)
	}
	if err != nil {
		return nil, wrapPgError(err, "failed to lock ledger")
	}
	return l, nil
}

func (t *pgTx) ApplyDelta(ctx context.Context, l *Ledger, availableDelta, blockedDelta decimal.Decimal) error {
	row := t.tx.QueryRowContext(ctx,
		`UPDATE wallet_ledgers
		 SET available = available + $1, blocked = blocked + $2, last_updated = $3
		 WHERE id = $4 AND available + $1 >= 0 AND blocked + $2 >= 0
		 RETURNING available, blocked, last_updated`,
		availableDelta, blockedDelta, time.Now().UTC(), l.ID,
	)
	err := row.Scan(&l.Available, &l.Blocked, &l.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return NewError(CodeInvariantViolation,
			"delta (%s, %s) would drive ledger %s negative", availableDelta, blockedDelta, l.ID)
	}
	if err != nil {
		return wrapPgError(err, "failed to apply delta")
	}
	return nil
}

func (t *pgTx) AppendMovement(ctx context.Context, m *Movement) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	var reference sql.NullString
	if m.Reference != nil {
		reference = sql.NullString{String: *m.Reference, Valid: true}
	}
	var origin uuid.NullUUID
	if m.OriginLedgerID != nil {
		origin = uuid.NullUUID{UUID: *m.OriginLedgerID, Valid: true}
	}
	var operator sql.NullString
	if m.OperatorID != nil {
		operator = sql.NullString{String: *m.OperatorID, Valid: true}
	}
	var reconciledAt sql.NullTime
	if m.ReconciledAt != nil {
		reconciledAt = sql.NullTime{Time: *m.ReconciledAt, Valid: true}
	}

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO wallet_movements
		 (id, ledger_id, kind, amount, negative, reference, origin_ledger_id,
		  operator_id, actor_ip, device_info, reconciled, reconciled_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.ID, m.LedgerID, m.Kind, m.Amount, m.Negative, reference, origin,
		operator, m.ActorIP, m.DeviceInfo, m.Reconciled, reconciledAt, m.CreatedAt,
	)
	if err != nil {
		return wrapPgError(err, "failed to append movement")
	}
	return nil
}

func (t *pgTx) ReferenceExists(ctx context.Context, ledgerID uuid.UUID, reference string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM wallet_movements WHERE ledger_id = $1 AND reference = $2
		 )`, ledgerID, reference).Scan(&exists)
	if err != nil {
		return false, wrapPgError(err, "failed to check reference")
	}
	return exists, nil
}

func (t *pgTx) SumMovements(ctx context.Context, ledgerID uuid.UUID, kind MovementKind, since time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM wallet_movements
		 WHERE ledger_id = $1 AND kind = $2 AND created_at >= $3`,
		ledgerID, kind, since).Scan(&sum)
	if err != nil {
		return decimal.Zero, wrapPgError(err, "failed to sum movements")
	}
	return sum, nil
}

const movementColumns = `id, ledger_id, kind, amount, negative, reference, origin_ledger_id,
	operator_id, actor_ip, device_info, reconciled, reconciled_at, created_at`

type movementScanner interface {
	Scan(dest ...interface{}) error
}

func scanMovement(row movementScanner) (*Movement, error) {
	var m Movement
	var reference, operator sql.NullString
	var origin uuid.NullUUID
	var reconciledAt sql.NullTime

	err := row.Scan(&m.ID, &m.LedgerID, &m.Kind, &m.Amount, &m.Negative,
		&reference, &origin, &operator, &m.ActorIP, &m.DeviceInfo,
		&m.Reconciled, &reconciledAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	if reference.Valid {
		v := reference.String
		m.Reference = &v
	}
	if origin.Valid {
		v := origin.UUID
		m.OriginLedgerID = &v
	}
	if operator.Valid {
		v := operator.String
		m.OperatorID = &v
	}
	if reconciledAt.Valid {
		v := reconciledAt.Time
		m.ReconciledAt = &v
	}
	return &m, nil
}

func (t *pgTx) Movement(ctx context.Context, id uuid.UUID) (*Movement, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+movementColumns+` FROM wallet_movements WHERE id = $1`, id)
	m, err := scanMovement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewError(CodeMovementNotFound, "no movement %s", id)
	}
	if err != nil {
		return nil, wrapPgError(err, "failed to load movement")
	}
	return m, nil
}

func (t *pgTx) Movements(ctx context.Context, ledgerID uuid.UUID, limit, offset int) ([]Movement, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+movementColumns+` FROM wallet_movements
		 WHERE ledger_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		ledgerID, limit, offset)
	if err != nil {
		return nil, wrapPgError(err, "failed to query movements")
	}
	defer rows.Close()

	var out []Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, wrapPgError(err, "failed to scan movement")
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError(err, "failed to iterate movements")
	}
	return out, nil
}

func (t *pgTx) MarkReconciled(ctx context.Context, movementID uuid.UUID, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE wallet_movements SET reconciled = TRUE, reconciled_at = $1
		 WHERE id = $2 AND reconciled = FALSE`,
		at.UTC(), movementID)
	if err != nil {
		return wrapPgError(err, "failed to mark reconciled")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapPgError(err, "failed to mark reconciled")
	}
	if n == 0 {
		if _, err := t.Movement(ctx, movementID); err != nil {
			return err
		}
		return NewError(CodeInvalidReconciliation, "movement %s already reconciled", movementID)
	}
	return nil
}

func (t *pgTx) AppendAudit(ctx context.Context, e *audit.Entry) error {
	details := e.Details
	if details == nil {
		details = map[string]string{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return WrapError(CodeRetryable, err, "failed to marshal audit details")
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO wallet_audit
		 (id, actor, action, entity, entity_id, details, ip_address, from_api, prev_hash, hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.Actor, e.Action, e.Entity, e.EntityID, detailsJSON,
		e.IPAddress, e.FromAPI, e.PrevHash, e.Hash, e.CreatedAt,
	)
	if err != nil {
		return wrapPgError(err, "failed to append audit entry")
	}
	return nil
}

// LastAuditHash and AuditTrail order by the insertion sequence, not by
// created_at: timestamps are microsecond-granular and two entries in the
// same microsecond would tie, breaking the chain order.
func (t *pgTx) LastAuditHash(ctx context.Context, actor string) (string, error) {
	var hash string
	err := t.tx.QueryRowContext(ctx,
		`SELECT hash FROM wallet_audit WHERE actor = $1
		 ORDER BY seq DESC LIMIT 1`, actor).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapPgError(err, "failed to load audit hash")
	}
	return hash, nil
}

func (t *pgTx) AuditTrail(ctx context.Context, actor string) ([]audit.Entry, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, actor, action, entity, entity_id, details, ip_address,
		        from_api, prev_hash, hash, created_at
		 FROM wallet_audit WHERE actor = $1 ORDER BY seq ASC`, actor)
	if err != nil {
		return nil, wrapPgError(err, "failed to query audit trail")
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var detailsJSON []byte
		err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Entity, &e.EntityID,
			&detailsJSON, &e.IPAddress, &e.FromAPI, &e.PrevHash, &e.Hash, &e.CreatedAt)
		if err != nil {
			return nil, wrapPgError(err, "failed to scan audit entry")
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				return nil, WrapError(CodeRetryable, err, "failed to decode audit details")
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError(err, "failed to iterate audit trail")
	}
	return out, nil
}
