package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/telares/walletledger/internal/audit"
)

// MemStore is an in-memory Store with the same transactional contract as
// the SQL store: mutations stage inside the transaction and apply on commit,
// so a failed unit leaves nothing behind. The whole store serializes on one
// mutex, which subsumes per-row locking; it backs the test suite and local
// runs without postgres.
type MemStore struct {
	mu         sync.Mutex
	ledgers    map[uuid.UUID]*Ledger
	actorIdx   map[string]uuid.UUID
	movements  map[uuid.UUID]*Movement
	ledgerMovs map[uuid.UUID][]uuid.UUID
	audits     map[string][]audit.Entry
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		ledgers:    make(map[uuid.UUID]*Ledger),
		actorIdx:   make(map[string]uuid.UUID),
		movements:  make(map[uuid.UUID]*Movement),
		ledgerMovs: make(map[uuid.UUID][]uuid.UUID),
		audits:     make(map[string][]audit.Entry),
	}
}

// Within runs fn in one atomic unit. Staged changes apply only when fn
// returns nil.
func (s *MemStore) Within(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return WrapError(CodeRetryable, err, "context done before transaction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:          s,
		ledgers:    make(map[uuid.UUID]*Ledger),
		created:    make(map[string]uuid.UUID),
		reconciled: make(map[uuid.UUID]time.Time),
		locked:     make(map[uuid.UUID]bool),
	}

	if err := fn(tx); err != nil {
		return err
	}

	tx.commit()
	return nil
}

// Close implements Store.
func (s *MemStore) Close() error { return nil }

// SetDisabled flips an actor's soft-disable flag. In production this is an
// actor-management update against the ledger row; the in-memory store
// exposes it directly for local harnesses.
func (s *MemStore) SetDisabled(actorID string, disabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.actorIdx[actorID]
	if !ok {
		return false
	}
	s.ledgers[id].Disabled = disabled
	return true
}

// memTx stages all mutations; commit applies them to the base maps.
type memTx struct {
	s          *MemStore
	ledgers    map[uuid.UUID]*Ledger // working copies, including new rows
	created    map[string]uuid.UUID
	movements  []*Movement
	reconciled map[uuid.UUID]time.Time
	audits     []*audit.Entry
	locked     map[uuid.UUID]bool
}

func (tx *memTx) commit() {
	for id, l := range tx.ledgers {
		tx.s.ledgers[id] = l
	}
	for actor, id := range tx.created {
		tx.s.actorIdx[actor] = id
	}
	for _, m := range tx.movements {
		tx.s.movements[m.ID] = m
		tx.s.ledgerMovs[m.LedgerID] = append(tx.s.ledgerMovs[m.LedgerID], m.ID)
	}
	for id, at := range tx.reconciled {
		m := tx.s.movements[id]
		when := at
		m.Reconciled = true
		m.ReconciledAt = &when
	}
	for _, e := range tx.audits {
		tx.s.audits[e.Actor] = append(tx.s.audits[e.Actor], *e)
	}
}

// working returns the transaction's copy of a ledger, creating it from the
// base row on first touch.
func (tx *memTx) working(id uuid.UUID) (*Ledger, bool) {
	if l, ok := tx.ledgers[id]; ok {
		return l, true
	}
	base, ok := tx.s.ledgers[id]
	if !ok {
		return nil, false
	}
	l := base.Clone()
	tx.ledgers[id] = l
	return l, true
}

func (tx *memTx) CreateLedger(ctx context.Context, l *Ledger) error {
	if _, exists := tx.lookupActor(l.ActorID); exists {
		return NewError(CodeInvariantViolation, "actor %s already has a ledger", l.ActorID)
	}
	now := time.Now().UTC()
	c := l.Clone()
	c.CreatedAt = now
	c.LastUpdated = now
	tx.ledgers[c.ID] = c
	tx.created[c.ActorID] = c.ID
	*l = *c
	return nil
}

func (tx *memTx) lookupActor(actorID string) (uuid.UUID, bool) {
	if id, ok := tx.created[actorID]; ok {
		return id, true
	}
	id, ok := tx.s.actorIdx[actorID]
	return id, ok
}

func (tx *memTx) LedgerByActor(ctx context.Context, actorID string) (*Ledger, error) {
	id, ok := tx.lookupActor(actorID)
	if !ok {
		return nil, NewError(CodeLedgerNotFound, "no ledger for actor %s", actorID)
	}
	l, _ := tx.working(id)
	return l.Clone(), nil
}

func (tx *memTx) GetForUpdate(ctx context.Context, id uuid.UUID) (*Ledger, error) {
	l, ok := tx.working(id)
	if !ok {
		return nil, NewError(CodeLedgerNotFound, "no ledger %s", id)
	}
	tx.locked[id] = true
	return l.Clone(), nil
}

func (tx *memTx) ApplyDelta(ctx context.Context, l *Ledger, availableDelta, blockedDelta decimal.Decimal) error {
	if !tx.locked[l.ID] {
		return NewError(CodeInvariantViolation, "ledger %s mutated without row lock", l.ID)
	}

	w, ok := tx.working(l.ID)
	if !ok {
		return NewError(CodeLedgerNotFound, "no ledger %s", l.ID)
	}

	newAvailable := w.Available.Add(availableDelta)
	newBlocked := w.Blocked.Add(blockedDelta)
	if newAvailable.IsNegative() || newBlocked.IsNegative() {
		return NewError(CodeInvariantViolation,
			"delta would drive balance negative: available %s, blocked %s", newAvailable, newBlocked)
	}

	w.Available = newAvailable
	w.Blocked = newBlocked
	w.LastUpdated = time.Now().UTC()
	*l = *w.Clone()
	return nil
}

func (tx *memTx) AppendMovement(ctx context.Context, m *Movement) error {
	if m.Reference != nil {
		dup, err := tx.ReferenceExists(ctx, m.LedgerID, *m.Reference)
		if err != nil {
			return err
		}
		if dup {
			return NewError(CodeDuplicateReference, "reference %s already used", *m.Reference)
		}
	}
	c := m.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	tx.movements = append(tx.movements, c)
	*m = *c.Clone()
	return nil
}

func (tx *memTx) ReferenceExists(ctx context.Context, ledgerID uuid.UUID, reference string) (bool, error) {
	for _, id := range tx.s.ledgerMovs[ledgerID] {
		m := tx.s.movements[id]
		if m.Reference != nil && *m.Reference == reference {
			return true, nil
		}
	}
	for _, m := range tx.movements {
		if m.LedgerID == ledgerID && m.Reference != nil && *m.Reference == reference {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) SumMovements(ctx context.Context, ledgerID uuid.UUID, kind MovementKind, since time.Time) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, id := range tx.s.ledgerMovs[ledgerID] {
		m := tx.s.movements[id]
		if m.Kind == kind && !m.CreatedAt.Before(since) {
			sum = sum.Add(m.Amount)
		}
	}
	for _, m := range tx.movements {
		if m.LedgerID == ledgerID && m.Kind == kind && !m.CreatedAt.Before(since) {
			sum = sum.Add(m.Amount)
		}
	}
	return sum, nil
}

func (tx *memTx) Movement(ctx context.Context, id uuid.UUID) (*Movement, error) {
	if m, ok := tx.s.movements[id]; ok {
		c := m.Clone()
		if at, staged := tx.reconciled[id]; staged {
			when := at
			c.Reconciled = true
			c.ReconciledAt = &when
		}
		return c, nil
	}
	for _, m := range tx.movements {
		if m.ID == id {
			return m.Clone(), nil
		}
	}
	return nil, NewError(CodeMovementNotFound, "no movement %s", id)
}

func (tx *memTx) Movements(ctx context.Context, ledgerID uuid.UUID, limit, offset int) ([]Movement, error) {
	var all []Movement
	for _, id := range tx.s.ledgerMovs[ledgerID] {
		all = append(all, *tx.s.movements[id].Clone())
	}
	for _, m := range tx.movements {
		if m.LedgerID == ledgerID {
			all = append(all, *m.Clone())
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (tx *memTx) MarkReconciled(ctx context.Context, movementID uuid.UUID, at time.Time) error {
	m, err := tx.Movement(ctx, movementID)
	if err != nil {
		return err
	}
	if m.Reconciled {
		return NewError(CodeInvalidReconciliation, "movement %s already reconciled", movementID)
	}
	tx.reconciled[movementID] = at.UTC()
	return nil
}

func (tx *memTx) AppendAudit(ctx context.Context, e *audit.Entry) error {
	c := *e
	if c.Details != nil {
		details := make(map[string]string, len(c.Details))
		for k, v := range c.Details {
			details[k] = v
		}
		c.Details = details
	}
	tx.audits = append(tx.audits, &c)
	return nil
}

func (tx *memTx) LastAuditHash(ctx context.Context, actor string) (string, error) {
	for i := len(tx.audits) - 1; i >= 0; i-- {
		if tx.audits[i].Actor == actor {
			return tx.audits[i].Hash, nil
		}
	}
	stream := tx.s.audits[actor]
	if len(stream) == 0 {
		return "", nil
	}
	return stream[len(stream)-1].Hash, nil
}

func (tx *memTx) AuditTrail(ctx context.Context, actor string) ([]audit.Entry, error) {
	var out []audit.Entry
	out = append(out, tx.s.audits[actor]...)
	for _, e := range tx.audits {
		if e.Actor == actor {
			out = append(out, *e)
		}
	}
	return out, nil
}
