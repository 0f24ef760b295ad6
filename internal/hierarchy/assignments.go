package hierarchy

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// SQLAssignments reads the owner/subordinate relation maintained by actor
// management from its actor_assignments table. Rows are soft-disabled via
// the active flag, never deleted.
type SQLAssignments struct {
	db *sql.DB
}

// NewSQLAssignments wraps a connection pool.
func NewSQLAssignments(db *sql.DB) *SQLAssignments {
	return &SQLAssignments{db: db}
}

// Init creates the assignment table if actor management has not yet.
func (a *SQLAssignments) Init(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS actor_assignments (
			owner_actor_id TEXT NOT NULL,
			subordinate_actor_id TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			assigned_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (owner_actor_id, subordinate_actor_id)
		)`)
	return err
}

// IsAssigned implements Assignments.
func (a *SQLAssignments) IsAssigned(ctx context.Context, ownerActorID, subordinateActorID string) (bool, error) {
	var assigned bool
	err := a.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM actor_assignments
			WHERE owner_actor_id = $1 AND subordinate_actor_id = $2 AND active
		 )`, ownerActorID, subordinateActorID).Scan(&assigned)
	if err != nil {
		return false, fmt.Errorf("assignment lookup: %w", err)
	}
	return assigned, nil
}

// StaticAssignments is an in-memory Assignments implementation for tests
// and local runs.
type StaticAssignments struct {
	mu    sync.RWMutex
	pairs map[string]map[string]bool
}

// NewStaticAssignments creates an empty relation.
func NewStaticAssignments() *StaticAssignments {
	return &StaticAssignments{pairs: make(map[string]map[string]bool)}
}

// Assign records that subordinate belongs to owner.
func (a *StaticAssignments) Assign(ownerActorID, subordinateActorID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pairs[ownerActorID] == nil {
		a.pairs[ownerActorID] = make(map[string]bool)
	}
	a.pairs[ownerActorID][subordinateActorID] = true
}

// Revoke removes an assignment.
func (a *StaticAssignments) Revoke(ownerActorID, subordinateActorID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pairs[ownerActorID], subordinateActorID)
}

// IsAssigned implements Assignments.
func (a *StaticAssignments) IsAssigned(ctx context.Context, ownerActorID, subordinateActorID string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pairs[ownerActorID][subordinateActorID], nil
}
