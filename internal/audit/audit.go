// Package audit provides the tamper-evident trail kept alongside the
// movement log. Every mutating ledger operation appends one entry; entries
// for the same actor form a hash chain, so editing or deleting any entry
// breaks verification of everything after it.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is one append-only audit record. Entries are never updated or
// deleted; a mismatch between Hash and the recomputed value signals
// tampering and is never auto-corrected.
type Entry struct {
	ID        uuid.UUID
	Actor     string
	Action    string
	Entity    string
	EntityID  string
	Details   map[string]string
	IPAddress string
	FromAPI   bool
	PrevHash  string
	Hash      string
	CreatedAt time.Time
}

// IntegrityError reports a hash verification failure. It is a distinct,
// non-recoverable failure: callers surface it for manual investigation.
type IntegrityError struct {
	EntryID  uuid.UUID
	Stored   string
	Computed string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit entry %s failed integrity check: stored %s, computed %s",
		e.EntryID, e.Stored, e.Computed)
}

// New builds an entry with its hash computed over the stored fields and the
// previous entry's hash for the same actor stream. prevHash is empty for the
// first entry of a stream. CreatedAt is truncated to microseconds before
// hashing: TIMESTAMPTZ storage keeps no finer resolution, and a hash over
// digits the store drops would flag every read-back as tampered.
func New(actor, action, entity, entityID string, details map[string]string, ip string, fromAPI bool, prevHash string) *Entry {
	e := &Entry{
		ID:        uuid.New(),
		Actor:     actor,
		Action:    action,
		Entity:    entity,
		EntityID:  entityID,
		Details:   details,
		IPAddress: ip,
		FromAPI:   fromAPI,
		PrevHash:  prevHash,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	e.Hash = ComputeHash(e)
	return e
}

// ComputeHash returns the SHA-256 hash over the entry's identity fields,
// timestamp, canonicalized details, origin flag and chain predecessor.
// encoding/json marshals map keys in sorted order, which is the
// canonicalization this format relies on.
func ComputeHash(e *Entry) string {
	details := e.Details
	if details == nil {
		details = map[string]string{}
	}
	detailsJSON, _ := json.Marshal(details)

	base := fmt.Sprintf("%s-%s-%s-%s-%s-%t-%s",
		e.Entity,
		e.EntityID,
		e.Actor,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		detailsJSON,
		e.FromAPI,
		e.PrevHash,
	)

	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the entry hash from its stored fields and reports a
// mismatch as an IntegrityError.
func Verify(e *Entry) error {
	computed := ComputeHash(e)
	if computed != e.Hash {
		return &IntegrityError{EntryID: e.ID, Stored: e.Hash, Computed: computed}
	}
	return nil
}

// VerifyChain verifies a single actor's entries, oldest first: each entry
// must verify individually and link to its predecessor's hash.
func VerifyChain(entries []Entry) error {
	prev := ""
	for i := range entries {
		e := &entries[i]
		if e.PrevHash != prev {
			return &IntegrityError{EntryID: e.ID, Stored: e.PrevHash, Computed: prev}
		}
		if err := Verify(e); err != nil {
			return err
		}
		prev = e.Hash
	}
	return nil
}
