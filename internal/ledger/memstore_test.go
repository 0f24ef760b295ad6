package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telares/walletledger/internal/audit"
	"github.com/telares/walletledger/pkg/money"
)

func seedLedger(t *testing.T, s *MemStore, actorID string, available string) *Ledger {
	t.Helper()
	ctx := context.Background()
	l := &Ledger{ID: uuid.New(), ActorID: actorID, Role: RoleDistributor}
	err := s.Within(ctx, func(tx Tx) error {
		if err := tx.CreateLedger(ctx, l); err != nil {
			return err
		}
		if available == "" {
			return nil
		}
		locked, err := tx.GetForUpdate(ctx, l.ID)
		if err != nil {
			return err
		}
		return tx.ApplyDelta(ctx, locked, money.MustParse(available), money.Zero)
	})
	require.NoError(t, err)
	return l
}

func TestMemStoreTransactionality(t *testing.T) {
	ctx := context.Background()

	t.Run("should discard every staged change when fn fails", func(t *testing.T) {
		s := NewMemStore()
		l := seedLedger(t, s, "a-1", "100.00")

		boom := NewError(CodeInvariantViolation, "boom")
		err := s.Within(ctx, func(tx Tx) error {
			locked, err := tx.GetForUpdate(ctx, l.ID)
			require.NoError(t, err)
			require.NoError(t, tx.ApplyDelta(ctx, locked, money.MustParse("50.00"), money.Zero))
			require.NoError(t, tx.AppendMovement(ctx, &Movement{
				ID: uuid.New(), LedgerID: l.ID, Kind: KindCredit, Amount: money.MustParse("50.00"),
			}))
			require.NoError(t, tx.AppendAudit(ctx, audit.New("a-1", "WALLET_CREDIT", "WalletLedger", l.ID.String(), nil, "", false, "")))
			return boom
		})
		require.ErrorIs(t, err, boom)

		err = s.Within(ctx, func(tx Tx) error {
			got, err := tx.LedgerByActor(ctx, "a-1")
			require.NoError(t, err)
			assert.True(t, got.Available.Equal(money.MustParse("100.00")))

			movements, err := tx.Movements(ctx, l.ID, 10, 0)
			require.NoError(t, err)
			assert.Empty(t, movements)

			trail, err := tx.AuditTrail(ctx, "a-1")
			require.NoError(t, err)
			assert.Empty(t, trail)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("should refuse a delta without a row lock", func(t *testing.T) {
		s := NewMemStore()
		seedLedger(t, s, "a-2", "100.00")

		err := s.Within(ctx, func(tx Tx) error {
			unlocked, err := tx.LedgerByActor(ctx, "a-2")
			require.NoError(t, err)
			return tx.ApplyDelta(ctx, unlocked, money.MustParse("10.00"), money.Zero)
		})
		assert.True(t, IsCode(err, CodeInvariantViolation))
	})

	t.Run("should refuse a delta that would go negative", func(t *testing.T) {
		s := NewMemStore()
		l := seedLedger(t, s, "a-3", "100.00")

		err := s.Within(ctx, func(tx Tx) error {
			locked, err := tx.GetForUpdate(ctx, l.ID)
			require.NoError(t, err)
			return tx.ApplyDelta(ctx, locked, money.MustParse("-100.01"), money.Zero)
		})
		assert.True(t, IsCode(err, CodeInvariantViolation))
	})

	t.Run("should update the caller's copy on success", func(t *testing.T) {
		s := NewMemStore()
		l := seedLedger(t, s, "a-4", "100.00")

		err := s.Within(ctx, func(tx Tx) error {
			locked, err := tx.GetForUpdate(ctx, l.ID)
			require.NoError(t, err)
			if err := tx.ApplyDelta(ctx, locked, money.MustParse("-30.00"), money.MustParse("30.00")); err != nil {
				return err
			}
			assert.True(t, locked.Available.Equal(money.MustParse("70.00")))
			assert.True(t, locked.Blocked.Equal(money.MustParse("30.00")))
			return nil
		})
		require.NoError(t, err)
	})
}

func TestMemStoreReferences(t *testing.T) {
	ctx := context.Background()

	t.Run("should reject a duplicate reference within one transaction", func(t *testing.T) {
		s := NewMemStore()
		l := seedLedger(t, s, "b-1", "")
		ref := "ref-1"

		err := s.Within(ctx, func(tx Tx) error {
			first := &Movement{ID: uuid.New(), LedgerID: l.ID, Kind: KindCredit, Amount: money.MustParse("1.00"), Reference: &ref}
			if err := tx.AppendMovement(ctx, first); err != nil {
				return err
			}
			second := &Movement{ID: uuid.New(), LedgerID: l.ID, Kind: KindCredit, Amount: money.MustParse("1.00"), Reference: &ref}
			return tx.AppendMovement(ctx, second)
		})
		assert.True(t, IsCode(err, CodeDuplicateReference))
	})

	t.Run("should see committed references from earlier transactions", func(t *testing.T) {
		s := NewMemStore()
		l := seedLedger(t, s, "b-2", "")
		ref := "ref-2"

		err := s.Within(ctx, func(tx Tx) error {
			return tx.AppendMovement(ctx, &Movement{
				ID: uuid.New(), LedgerID: l.ID, Kind: KindCredit, Amount: money.MustParse("1.00"), Reference: &ref,
			})
		})
		require.NoError(t, err)

		err = s.Within(ctx, func(tx Tx) error {
			exists, err := tx.ReferenceExists(ctx, l.ID, ref)
			require.NoError(t, err)
			assert.True(t, exists)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestMemStoreReconciliation(t *testing.T) {
	ctx := context.Background()

	t.Run("should set the reconciled pair exactly once", func(t *testing.T) {
		s := NewMemStore()
		l := seedLedger(t, s, "c-1", "")
		mvID := uuid.New()

		err := s.Within(ctx, func(tx Tx) error {
			return tx.AppendMovement(ctx, &Movement{
				ID: mvID, LedgerID: l.ID, Kind: KindCredit, Amount: money.MustParse("5.00"),
			})
		})
		require.NoError(t, err)

		at := time.Now().UTC()
		err = s.Within(ctx, func(tx Tx) error {
			return tx.MarkReconciled(ctx, mvID, at)
		})
		require.NoError(t, err)

		err = s.Within(ctx, func(tx Tx) error {
			m, err := tx.Movement(ctx, mvID)
			require.NoError(t, err)
			assert.True(t, m.Reconciled)
			require.NotNil(t, m.ReconciledAt)
			return tx.MarkReconciled(ctx, mvID, time.Now().UTC())
		})
		assert.True(t, IsCode(err, CodeInvalidReconciliation))
	})

	t.Run("should expose a staged reconciliation within the transaction", func(t *testing.T) {
		s := NewMemStore()
		l := seedLedger(t, s, "c-2", "")
		mvID := uuid.New()

		err := s.Within(ctx, func(tx Tx) error {
			return tx.AppendMovement(ctx, &Movement{
				ID: mvID, LedgerID: l.ID, Kind: KindCredit, Amount: money.MustParse("5.00"),
			})
		})
		require.NoError(t, err)

		err = s.Within(ctx, func(tx Tx) error {
			if err := tx.MarkReconciled(ctx, mvID, time.Now().UTC()); err != nil {
				return err
			}
			m, err := tx.Movement(ctx, mvID)
			require.NoError(t, err)
			assert.True(t, m.Reconciled)
			return tx.MarkReconciled(ctx, mvID, time.Now().UTC())
		})
		assert.True(t, IsCode(err, CodeInvalidReconciliation))
	})
}

func TestMemStoreAuditStream(t *testing.T) {
	ctx := context.Background()

	t.Run("should chain hashes across transactions", func(t *testing.T) {
		s := NewMemStore()
		l := seedLedger(t, s, "d-1", "")

		for i := 0; i < 3; i++ {
			err := s.Within(ctx, func(tx Tx) error {
				prev, err := tx.LastAuditHash(ctx, "d-1")
				if err != nil {
					return err
				}
				return tx.AppendAudit(ctx, audit.New("d-1", "WALLET_CREDIT", "WalletLedger", l.ID.String(),
					map[string]string{"amount": "1.00"}, "", false, prev))
			})
			require.NoError(t, err)
		}

		err := s.Within(ctx, func(tx Tx) error {
			trail, err := tx.AuditTrail(ctx, "d-1")
			require.NoError(t, err)
			require.Len(t, trail, 3)
			return audit.VerifyChain(trail)
		})
		require.NoError(t, err)
	})

	t.Run("should keep append order for entries sharing a timestamp", func(t *testing.T) {
		s := NewMemStore()
		l := seedLedger(t, s, "d-2", "")

		at := time.Now().UTC().Truncate(time.Microsecond)
		err := s.Within(ctx, func(tx Tx) error {
			prev := ""
			for i := 0; i < 3; i++ {
				e := audit.New("d-2", "WALLET_CREDIT", "WalletLedger", l.ID.String(),
					map[string]string{"n": string(rune('a' + i))}, "", false, prev)
				e.CreatedAt = at
				e.Hash = audit.ComputeHash(e)
				if err := tx.AppendAudit(ctx, e); err != nil {
					return err
				}
				prev = e.Hash
			}
			return nil
		})
		require.NoError(t, err)

		err = s.Within(ctx, func(tx Tx) error {
			last, err := tx.LastAuditHash(ctx, "d-2")
			require.NoError(t, err)

			trail, err := tx.AuditTrail(ctx, "d-2")
			require.NoError(t, err)
			require.Len(t, trail, 3)
			assert.Equal(t, trail[2].Hash, last)
			return audit.VerifyChain(trail)
		})
		require.NoError(t, err)
	})
}
