package limits

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telares/walletledger/internal/ledger"
	"github.com/telares/walletledger/pkg/money"
)

func TestCheckAmount(t *testing.T) {
	g := New(DefaultConfig())

	t.Run("should accept amounts inside the bounds", func(t *testing.T) {
		assert.NoError(t, g.CheckAmount(money.MustParse("0.01"), ledger.KindCredit))
		assert.NoError(t, g.CheckAmount(money.MustParse("50000.00"), ledger.KindCredit))
		assert.NoError(t, g.CheckAmount(money.MustParse("123.45"), ledger.KindDebit))
	})

	t.Run("should reject zero and negative amounts", func(t *testing.T) {
		assert.True(t, ledger.IsCode(g.CheckAmount(money.MustParse("0.00"), ledger.KindCredit), ledger.CodeInvalidAmount))
		assert.True(t, ledger.IsCode(g.CheckAmount(money.MustParse("-1.00"), ledger.KindCredit), ledger.CodeInvalidAmount))
	})

	t.Run("should reject amounts above the maximum", func(t *testing.T) {
		err := g.CheckAmount(money.MustParse("50000.01"), ledger.KindCredit)
		assert.True(t, ledger.IsCode(err, ledger.CodeInvalidAmount))
	})

	t.Run("should apply the stricter ceiling to block movements", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.BlockCeiling = money.MustParse("1000.00")
		g := New(cfg)

		assert.NoError(t, g.CheckAmount(money.MustParse("1000.00"), ledger.KindBlock))
		assert.True(t, ledger.IsCode(
			g.CheckAmount(money.MustParse("1000.01"), ledger.KindBlock), ledger.CodeInvalidAmount))
		assert.True(t, ledger.IsCode(
			g.CheckAmount(money.MustParse("1000.01"), ledger.KindUnblock), ledger.CodeInvalidAmount))

		// Non-block movements only see the global maximum.
		assert.NoError(t, g.CheckAmount(money.MustParse("1000.01"), ledger.KindCredit))
	})
}

func TestCheckDailyCeiling(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, store *ledger.MemStore, committed string) *ledger.Ledger {
		t.Helper()
		var l *ledger.Ledger
		err := store.Within(ctx, func(tx ledger.Tx) error {
			l = &ledger.Ledger{ActorID: "dist-1", Role: ledger.RoleDistributor}
			l.ID = uuid.New()
			if err := tx.CreateLedger(ctx, l); err != nil {
				return err
			}
			if committed == "" {
				return nil
			}
			return tx.AppendMovement(ctx, &ledger.Movement{
				ID:        uuid.New(),
				LedgerID:  l.ID,
				Kind:      ledger.KindInternalTransfer,
				Amount:    money.MustParse(committed),
				CreatedAt: time.Now().UTC(),
			})
		})
		require.NoError(t, err)
		return l
	}

	t.Run("should count today's committed volume of the same kind", func(t *testing.T) {
		store := ledger.NewMemStore()
		l := seed(t, store, "90000.00")
		g := New(DefaultConfig())

		err := store.Within(ctx, func(tx ledger.Tx) error {
			require.NoError(t, g.CheckDailyCeiling(ctx, tx, l.ID, ledger.KindInternalTransfer, money.MustParse("10000.00")))
			err := g.CheckDailyCeiling(ctx, tx, l.ID, ledger.KindInternalTransfer, money.MustParse("10000.01"))
			assert.True(t, ledger.IsCode(err, ledger.CodeDailyCeilingExceeded))
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("should ignore kinds outside the configured set", func(t *testing.T) {
		store := ledger.NewMemStore()
		l := seed(t, store, "")
		g := New(DefaultConfig())

		err := store.Within(ctx, func(tx ledger.Tx) error {
			return g.CheckDailyCeiling(ctx, tx, l.ID, ledger.KindCredit, money.MustParse("999999.00"))
		})
		assert.NoError(t, err)
	})

	t.Run("should ignore volume from previous days", func(t *testing.T) {
		store := ledger.NewMemStore()
		var l *ledger.Ledger
		err := store.Within(ctx, func(tx ledger.Tx) error {
			l = &ledger.Ledger{ActorID: "dist-2", Role: ledger.RoleDistributor, ID: uuid.New()}
			if err := tx.CreateLedger(ctx, l); err != nil {
				return err
			}
			return tx.AppendMovement(ctx, &ledger.Movement{
				ID:        uuid.New(),
				LedgerID:  l.ID,
				Kind:      ledger.KindInternalTransfer,
				Amount:    money.MustParse("99999.00"),
				CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
			})
		})
		require.NoError(t, err)

		g := New(DefaultConfig())
		err = store.Within(ctx, func(tx ledger.Tx) error {
			return g.CheckDailyCeiling(ctx, tx, l.ID, ledger.KindInternalTransfer, money.MustParse("50000.00"))
		})
		assert.NoError(t, err)
	})
}
