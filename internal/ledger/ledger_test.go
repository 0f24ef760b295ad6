package ledger

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRole(t *testing.T) {
	t.Run("should know the four tiers", func(t *testing.T) {
		for _, r := range []Role{RolePlatform, RoleDistributor, RoleVendor, RoleClient} {
			assert.True(t, r.Valid())
		}
		assert.False(t, Role("admin").Valid())
		assert.False(t, Role("").Valid())
	})

	t.Run("should walk one tier up", func(t *testing.T) {
		p, ok := RoleClient.ParentRole()
		require.True(t, ok)
		assert.Equal(t, RoleVendor, p)

		p, ok = RoleVendor.ParentRole()
		require.True(t, ok)
		assert.Equal(t, RoleDistributor, p)

		p, ok = RoleDistributor.ParentRole()
		require.True(t, ok)
		assert.Equal(t, RolePlatform, p)

		_, ok = RolePlatform.ParentRole()
		assert.False(t, ok)
	})
}

func TestMovementKind(t *testing.T) {
	t.Run("should classify the closed kind set", func(t *testing.T) {
		for _, k := range Kinds {
			assert.True(t, k.Valid())
		}
		assert.False(t, MovementKind("REFUND").Valid())

		assert.True(t, KindInternalTransfer.RequiresCounterpart())
		assert.False(t, KindCredit.RequiresCounterpart())

		assert.False(t, KindReconciliationMark.MovesBalance())
		assert.True(t, KindBlock.MovesBalance())
	})
}

func TestMovementClone(t *testing.T) {
	t.Run("should not share pointer fields with the original", func(t *testing.T) {
		ref := "ref-1"
		origin := uuid.New()
		m := &Movement{ID: uuid.New(), Reference: &ref, OriginLedgerID: &origin}

		c := m.Clone()
		*c.Reference = "ref-2"
		assert.Equal(t, "ref-1", *m.Reference)
	})
}

func TestErrorMatching(t *testing.T) {
	t.Run("should match by code through errors.Is", func(t *testing.T) {
		err := NewError(CodeInsufficientFunds, "available 5, requested 10")
		assert.True(t, errors.Is(err, NewError(CodeInsufficientFunds, "")))
		assert.False(t, errors.Is(err, NewError(CodeInvalidAmount, "")))
	})

	t.Run("should expose the cause chain", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := WrapError(CodeRetryable, cause, "publish failed")
		assert.True(t, errors.Is(err, cause))
		assert.Equal(t, CodeRetryable, CodeOf(err))
	})

	t.Run("should report no code for foreign errors", func(t *testing.T) {
		assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
		assert.False(t, IsCode(nil, CodeRetryable))
	})
}
