package hierarchy

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telares/walletledger/internal/ledger"
)

func makeLedger(role ledger.Role, parent *ledger.Ledger) *ledger.Ledger {
	l := &ledger.Ledger{ID: uuid.New(), ActorID: uuid.NewString(), Role: role}
	if parent != nil {
		l.ParentID = &parent.ID
	}
	return l
}

func TestCanTransfer(t *testing.T) {
	ctx := context.Background()

	platform := makeLedger(ledger.RolePlatform, nil)
	dist := makeLedger(ledger.RoleDistributor, platform)
	vendor := makeLedger(ledger.RoleVendor, dist)
	client := makeLedger(ledger.RoleClient, vendor)

	t.Run("should allow every downward edge in the chain", func(t *testing.T) {
		v := New(NewStaticAssignments())

		assert.NoError(t, v.CanTransfer(ctx, platform, dist))
		assert.NoError(t, v.CanTransfer(ctx, dist, vendor))
		assert.NoError(t, v.CanTransfer(ctx, vendor, client))
	})

	t.Run("should reject transfers to the same ledger", func(t *testing.T) {
		v := New(NewStaticAssignments())

		err := v.CanTransfer(ctx, dist, dist)
		require.Error(t, err)
		var lerr *ledger.Error
		require.ErrorAs(t, err, &lerr)
		assert.Equal(t, RuleSelfTransfer, lerr.Rule)
	})

	t.Run("should reject every upward edge", func(t *testing.T) {
		v := New(NewStaticAssignments())

		for _, pair := range [][2]*ledger.Ledger{
			{dist, platform},
			{vendor, dist},
			{client, vendor},
			{client, platform},
		} {
			err := v.CanTransfer(ctx, pair[0], pair[1])
			require.Error(t, err)
			var lerr *ledger.Error
			require.ErrorAs(t, err, &lerr)
			assert.Equal(t, RuleRoleNotAllowed, lerr.Rule)
		}
	})

	t.Run("should reject peer transfers at the same tier", func(t *testing.T) {
		v := New(NewStaticAssignments())
		otherDist := makeLedger(ledger.RoleDistributor, platform)

		err := v.CanTransfer(ctx, dist, otherDist)
		require.Error(t, err)
		var lerr *ledger.Error
		require.ErrorAs(t, err, &lerr)
		assert.Equal(t, RuleRoleNotAllowed, lerr.Rule)
	})

	t.Run("should allow a distributor to reach its direct client", func(t *testing.T) {
		v := New(NewStaticAssignments())
		directClient := makeLedger(ledger.RoleClient, dist)

		assert.NoError(t, v.CanTransfer(ctx, dist, directClient))
	})

	t.Run("should require an assignment across branches", func(t *testing.T) {
		assignments := NewStaticAssignments()
		v := New(assignments)

		otherDist := makeLedger(ledger.RoleDistributor, platform)
		otherVendor := makeLedger(ledger.RoleVendor, otherDist)

		err := v.CanTransfer(ctx, dist, otherVendor)
		require.Error(t, err)
		var lerr *ledger.Error
		require.ErrorAs(t, err, &lerr)
		assert.Equal(t, RuleNotAssigned, lerr.Rule)

		assignments.Assign(dist.ActorID, otherVendor.ActorID)
		assert.NoError(t, v.CanTransfer(ctx, dist, otherVendor))

		assignments.Revoke(dist.ActorID, otherVendor.ActorID)
		assert.Error(t, v.CanTransfer(ctx, dist, otherVendor))
	})

	t.Run("should allow siblings under the same parent", func(t *testing.T) {
		v := New(NewStaticAssignments())
		siblingClient := makeLedger(ledger.RoleClient, vendor)

		// vendor's own clients share vendor as parent; vendor -> client is
		// covered by the direct-parent shortcut, clients never send.
		assert.NoError(t, v.CanTransfer(ctx, vendor, siblingClient))
	})
}
