package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telares/walletledger/internal/ledger"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	t.Run("should give the platform every capability", func(t *testing.T) {
		for _, op := range []Operation{
			OpProvision, OpDeposit, OpWithdraw, OpTransfer,
			OpBlock, OpUnblock, OpAdjust, OpReconcile,
		} {
			assert.NoError(t, p.Allow(op, ledger.RolePlatform))
		}
	})

	t.Run("should keep adjustments and provisioning off the distributor", func(t *testing.T) {
		assert.NoError(t, p.Allow(OpTransfer, ledger.RoleDistributor))
		assert.NoError(t, p.Allow(OpBlock, ledger.RoleDistributor))

		err := p.Allow(OpAdjust, ledger.RoleDistributor)
		assert.True(t, ledger.IsCode(err, ledger.CodeNotAuthorized))
		err = p.Allow(OpProvision, ledger.RoleDistributor)
		assert.True(t, ledger.IsCode(err, ledger.CodeNotAuthorized))
	})

	t.Run("should limit vendors to transfers", func(t *testing.T) {
		assert.NoError(t, p.Allow(OpTransfer, ledger.RoleVendor))
		err := p.Allow(OpDeposit, ledger.RoleVendor)
		assert.True(t, ledger.IsCode(err, ledger.CodeNotAuthorized))
	})

	t.Run("should deny clients everything", func(t *testing.T) {
		err := p.Allow(OpTransfer, ledger.RoleClient)
		assert.True(t, ledger.IsCode(err, ledger.CodeNotAuthorized))
	})

	t.Run("should deny unknown roles", func(t *testing.T) {
		err := p.Allow(OpTransfer, ledger.Role("root"))
		assert.True(t, ledger.IsCode(err, ledger.CodeNotAuthorized))
	})
}

func TestTokens(t *testing.T) {
	const secret = "test-secret"

	t.Run("should round-trip operator claims", func(t *testing.T) {
		token, err := GenerateToken(secret, "op-1", ledger.RoleDistributor, time.Hour)
		require.NoError(t, err)

		claims, err := ParseToken(secret, token)
		require.NoError(t, err)
		assert.Equal(t, "op-1", claims.OperatorID)
		assert.Equal(t, string(ledger.RoleDistributor), claims.Role)
	})

	t.Run("should reject a token signed with another secret", func(t *testing.T) {
		token, err := GenerateToken("other-secret", "op-1", ledger.RoleDistributor, time.Hour)
		require.NoError(t, err)

		_, err = ParseToken(secret, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject an expired token", func(t *testing.T) {
		token, err := GenerateToken(secret, "op-1", ledger.RoleDistributor, -time.Minute)
		require.NoError(t, err)

		_, err = ParseToken(secret, token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("should reject a token carrying an unknown role", func(t *testing.T) {
		token, err := GenerateToken(secret, "op-1", ledger.Role("root"), time.Hour)
		require.NoError(t, err)

		_, err = ParseToken(secret, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject garbage", func(t *testing.T) {
		_, err := ParseToken(secret, "not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
