package ledger

import (
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestWrapPgError(t *testing.T) {
	t.Run("should map a reference collision to duplicate reference", func(t *testing.T) {
		err := wrapPgError(&pq.Error{
			Code:       "23505",
			Constraint: "wallet_movements_ledger_reference",
		}, "failed to append movement")
		assert.True(t, IsCode(err, CodeDuplicateReference))
	})

	t.Run("should map an actor uniqueness race to invariant violation", func(t *testing.T) {
		err := wrapPgError(&pq.Error{
			Code:       "23505",
			Constraint: "wallet_ledgers_actor_id_key",
		}, "failed to create ledger")
		assert.True(t, IsCode(err, CodeInvariantViolation))
	})

	t.Run("should map balance check violations to invariant violation", func(t *testing.T) {
		err := wrapPgError(&pq.Error{Code: "23514"}, "failed to apply delta")
		assert.True(t, IsCode(err, CodeInvariantViolation))
	})

	t.Run("should mark lock conflicts retryable", func(t *testing.T) {
		for _, code := range []pq.ErrorCode{"55P03", "40001", "40P01"} {
			err := wrapPgError(&pq.Error{Code: code}, "failed to commit")
			assert.True(t, IsCode(err, CodeRetryable))
		}
	})

	t.Run("should fall back to retryable for unknown driver errors", func(t *testing.T) {
		err := wrapPgError(errors.New("connection reset"), "failed to query")
		assert.True(t, IsCode(err, CodeRetryable))
	})
}
