package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryHashing(t *testing.T) {
	t.Run("should produce a verifiable entry", func(t *testing.T) {
		e := New("actor-1", "WALLET_CREDIT", "WalletLedger", "led-1",
			map[string]string{"amount": "100.00", "currency": "MXN"},
			"10.0.0.1", true, "")

		assert.NotEmpty(t, e.Hash)
		assert.NoError(t, Verify(e))
	})

	t.Run("should be independent of details map ordering", func(t *testing.T) {
		a := New("actor-1", "WALLET_CREDIT", "WalletLedger", "led-1",
			map[string]string{"amount": "100.00", "currency": "MXN", "reference": "r1"},
			"10.0.0.1", true, "")
		b := *a
		b.Details = map[string]string{"reference": "r1", "currency": "MXN", "amount": "100.00"}

		assert.Equal(t, a.Hash, ComputeHash(&b))
	})

	t.Run("should detect a tampered detail", func(t *testing.T) {
		e := New("actor-1", "WALLET_CREDIT", "WalletLedger", "led-1",
			map[string]string{"amount": "100.00"}, "10.0.0.1", true, "")

		e.Details["amount"] = "999.00"
		err := Verify(e)
		require.Error(t, err)

		var ierr *IntegrityError
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, e.ID, ierr.EntryID)
	})

	t.Run("should verify after timestamp storage loses sub-microsecond digits", func(t *testing.T) {
		e := New("actor-1", "WALLET_CREDIT", "WalletLedger", "led-1",
			map[string]string{"amount": "100.00"}, "10.0.0.1", true, "")

		stored := *e
		stored.CreatedAt = stored.CreatedAt.Truncate(time.Microsecond)
		assert.NoError(t, Verify(&stored))
		assert.Equal(t, e.Hash, ComputeHash(&stored))
	})

	t.Run("should detect a tampered actor", func(t *testing.T) {
		e := New("actor-1", "WALLET_CREDIT", "WalletLedger", "led-1", nil, "", false, "")
		e.Actor = "actor-2"
		assert.Error(t, Verify(e))
	})
}

func TestVerifyChain(t *testing.T) {
	chain := func() []Entry {
		first := New("actor-1", "WALLET_PROVISION", "WalletLedger", "led-1", nil, "", false, "")
		second := New("actor-1", "WALLET_CREDIT", "WalletLedger", "led-1",
			map[string]string{"amount": "50.00"}, "", false, first.Hash)
		third := New("actor-1", "WALLET_DEBIT", "WalletLedger", "led-1",
			map[string]string{"amount": "20.00"}, "", false, second.Hash)
		return []Entry{*first, *second, *third}
	}

	t.Run("should accept an intact chain", func(t *testing.T) {
		assert.NoError(t, VerifyChain(chain()))
	})

	t.Run("should accept an empty chain", func(t *testing.T) {
		assert.NoError(t, VerifyChain(nil))
	})

	t.Run("should detect a rewritten middle entry", func(t *testing.T) {
		entries := chain()
		entries[1].Details["amount"] = "5000.00"
		assert.Error(t, VerifyChain(entries))
	})

	t.Run("should detect a broken link", func(t *testing.T) {
		entries := chain()
		entries[2].PrevHash = entries[0].Hash
		entries[2].Hash = ComputeHash(&entries[2])
		assert.Error(t, VerifyChain(entries))
	})

	t.Run("should detect a deleted entry", func(t *testing.T) {
		entries := chain()
		assert.Error(t, VerifyChain([]Entry{entries[0], entries[2]}))
	})
}
