// Package limits bounds single-operation and cumulative daily exposure.
// The guard is consulted before any lock for per-movement bounds, and again
// inside the locked transaction for the daily ceiling, where the answer
// cannot change under the caller.
package limits

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/telares/walletledger/internal/ledger"
	"github.com/telares/walletledger/pkg/money"
)

// Config holds the currency-denominated thresholds a deployment may tune.
// Changes take effect on the next call.
type Config struct {
	MinAmount    decimal.Decimal
	MaxAmount    decimal.Decimal
	BlockCeiling decimal.Decimal // stricter cap for block/unblock
	DailyCeiling decimal.Decimal
	// DailyKinds lists the movement kinds subject to the daily ceiling.
	// Only internal transfers by default; extending it to credit/debit/
	// manual-adjustment is a deployment decision, not engine behavior.
	DailyKinds []ledger.MovementKind
}

// DefaultConfig returns the reference deployment thresholds.
func DefaultConfig() Config {
	return Config{
		MinAmount:    money.MustParse("0.01"),
		MaxAmount:    money.MustParse("50000.00"),
		BlockCeiling: money.MustParse("50000.00"),
		DailyCeiling: money.MustParse("100000.00"),
		DailyKinds:   []ledger.MovementKind{ledger.KindInternalTransfer},
	}
}

// Guard enforces the configured bounds.
type Guard struct {
	mu  sync.RWMutex
	cfg Config
}

// New creates a guard with the given config.
func New(cfg Config) *Guard {
	return &Guard{cfg: cfg}
}

// SetConfig swaps the thresholds; the next check sees the new values.
func (g *Guard) SetConfig(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
}

// Config returns the current thresholds.
func (g *Guard) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// CheckAmount rejects amounts outside [MinAmount, MaxAmount]; block and
// unblock movements are additionally capped at BlockCeiling.
func (g *Guard) CheckAmount(amount decimal.Decimal, kind ledger.MovementKind) error {
	cfg := g.Config()

	if !money.InRange(amount, cfg.MinAmount, cfg.MaxAmount) {
		return ledger.NewError(ledger.CodeInvalidAmount,
			"amount %s outside [%s, %s]", amount, cfg.MinAmount, cfg.MaxAmount)
	}

	if kind == ledger.KindBlock || kind == ledger.KindUnblock {
		if amount.GreaterThan(cfg.BlockCeiling) {
			return ledger.NewError(ledger.CodeInvalidAmount,
				"amount %s exceeds block ceiling %s", amount, cfg.BlockCeiling)
		}
	}
	return nil
}

// CheckDailyCeiling sums today's already-committed movements of the same
// kind for the ledger and rejects if sum + amount would exceed the ceiling.
// The read is only trustworthy because tx already holds the ledger's row
// lock; the guard must never run this check outside that critical section.
func (g *Guard) CheckDailyCeiling(ctx context.Context, tx ledger.Tx, ledgerID uuid.UUID, kind ledger.MovementKind, amount decimal.Decimal) error {
	cfg := g.Config()

	if !kindLimited(cfg.DailyKinds, kind) {
		return nil
	}

	sum, err := tx.SumMovements(ctx, ledgerID, kind, startOfToday())
	if err != nil {
		return err
	}

	if sum.Add(amount).GreaterThan(cfg.DailyCeiling) {
		return ledger.NewError(ledger.CodeDailyCeilingExceeded,
			"daily %s ceiling %s exceeded: %s committed today, %s requested",
			kind, cfg.DailyCeiling, sum, amount)
	}
	return nil
}

func kindLimited(kinds []ledger.MovementKind, kind ledger.MovementKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// startOfToday returns midnight UTC of the current day. The ceiling is a
// calendar-day cap, matching how settlement cutoffs are drawn.
func startOfToday() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
