// Package summary is the read side of the wallet engine: balance snapshots
// and per-day movement totals, optionally cached. It never mutates ledgers.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/telares/walletledger/internal/ledger"
)

const snapshotTTL = 30 * time.Second

// BalanceSnapshot is a point-in-time view of one actor's ledger.
type BalanceSnapshot struct {
	ActorID     string          `json:"actor_id"`
	LedgerID    string          `json:"ledger_id"`
	Role        string          `json:"role"`
	Available   decimal.Decimal `json:"available"`
	Blocked     decimal.Decimal `json:"blocked"`
	Total       decimal.Decimal `json:"total"`
	Disabled    bool            `json:"disabled"`
	LastUpdated time.Time       `json:"last_updated"`
	TakenAt     time.Time       `json:"taken_at"`
}

// DailyTotals aggregates today's movement volume per kind for one ledger.
type DailyTotals struct {
	ActorID string                     `json:"actor_id"`
	Date    string                     `json:"date"`
	ByKind  map[string]decimal.Decimal `json:"by_kind"`
}

// Service answers balance and activity queries against the store, fronted
// by an optional cache.
type Service struct {
	store ledger.Store
	cache Cache
	log   *zap.Logger
}

// New creates the read-side service. cache may be nil; every query then
// goes to the store.
func New(store ledger.Store, cache Cache, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, cache: cache, log: log}
}

// Balance returns the actor's current snapshot, serving from cache when a
// fresh entry exists.
func (s *Service) Balance(ctx context.Context, actorID string) (*BalanceSnapshot, error) {
	key := balanceKey(actorID)
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, key); err == nil {
			var snap BalanceSnapshot
			if err := json.Unmarshal(raw, &snap); err == nil {
				return &snap, nil
			}
		} else if err != ErrCacheMiss {
			s.log.Warn("balance cache read failed", zap.String("actor", actorID), zap.Error(err))
		}
	}

	var l *ledger.Ledger
	err := s.store.Within(ctx, func(tx ledger.Tx) error {
		var err error
		l, err = tx.LedgerByActor(ctx, actorID)
		return err
	})
	if err != nil {
		return nil, err
	}

	snap := &BalanceSnapshot{
		ActorID:     l.ActorID,
		LedgerID:    l.ID.String(),
		Role:        string(l.Role),
		Available:   l.Available,
		Blocked:     l.Blocked,
		Total:       l.Available.Add(l.Blocked),
		Disabled:    l.Disabled,
		LastUpdated: l.LastUpdated,
		TakenAt:     time.Now().UTC(),
	}

	if s.cache != nil {
		if raw, err := json.Marshal(snap); err == nil {
			if err := s.cache.Set(ctx, key, raw, snapshotTTL); err != nil {
				s.log.Warn("balance cache write failed", zap.String("actor", actorID), zap.Error(err))
			}
		}
	}
	return snap, nil
}

// Daily returns today's movement totals per kind for the actor's ledger.
// Totals are computed live; they back operator dashboards, not limit
// enforcement.
func (s *Service) Daily(ctx context.Context, actorID string) (*DailyTotals, error) {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)

	totals := &DailyTotals{
		ActorID: actorID,
		Date:    midnight.Format("2006-01-02"),
		ByKind:  make(map[string]decimal.Decimal, len(ledger.Kinds)),
	}
	err := s.store.Within(ctx, func(tx ledger.Tx) error {
		l, err := tx.LedgerByActor(ctx, actorID)
		if err != nil {
			return err
		}
		for _, kind := range ledger.Kinds {
			sum, err := tx.SumMovements(ctx, l.ID, kind, midnight)
			if err != nil {
				return err
			}
			if !sum.IsZero() {
				totals.ByKind[string(kind)] = sum
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return totals, nil
}

// Invalidate drops the actor's cached snapshot. Called by event consumers
// after a movement commits.
func (s *Service) Invalidate(ctx context.Context, actorID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, balanceKey(actorID)); err != nil {
		s.log.Warn("balance cache invalidation failed", zap.String("actor", actorID), zap.Error(err))
	}
}

func balanceKey(actorID string) string {
	return fmt.Sprintf("wallet:balance:%s", actorID)
}
