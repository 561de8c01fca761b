package store

import (
	"context"
	"sync"

	"fx-trading-bot/internal/interfaces"
	"fx-trading-bot/internal/logger"
	"fx-trading-bot/internal/types"
)

// Keeper assembles a snapshot from the live owners of state and writes it.
// Saves are serialized and each one captures the state at write time, so a
// later save never persists older data than an earlier one.
type Keeper struct {
	store interfaces.StateStore

	mu      sync.Mutex
	risk    func() types.RiskState
	clock   func() types.ScheduleClock
	ledger  func() []types.Position
	onFatal func(error)
}

func NewKeeper(st interfaces.StateStore) *Keeper {
	return &Keeper{store: st}
}

// Bind registers the state sources. Nil sources are left unchanged.
func (k *Keeper) Bind(risk func() types.RiskState, clock func() types.ScheduleClock, ledger func() []types.Position) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if risk != nil {
		k.risk = risk
	}
	if clock != nil {
		k.clock = clock
	}
	if ledger != nil {
		k.ledger = ledger
	}
}

// OnFatal sets the handler called when a save fails after all retries.
func (k *Keeper) OnFatal(fn func(error)) {
	k.mu.Lock()
	k.onFatal = fn
	k.mu.Unlock()
}

func (k *Keeper) Snapshot() types.Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.snapshotLocked()
}

func (k *Keeper) snapshotLocked() types.Snapshot {
	snap := types.Snapshot{Version: types.SnapshotVersion}
	if k.risk != nil {
		snap.Risk = k.risk()
	}
	if k.clock != nil {
		snap.Clock = k.clock()
	}
	if k.ledger != nil {
		snap.Positions = k.ledger()
	}
	return snap
}

func (k *Keeper) Persist(ctx context.Context) error {
	k.mu.Lock()
	snap := k.snapshotLocked()
	err := k.store.Save(ctx, snap)
	fatal := k.onFatal
	k.mu.Unlock()

	if err != nil {
		logger.ErrorWithErr(ctx, "State persistence failed", err)
		if fatal != nil && ctx.Err() == nil {
			fatal(err)
		}
		return err
	}
	return nil
}
