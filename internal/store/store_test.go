package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fx-trading-bot/internal/types"
)

func sampleSnapshot() types.Snapshot {
	opened := time.Date(2024, 3, 4, 10, 15, 0, 0, time.UTC)
	return types.Snapshot{
		Risk: types.RiskState{
			DailyTradeCount:   4,
			ConsecutiveLosses: 2,
			TotalPnL:          -35.5,
			DailyPnL:          -12.25,
			Wins:              3,
			Losses:            5,
			Mode:              types.ModeSafe,
			TradingHalted:     true,
			HaltedReason:      "loss-streak halt",
			StartingBalance:   10000,
			TradingDay:        "2024-03-04",
			LastTradeAt:       opened,
		},
		Clock: types.ScheduleClock{
			LastNewsScrape: opened.Add(-3 * time.Minute),
			LastPriceScan:  opened.Add(-2 * time.Second),
			LastHeartbeat:  opened.Add(-time.Minute),
			LastCleanup:    opened.Add(-30 * time.Minute),
		},
		Positions: []types.Position{{
			ID:         "pos-1",
			BrokerID:   "42",
			Instrument: "EUR_USD",
			Direction:  types.Long,
			Size:       1000,
			EntryPrice: 1.0850,
			StopLoss:   1.0800,
			TakeProfit: 1.0950,
			Status:     types.StatusOpen,
			OpenedAt:   opened,
		}},
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	fs := NewFileStore(filepath.Join(t.TempDir(), "bot_state.json"), 2)
	ctx := context.Background()
	want := sampleSnapshot()

	if err := fs.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := fs.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.Version != types.SnapshotVersion {
		t.Errorf("Expected version %d, got %d", types.SnapshotVersion, got.Version)
	}
	gr, wr := got.Risk, want.Risk
	if gr.DailyTradeCount != wr.DailyTradeCount || gr.ConsecutiveLosses != wr.ConsecutiveLosses ||
		gr.TotalPnL != wr.TotalPnL || gr.DailyPnL != wr.DailyPnL || gr.Mode != wr.Mode ||
		gr.TradingHalted != wr.TradingHalted || gr.HaltedReason != wr.HaltedReason ||
		gr.Wins != wr.Wins || gr.Losses != wr.Losses || gr.TradingDay != wr.TradingDay ||
		gr.StartingBalance != wr.StartingBalance || !gr.LastTradeAt.Equal(wr.LastTradeAt) {
		t.Errorf("risk state mismatch:\n got %+v\nwant %+v", gr, wr)
	}
	gc, wc := got.Clock, want.Clock
	if !gc.LastNewsScrape.Equal(wc.LastNewsScrape) || !gc.LastPriceScan.Equal(wc.LastPriceScan) ||
		!gc.LastHeartbeat.Equal(wc.LastHeartbeat) || !gc.LastCleanup.Equal(wc.LastCleanup) {
		t.Errorf("clock mismatch:\n got %+v\nwant %+v", gc, wc)
	}
	if len(got.Positions) != 1 {
		t.Fatalf("Expected 1 position, got %d", len(got.Positions))
	}
	p := got.Positions[0]
	if p.ID != "pos-1" || p.Status != types.StatusOpen || p.Size != 1000 || p.EntryPrice != 1.0850 || !p.OpenedAt.Equal(want.Positions[0].OpenedAt) {
		t.Errorf("position mismatch: %+v", p)
	}
}

func TestFileStoreLoadMissing(t *testing.T) {
	fs := NewFileStore(filepath.Join(t.TempDir(), "missing.json"), 0)
	snap, err := fs.Load(context.Background())
	if err != nil {
		t.Fatalf("Expected no error for missing file, got %v", err)
	}
	if snap.Risk.TradingHalted || len(snap.Positions) != 0 {
		t.Errorf("Expected empty snapshot, got %+v", snap)
	}
}

func TestFileStoreLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewFileStore(path, 0).Load(context.Background())
	if !errors.Is(err, types.ErrPersistenceFailure) {
		t.Errorf("Expected ErrPersistenceFailure, got %v", err)
	}
}

func TestFileStoreSaveFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	fs := NewFileStore(filepath.Join(blocker, "state.json"), 1)
	fs.initialGap = time.Millisecond

	err := fs.Save(context.Background(), sampleSnapshot())
	if !errors.Is(err, types.ErrPersistenceFailure) {
		t.Errorf("Expected ErrPersistenceFailure, got %v", err)
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(filepath.Join(dir, "bot_state.json"), 0)
	for i := 0; i < 3; i++ {
		if err := fs.Save(context.Background(), sampleSnapshot()); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the state file, found %d entries", len(entries))
	}
}

type failingStore struct{ err error }

func (f failingStore) Load(context.Context) (types.Snapshot, error) { return types.Snapshot{}, nil }
func (f failingStore) Save(context.Context, types.Snapshot) error   { return f.err }

func TestKeeperEscalatesFailure(t *testing.T) {
	k := NewKeeper(failingStore{err: types.ErrPersistenceFailure})
	var fatal error
	k.OnFatal(func(err error) { fatal = err })
	k.Bind(func() types.RiskState { return types.RiskState{TotalPnL: 1} }, nil, nil)

	if err := k.Persist(context.Background()); err == nil {
		t.Fatal("Expected persist error")
	}
	if !errors.Is(fatal, types.ErrPersistenceFailure) {
		t.Errorf("Expected fatal handler to receive persistence failure, got %v", fatal)
	}
}

func TestKeeperSnapshotUsesSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_state.json")
	fs := NewFileStore(path, 0)
	k := NewKeeper(fs)
	k.Bind(
		func() types.RiskState { return types.RiskState{DailyTradeCount: 7} },
		func() types.ScheduleClock { return types.ScheduleClock{} },
		func() []types.Position { return []types.Position{{ID: "a"}} },
	)
	if err := k.Persist(context.Background()); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	snap, err := fs.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Risk.DailyTradeCount != 7 || len(snap.Positions) != 1 {
		t.Errorf("unexpected persisted snapshot: %+v", snap)
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Risk.MaxDailyTrades != 15 || cfg.Risk.MaxLossStreak != 3 {
		t.Errorf("unexpected risk defaults: %+v", cfg.Risk)
	}
	if cfg.Scheduler.PriceScanInterval != 7*time.Second || cfg.Scheduler.NewsInterval != 12*time.Minute {
		t.Errorf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
mode: practice
instruments: [eur_usd, usd_jpy]
scheduler:
  workers: 8
  tick: 2s
risk:
  max_daily_trades: 5
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Mode != ModePractice {
		t.Errorf("Expected mode PRACTICE, got %s", cfg.Mode)
	}
	if len(cfg.Instruments) != 2 || cfg.Instruments[0] != "EUR_USD" {
		t.Errorf("unexpected instruments: %v", cfg.Instruments)
	}
	if cfg.Scheduler.Workers != 8 || cfg.Scheduler.Tick != 2*time.Second {
		t.Errorf("scheduler overrides not applied: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.ErrorBackoff != 5*time.Second {
		t.Errorf("Expected default backoff to survive, got %v", cfg.Scheduler.ErrorBackoff)
	}
	if cfg.Risk.MaxDailyTrades != 5 || cfg.Risk.MaxLossStreak != 3 {
		t.Errorf("risk overlay wrong: %+v", cfg.Risk)
	}
}

func TestLoadConfigRejectsLive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("mode: LIVE\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("Expected LIVE mode to be rejected")
	}
}
