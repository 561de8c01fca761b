package control

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"fx-trading-bot/internal/journal"
	"fx-trading-bot/internal/risk"
	"fx-trading-bot/internal/store"
	"fx-trading-bot/internal/types"
)

type fakePositions struct {
	open []types.Position
	all  []types.Position
}

func (f *fakePositions) OpenPositions() []types.Position { return f.open }
func (f *fakePositions) Snapshot() []types.Position      { return f.all }

type fakeCloser struct {
	reasons []string
	n       int
}

func (f *fakeCloser) CloseAll(ctx context.Context, reason string) (int, error) {
	f.reasons = append(f.reasons, reason)
	return f.n, nil
}

func newController(t *testing.T, state types.RiskState) (*Controller, *risk.Manager, *fakePositions, *fakeCloser) {
	t.Helper()
	rm, err := risk.NewManager(store.DefaultConfig().Risk, state, nil)
	if err != nil {
		t.Fatal(err)
	}
	pos := &fakePositions{}
	closer := &fakeCloser{}
	c := New(Deps{
		Mode:           "PAPER",
		MaxDailyTrades: 15,
		Risk:           rm,
		Positions:      pos,
		Closer:         closer,
	})
	c.now = func() time.Time { return time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC) }
	return c, rm, pos, closer
}

func TestStatus(t *testing.T) {
	c, _, pos, _ := newController(t, types.RiskState{DailyTradeCount: 3, TotalPnL: 12.5})
	pos.open = []types.Position{{Instrument: "EUR_USD"}}
	c.d.Sentiment = func() (types.Sentiment, bool) { return types.Sentiment{Score: 0.25, Articles: 8}, true }
	c.d.Currencies = func() []string { return []string{"USD", "EUR"} }

	got := c.Handle(context.Background(), "/status")
	for _, want := range []string{"Mode: aggressive (PAPER)", "Trading: active", "Trades today: 3/15", "Open positions: 1", "Total P&L: 12.50", "News sentiment: 0.25", "Sentiment cached for: EUR, USD"} {
		if !strings.Contains(got, want) {
			t.Errorf("status missing %q:\n%s", want, got)
		}
	}
}

func TestHaltAndReset(t *testing.T) {
	c, rm, _, _ := newController(t, types.RiskState{DailyTradeCount: 5, ConsecutiveLosses: 2})
	ctx := context.Background()

	c.Handle(ctx, "/halt")
	st := rm.State()
	if !st.TradingHalted || st.HaltedReason != risk.HaltManual {
		t.Fatalf("Expected manual halt, got %+v", st)
	}
	if got := c.Handle(ctx, "/status"); !strings.Contains(got, "HALTED (manual halt)") {
		t.Errorf("status should report the halt:\n%s", got)
	}

	c.Handle(ctx, "/resetbot")
	st = rm.State()
	if st.TradingHalted || st.DailyTradeCount != 0 || st.ConsecutiveLosses != 0 || st.TradingDay != "2024-05-06" {
		t.Errorf("reset did not clear state: %+v", st)
	}
}

func TestToggleMode(t *testing.T) {
	c, rm, _, _ := newController(t, types.RiskState{})
	if got := c.Handle(context.Background(), "/togglemode"); got != "Mode switched to safe." {
		t.Errorf("unexpected reply %q", got)
	}
	if rm.State().Mode != types.ModeSafe {
		t.Errorf("Expected safe mode, got %s", rm.State().Mode)
	}
}

func TestCancelTradeHaltsAndCloses(t *testing.T) {
	c, rm, _, closer := newController(t, types.RiskState{})
	closer.n = 2

	got := c.Handle(context.Background(), "/canceltrade")
	if got != "Closed 2 positions. Trading halted." {
		t.Errorf("unexpected reply %q", got)
	}
	if len(closer.reasons) != 1 || closer.reasons[0] != ReasonOperatorCancel {
		t.Errorf("unexpected CloseAll calls %v", closer.reasons)
	}
	if st := rm.State(); !st.TradingHalted || st.HaltedReason != ReasonOperatorCancel {
		t.Errorf("Expected halt after cancel, got %+v", st)
	}
}

func TestMakeTradeRequestsScan(t *testing.T) {
	c, _, _, _ := newController(t, types.RiskState{})
	requested := 0
	c.d.RequestScan = func() { requested++ }

	c.Handle(context.Background(), "/maketrade@fxbot")
	if requested != 1 {
		t.Errorf("Expected one scan request, got %d", requested)
	}
}

func TestPnLAndOpenPositions(t *testing.T) {
	c, _, pos, _ := newController(t, types.RiskState{TotalPnL: 30, DailyPnL: 10, Wins: 3, Losses: 1})
	pos.open = []types.Position{{
		Instrument: "GBP_USD", Direction: types.Long, Size: 1000,
		EntryPrice: 1.2700, MarkPrice: 1.2750, StopLoss: 1.2650, TakeProfit: 1.2800,
	}}

	got := c.Handle(context.Background(), "/pnl")
	if !strings.Contains(got, "Unrealized: 5.00") || !strings.Contains(got, "Wins/Losses: 3/1 (75%)") {
		t.Errorf("unexpected pnl reply:\n%s", got)
	}
	got = c.Handle(context.Background(), "/openpositions")
	if !strings.HasPrefix(got, "GBP_USD long 1000 @ 1.27000") {
		t.Errorf("unexpected positions reply:\n%s", got)
	}
}

func TestStrategyStats(t *testing.T) {
	c, _, pos, _ := newController(t, types.RiskState{})
	c.d.Recent = func() []types.StepResult {
		return []types.StepResult{{Instrument: "EUR_USD", Decision: types.TradeDecision{Direction: types.Long, Confidence: 0.72, Reason: "rsi oversold"}}}
	}
	pos.all = []types.Position{
		{Instrument: "EUR_USD", Status: types.StatusClosed, RealizedPnL: 4},
		{Instrument: "EUR_USD", Status: types.StatusClosed, RealizedPnL: -2},
		{Instrument: "EUR_USD", Status: types.StatusFailed},
	}

	got := c.Handle(context.Background(), "/strategystats")
	if !strings.Contains(got, "EUR_USD: long 0.72 (rsi oversold)") || !strings.Contains(got, "EUR_USD closed: 1 won, 1 lost") {
		t.Errorf("unexpected stats:\n%s", got)
	}
}

func TestShowLog(t *testing.T) {
	c, _, _, _ := newController(t, types.RiskState{})
	if got := c.Handle(context.Background(), "/showlog"); got != "Activity log is not enabled." {
		t.Errorf("unexpected reply %q", got)
	}

	j, err := journal.Open(filepath.Join(t.TempDir(), "trading_log.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	j.Action("Trade opened", zap.String("instrument", "EUR_USD"))
	c.d.Journal = j

	got := c.Handle(context.Background(), "/showlog")
	if !strings.Contains(got, "INFO Trade opened EUR_USD") {
		t.Errorf("unexpected log reply %q", got)
	}
}

func TestUnknownAndPlainText(t *testing.T) {
	c, _, _, _ := newController(t, types.RiskState{})
	if got := c.Handle(context.Background(), "/moon"); !strings.HasPrefix(got, "Unknown command /moon") {
		t.Errorf("unexpected reply %q", got)
	}
	if got := c.Handle(context.Background(), "hello"); got != "" {
		t.Errorf("plain text should be ignored, got %q", got)
	}
	if got := c.Handle(context.Background(), "/whatyoudoin"); got != "idle" {
		t.Errorf("unexpected activity %q", got)
	}
}

func TestServeSignals(t *testing.T) {
	c, rm, _, _ := newController(t, types.RiskState{ConsecutiveLosses: 2})
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal)
	stopped := make(chan struct{})
	go func() {
		c.ServeSignals(ctx, sigs, map[os.Signal]string{syscall.SIGUSR1: "/halt", syscall.SIGUSR2: "/resetbot"})
		close(stopped)
	}()

	sigs <- syscall.SIGUSR1
	sigs <- syscall.SIGHUP // unmapped, ignored
	if st := rm.State(); !st.TradingHalted || st.HaltedReason != risk.HaltManual {
		t.Fatalf("Expected manual halt from signal, got %+v", st)
	}

	sigs <- syscall.SIGUSR2
	sigs <- syscall.SIGHUP
	if st := rm.State(); st.TradingHalted || st.ConsecutiveLosses != 0 {
		t.Errorf("Expected reset from signal, got %+v", st)
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("ServeSignals did not stop on cancel")
	}
}
