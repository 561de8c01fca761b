package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fx-trading-bot/internal/types"
)

type fakeBroker struct {
	mu        sync.Mutex
	opens     int32
	openDelay time.Duration
	openErr   error
	closeErr  error
	block     chan struct{} // when set, OpenPosition waits on it or ctx
	blockOnly string        // restrict blocking to one instrument
	onOpen    func(req types.OrderRequest)
	fill      float64
	closePx   float64
	closePnL  float64
}

func (f *fakeBroker) OpenPosition(ctx context.Context, req types.OrderRequest) (types.PositionHandle, error) {
	atomic.AddInt32(&f.opens, 1)
	if f.onOpen != nil {
		f.onOpen(req)
	}
	if f.block != nil && (f.blockOnly == "" || f.blockOnly == req.Instrument) {
		select {
		case <-f.block:
		case <-ctx.Done():
			return types.PositionHandle{}, ctx.Err()
		}
	}
	if f.openDelay > 0 {
		time.Sleep(f.openDelay)
	}
	if f.openErr != nil {
		return types.PositionHandle{}, f.openErr
	}
	units := req.Units
	if req.Direction == types.Short {
		units = -units
	}
	return types.PositionHandle{
		ID:         fmt.Sprintf("T-%s", req.Instrument),
		Instrument: req.Instrument,
		Units:      units,
		Price:      f.fill,
		OpenedAt:   time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeBroker) ClosePosition(ctx context.Context, id string) (types.CloseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return types.CloseResult{}, f.closeErr
	}
	return types.CloseResult{ID: id, Price: f.closePx, RealizedPnL: f.closePnL}, nil
}

func (f *fakeBroker) ListPositions(ctx context.Context) ([]types.PositionHandle, error) {
	return nil, nil
}

func (f *fakeBroker) GetAccount(ctx context.Context) (types.Account, error) {
	return types.Account{Balance: 10000, Currency: "USD"}, nil
}

type countPersist struct{ n int32 }

func (c *countPersist) Persist(context.Context) error {
	atomic.AddInt32(&c.n, 1)
	return nil
}

func openReq(inst string, dir types.Direction) OpenRequest {
	return OpenRequest{
		Decision: types.TradeDecision{
			Instrument:     inst,
			Direction:      dir,
			Confidence:     0.8,
			StopLossPips:   50,
			TakeProfitPips: 100,
		},
		Units: 1000,
		Price: 1.1000,
	}
}

func TestOpenSuccess(t *testing.T) {
	b := &fakeBroker{fill: 1.1002}
	p := &countPersist{}
	l := New(b, p, time.Second, 0)

	pos, err := l.Open(context.Background(), openReq("EUR_USD", types.Long))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if pos.Status != types.StatusOpen || pos.BrokerID != "T-EUR_USD" {
		t.Errorf("unexpected position %+v", pos)
	}
	if pos.EntryPrice != 1.1002 {
		t.Errorf("Expected fill price entry, got %f", pos.EntryPrice)
	}
	if d := pos.EntryPrice - pos.StopLoss; d < 0.00499 || d > 0.00501 {
		t.Errorf("Expected 50 pip stop distance, got %f", d)
	}
	if d := pos.TakeProfit - pos.EntryPrice; d < 0.00999 || d > 0.01001 {
		t.Errorf("Expected 100 pip target distance, got %f", d)
	}
	if !l.HasActive("EUR_USD") {
		t.Error("Expected instrument to be active")
	}
	if atomic.LoadInt32(&p.n) != 2 {
		t.Errorf("Expected a persist per transition (2), got %d", p.n)
	}
}

func TestOpenRejectedMarksFailed(t *testing.T) {
	b := &fakeBroker{openErr: fmt.Errorf("%w: insufficient margin", types.ErrBrokerRejected)}
	l := New(b, nil, time.Second, 0)

	pos, err := l.Open(context.Background(), openReq("EUR_USD", types.Long))
	if !errors.Is(err, types.ErrBrokerRejected) {
		t.Fatalf("Expected ErrBrokerRejected, got %v", err)
	}
	if pos.Status != types.StatusFailed {
		t.Errorf("Expected failed, got %s", pos.Status)
	}
	if l.HasActive("EUR_USD") {
		t.Error("Failed position must not count as active")
	}
	if n := len(l.Snapshot()); n != 1 {
		t.Errorf("Expected failed position kept for audit, got %d", n)
	}
}

func TestOpenTimeoutMarksFailed(t *testing.T) {
	b := &fakeBroker{block: make(chan struct{})}
	l := New(b, nil, 20*time.Millisecond, 0)

	pos, err := l.Open(context.Background(), openReq("GBP_USD", types.Short))
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, types.ErrBrokerRejected) {
		t.Fatalf("Expected wrapped deadline error, got %v", err)
	}
	if pos.Status != types.StatusFailed {
		t.Errorf("Expected failed, got %s", pos.Status)
	}
}

func TestSingleActivePositionUnderConcurrency(t *testing.T) {
	var l *Ledger
	var violations int32
	b := &fakeBroker{openDelay: 10 * time.Millisecond}
	b.onOpen = func(req types.OrderRequest) {
		active := 0
		for _, p := range l.Snapshot() {
			if p.Instrument == req.Instrument && p.Status.Active() {
				active++
			}
		}
		if active > 1 {
			atomic.AddInt32(&violations, 1)
		}
	}
	l = New(b, nil, time.Second, 0)

	var wg sync.WaitGroup
	var ok, invariant int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Open(context.Background(), openReq("USD_JPY", types.Long))
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, types.ErrInvariantViolation):
				atomic.AddInt32(&invariant, 1)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || invariant != 9 {
		t.Errorf("Expected 1 open and 9 refusals, got %d and %d", ok, invariant)
	}
	if b.opens != 1 {
		t.Errorf("Expected one broker call, got %d", b.opens)
	}
	if violations != 0 {
		t.Errorf("observed %d moments with two active positions", violations)
	}
}

func TestInstrumentsProceedIndependently(t *testing.T) {
	release := make(chan struct{})
	slow := &fakeBroker{block: release, blockOnly: "EUR_USD"}
	l := New(slow, nil, 5*time.Second, 0)

	done := make(chan error, 1)
	go func() {
		_, err := l.Open(context.Background(), openReq("EUR_USD", types.Long))
		done <- err
	}()

	// Wait until the first open is in flight.
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&slow.opens) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		if _, err := l.Open(context.Background(), openReq("AUD_USD", types.Long)); err != nil {
			t.Errorf("AUD_USD open: %v", err)
		}
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("second instrument blocked behind the first")
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("EUR_USD open: %v", err)
	}
}

func TestCloseOutcomes(t *testing.T) {
	b := &fakeBroker{fill: 1.1, closePx: 1.105, closePnL: 5}
	l := New(b, nil, time.Second, 0)
	ctx := context.Background()
	if _, err := l.Open(ctx, openReq("EUR_USD", types.Long)); err != nil {
		t.Fatal(err)
	}

	b.closeErr = errors.New("connection reset")
	if _, err := l.Close(ctx, "EUR_USD", "take profit"); err == nil {
		t.Fatal("Expected close error")
	}
	if p, _ := l.Active("EUR_USD"); p.Status != types.StatusOpen {
		t.Fatalf("transient close failure should return to open, got %s", p.Status)
	}

	b.closeErr = nil
	out, err := l.Close(ctx, "EUR_USD", "take profit")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if out.PnL != 5 || out.Position.Status != types.StatusClosed || out.Position.CloseReason != "take profit" {
		t.Errorf("unexpected outcome %+v", out)
	}
	if l.HasActive("EUR_USD") {
		t.Error("closed position still active")
	}
	if _, err := l.Close(ctx, "EUR_USD", "again"); !errors.Is(err, types.ErrNoPosition) {
		t.Errorf("Expected ErrNoPosition, got %v", err)
	}
}

func TestCloseUnrecoverableMarksFailed(t *testing.T) {
	b := &fakeBroker{fill: 1.1}
	l := New(b, nil, time.Second, 0)
	ctx := context.Background()
	if _, err := l.Open(ctx, openReq("EUR_USD", types.Long)); err != nil {
		t.Fatal(err)
	}
	b.closeErr = fmt.Errorf("%w: trade not found", types.ErrUnrecoverable)
	if _, err := l.Close(ctx, "EUR_USD", "stop loss"); !errors.Is(err, types.ErrUnrecoverable) {
		t.Fatalf("Expected unrecoverable error, got %v", err)
	}
	if l.HasActive("EUR_USD") {
		t.Error("failed position must be released")
	}
}

func TestCloseAll(t *testing.T) {
	b := &fakeBroker{fill: 1.2, closePx: 1.19, closePnL: -10}
	l := New(b, nil, time.Second, 0)
	ctx := context.Background()
	for _, inst := range []string{"EUR_USD", "GBP_USD", "AUD_USD"} {
		if _, err := l.Open(ctx, openReq(inst, types.Long)); err != nil {
			t.Fatal(err)
		}
	}
	outs, err := l.CloseAll(ctx, "shutdown", 2)
	if err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if len(outs) != 3 || len(l.OpenPositions()) != 0 {
		t.Errorf("Expected 3 closes and none open, got %d and %d", len(outs), len(l.OpenPositions()))
	}
}

func TestMarkDetectsExitsAndTrails(t *testing.T) {
	b := &fakeBroker{fill: 1.1000}
	l := New(b, nil, time.Second, 0)
	ctx := context.Background()
	if _, err := l.Open(ctx, openReq("EUR_USD", types.Long)); err != nil {
		t.Fatal(err)
	}
	b.fill = 1.3000
	if _, err := l.Open(ctx, openReq("GBP_USD", types.Short)); err != nil {
		t.Fatal(err)
	}

	hit := l.Mark(map[string]types.Quote{
		"EUR_USD": {Instrument: "EUR_USD", Bid: 1.1040, Ask: 1.1041},
		"GBP_USD": {Instrument: "GBP_USD", Bid: 1.3000, Ask: 1.3001},
	}, 30)
	if len(hit) != 0 {
		t.Fatalf("Expected no exits, got %v", hit)
	}
	p, _ := l.Active("EUR_USD")
	if want := 1.1040 - 0.0030; p.StopLoss < want-1e-9 || p.StopLoss > want+1e-9 {
		t.Errorf("Expected trailed stop %f, got %f", want, p.StopLoss)
	}

	hit = l.Mark(map[string]types.Quote{
		"EUR_USD": {Instrument: "EUR_USD", Bid: 1.1005, Ask: 1.1006},
		"GBP_USD": {Instrument: "GBP_USD", Bid: 1.2889, Ask: 1.2890},
	}, 30)
	if len(hit) != 2 || hit[0] != "EUR_USD" || hit[1] != "GBP_USD" {
		t.Errorf("Expected trailed stop and short target hits, got %v", hit)
	}
}

func TestReconcileSettlesMissingPositions(t *testing.T) {
	b := &fakeBroker{fill: 1.1}
	l := New(b, nil, time.Second, 0)
	ctx := context.Background()
	if _, err := l.Open(ctx, openReq("EUR_USD", types.Long)); err != nil {
		t.Fatal(err)
	}
	l.Mark(map[string]types.Quote{"EUR_USD": {Bid: 1.095, Ask: 1.0951}}, 0)

	outs, untracked := l.Reconcile(ctx, []types.PositionHandle{{ID: "X-1", Instrument: "USD_CAD", Units: 500}}, nil)
	if len(outs) != 1 {
		t.Fatalf("Expected one settled position, got %d", len(outs))
	}
	if outs[0].PnL != -5 {
		t.Errorf("Expected -5 pnl from last mark, got %f", outs[0].PnL)
	}
	if len(untracked) != 1 || untracked[0].ID != "X-1" {
		t.Errorf("Expected untracked broker position, got %v", untracked)
	}
	if l.HasActive("EUR_USD") {
		t.Error("settled position still active")
	}
}

func TestReconcileConvertsPnL(t *testing.T) {
	b := &fakeBroker{fill: 150}
	l := New(b, nil, time.Second, 0)
	ctx := context.Background()
	if _, err := l.Open(ctx, openReq("USD_JPY", types.Long)); err != nil {
		t.Fatal(err)
	}
	l.Mark(map[string]types.Quote{"USD_JPY": {Bid: 149, Ask: 149.01}}, 0)

	failing := func(context.Context, string, float64, float64) (float64, error) {
		return 0, types.ErrDataUnavailable
	}
	if outs, _ := l.Reconcile(ctx, nil, failing); len(outs) != 0 {
		t.Fatalf("unconvertible P&L must not settle, got %+v", outs)
	}
	if !l.HasActive("USD_JPY") {
		t.Fatal("position should stay open until it can be valued")
	}

	var gotPrice, gotAmount float64
	perUSD := func(_ context.Context, _ string, price, amount float64) (float64, error) {
		gotPrice, gotAmount = price, amount
		return amount / price, nil
	}
	outs, _ := l.Reconcile(ctx, nil, perUSD)
	if len(outs) != 1 {
		t.Fatalf("Expected one settled position, got %d", len(outs))
	}
	if gotPrice != 149 || gotAmount != -1000 {
		t.Errorf("converter called with price %f amount %f", gotPrice, gotAmount)
	}
	if outs[0].PnL != -6.71 || outs[0].Position.RealizedPnL != -6.71 {
		t.Errorf("Expected -6.71 in account currency, got %f", outs[0].PnL)
	}
}

func TestRestore(t *testing.T) {
	l := New(&fakeBroker{}, nil, time.Second, 0)
	err := l.Restore(context.Background(), []types.Position{
		{ID: "a", Instrument: "EUR_USD", Status: types.StatusPending},
		{ID: "b", Instrument: "GBP_USD", Status: types.StatusClosing},
		{ID: "c", Instrument: "USD_JPY", Status: types.StatusClosed},
	})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if l.HasActive("EUR_USD") {
		t.Error("pending position should be failed after restore")
	}
	if p, ok := l.Active("GBP_USD"); !ok || p.Status != types.StatusOpen {
		t.Errorf("closing position should be open after restore, got %+v", p)
	}
	if len(l.Snapshot()) != 3 {
		t.Errorf("Expected all positions kept")
	}

	err = l.Restore(context.Background(), []types.Position{
		{ID: "a", Instrument: "EUR_USD", Status: types.StatusOpen},
		{ID: "b", Instrument: "EUR_USD", Status: types.StatusOpen},
	})
	if !errors.Is(err, types.ErrInvariantViolation) {
		t.Errorf("Expected invariant violation for duplicate active, got %v", err)
	}
}

func TestHistoryTrim(t *testing.T) {
	b := &fakeBroker{openErr: types.ErrBrokerRejected}
	l := New(b, nil, time.Second, 3)
	for i := 0; i < 6; i++ {
		_, _ = l.Open(context.Background(), openReq("EUR_USD", types.Long))
	}
	if n := len(l.Snapshot()); n != 3 {
		t.Errorf("Expected history trimmed to 3, got %d", n)
	}
}
