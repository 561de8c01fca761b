package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fx-trading-bot/internal/types"
)

type recordSender struct {
	mu    sync.Mutex
	texts []string
	block chan struct{}
	err   error
}

func (r *recordSender) Send(ctx context.Context, text string) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return r.err
}

func (r *recordSender) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestAsyncDelivers(t *testing.T) {
	s := &recordSender{}
	a := NewAsync(s, 8, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	a.Notify(types.Event{Kind: types.EventTradeOpened, Instrument: "EUR_USD", Message: "long 1000 @ 1.08500"})
	a.Notify(types.Event{Kind: types.EventHeartbeat, Message: "alive"})

	deadline := time.After(2 * time.Second)
	for len(s.got()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out, got %v", s.got())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-a.Done()

	got := s.got()
	if got[0] != "[trade_opened] EUR_USD: long 1000 @ 1.08500" || got[1] != "[heartbeat] alive" {
		t.Errorf("unexpected messages %v", got)
	}
}

func TestAsyncNeverBlocks(t *testing.T) {
	s := &recordSender{block: make(chan struct{})}
	a := NewAsync(s, 2, time.Second)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			a.Notify(types.Event{Kind: types.EventInfo, Message: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked with a full queue")
	}
	if a.Dropped() != 8 {
		t.Errorf("Expected 8 dropped, got %d", a.Dropped())
	}
	close(s.block)
}

func TestAsyncDrainsOnShutdown(t *testing.T) {
	s := &recordSender{err: errors.New("chat unreachable")}
	a := NewAsync(s, 8, time.Second)
	for i := 0; i < 3; i++ {
		a.Notify(types.Event{Kind: types.EventError, Message: "boom"})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Run(ctx)

	if n := len(s.got()); n != 3 {
		t.Errorf("Expected 3 drained sends despite errors, got %d", n)
	}
}
