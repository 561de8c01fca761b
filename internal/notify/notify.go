// Package notify delivers operator events without blocking the caller.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fx-trading-bot/internal/interfaces"
	"fx-trading-bot/internal/logger"
	"fx-trading-bot/internal/types"
)

// Sender delivers one rendered message, e.g. to a Telegram chat.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Async queues events and sends them from a single goroutine. When the queue
// is full the event is dropped and counted.
type Async struct {
	sender  Sender
	queue   chan types.Event
	timeout time.Duration
	dropped atomic.Int64
	once    sync.Once
	done    chan struct{}
}

var _ interfaces.NotificationSink = (*Async)(nil)

func NewAsync(sender Sender, size int, timeout time.Duration) *Async {
	if size <= 0 {
		size = 64
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Async{
		sender:  sender,
		queue:   make(chan types.Event, size),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

func (a *Async) Notify(ev types.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case a.queue <- ev:
	default:
		n := a.dropped.Add(1)
		logger.Warn(context.Background(), "Notification dropped, queue full", "kind", ev.Kind, "dropped_total", n)
	}
}

// Dropped reports how many events were discarded.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Run sends queued events until ctx is cancelled, then drains what is left
// with a short deadline.
func (a *Async) Run(ctx context.Context) {
	defer a.once.Do(func() { close(a.done) })
	for {
		select {
		case ev := <-a.queue:
			a.send(ctx, ev)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), a.timeout)
			defer cancel()
			for {
				select {
				case ev := <-a.queue:
					a.send(drainCtx, ev)
				default:
					return
				}
			}
		}
	}
}

// Done is closed when Run has returned.
func (a *Async) Done() <-chan struct{} { return a.done }

func (a *Async) send(ctx context.Context, ev types.Event) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.sender.Send(ctx, ev.String()); err != nil {
		logger.ErrorWithErr(ctx, "Failed to deliver notification", err, "kind", ev.Kind)
	}
}

// LogSender writes messages to the structured log; used when no chat is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, text string) error {
	logger.Info(ctx, "Notification", "text", text)
	return nil
}
