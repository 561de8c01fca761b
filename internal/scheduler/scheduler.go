package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"fx-trading-bot/internal/interfaces"
	"fx-trading-bot/internal/logger"
	"fx-trading-bot/internal/metrics"
	"fx-trading-bot/internal/risk"
	"fx-trading-bot/internal/store"
	"fx-trading-bot/internal/types"
)

const (
	taskNews      = "news"
	taskScan      = "scan"
	taskHeartbeat = "heartbeat"
	taskCleanup   = "cleanup"
	taskSummary   = "summary"
	taskCheck     = "check"

	shutdownReason = "shutdown"
)

// Refresher refreshes cached news sentiment.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Deps are the collaborators driven by the scheduler. News, Notify, Persist,
// Summarize, Cleanup and OpenCount are optional.
type Deps struct {
	Engine    interfaces.Engine
	Risk      *risk.Manager
	News      Refresher
	Notify    interfaces.NotificationSink
	Persist   func(ctx context.Context) error
	Summarize func(day time.Time) (string, error)
	Cleanup   func(ctx context.Context, now time.Time) error
	OpenCount func() int
}

// Scheduler owns the ScheduleClock and runs periodic tasks and opportunity
// checks on a bounded pool.
type Scheduler struct {
	cfg         store.SchedulerConfig
	instruments []string
	d           Deps
	sem         *semaphore.Weighted
	now         func() time.Time

	mu          sync.Mutex
	clock       types.ScheduleClock
	inflight    map[string]time.Time
	pausedUntil time.Time

	wg       sync.WaitGroup
	errs     chan error
	scan     chan struct{}
	fatal    chan error
	stopping chan struct{}
	stopOnce sync.Once
}

func New(cfg *store.Config, d Deps, clock types.ScheduleClock) (*Scheduler, error) {
	if d.Engine == nil || d.Risk == nil {
		return nil, errors.New("scheduler: engine and risk are required")
	}
	workers := cfg.Scheduler.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		cfg:         cfg.Scheduler,
		instruments: append([]string(nil), cfg.Instruments...),
		d:           d,
		sem:         semaphore.NewWeighted(int64(workers)),
		now:         func() time.Time { return time.Now().UTC() },
		clock:       clock,
		inflight:    make(map[string]time.Time),
		errs:        make(chan error, 64),
		scan:        make(chan struct{}, 1),
		fatal:       make(chan error, 1),
		stopping:    make(chan struct{}),
	}, nil
}

func (s *Scheduler) Clock() types.ScheduleClock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// Stopping is closed when Run begins shutting down, whatever the cause.
func (s *Scheduler) Stopping() <-chan struct{} { return s.stopping }

// Fatal stops Run after an orderly shutdown and makes it return err.
func (s *Scheduler) Fatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// RequestScan runs an opportunity check for every instrument on the next
// loop iteration, regardless of the pre-trade gates.
func (s *Scheduler) RequestScan() {
	select {
	case s.scan <- struct{}{}:
	default:
	}
}

// Activity describes the work currently in flight.
func (s *Scheduler) Activity() string {
	s.mu.Lock()
	names := make([]string, 0, len(s.inflight))
	for name := range s.inflight {
		names = append(names, name)
	}
	paused := s.now().Before(s.pausedUntil)
	s.mu.Unlock()

	if len(names) == 0 {
		if paused {
			return "backing off after an error"
		}
		return "idle"
	}
	sort.Strings(names)
	var checking []string
	var parts []string
	for _, n := range names {
		switch {
		case strings.HasPrefix(n, taskCheck+":"):
			checking = append(checking, strings.TrimPrefix(n, taskCheck+":"))
		case n == taskNews:
			parts = append(parts, "scraping news")
		case n == taskScan:
			parts = append(parts, "scanning prices")
		case n == taskHeartbeat:
			parts = append(parts, "reconciling positions")
		case n == taskCleanup:
			parts = append(parts, "cleaning logs")
		default:
			parts = append(parts, "writing "+n)
		}
	}
	if len(checking) > 0 {
		parts = append(parts, "checking "+strings.Join(checking, ", "))
	}
	return strings.Join(parts, "; ")
}

// Run blocks until ctx is cancelled or a fatal error is reported, then shuts
// down: in-flight work gets the grace period, open positions are closed when
// configured and state is flushed.
func (s *Scheduler) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	tick := s.cfg.Tick
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	logger.Info(ctx, "Scheduler started", "instruments", len(s.instruments), "workers", s.cfg.Workers)
	for {
		select {
		case <-ctx.Done():
			return s.shutdown(cancelWork, nil)
		case err := <-s.fatal:
			logger.ErrorWithErr(ctx, "Fatal error, shutting down", err)
			s.alert(types.EventError, "fatal: "+err.Error())
			return s.shutdown(cancelWork, err)
		case <-s.scan:
			logger.Info(ctx, "Immediate scan requested")
			s.launchChecks(workCtx, false)
		case <-ticker.C:
			s.tick(workCtx)
		}
	}
}

// tick runs one scheduling pass.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	if s.drainErrors(ctx, now) {
		return
	}
	s.mu.Lock()
	paused := now.Before(s.pausedUntil)
	s.mu.Unlock()
	if paused {
		return
	}

	s.rollover(ctx, now)

	clock := s.Clock()
	if s.d.News != nil && due(now, clock.LastNewsScrape, s.cfg.NewsInterval) {
		s.launch(ctx, taskNews, func(ctx context.Context) error {
			return s.d.News.Refresh(ctx)
		}, func(c *types.ScheduleClock, t time.Time) { c.LastNewsScrape = t })
	}
	if due(now, clock.LastPriceScan, s.cfg.PriceScanInterval) {
		s.launch(ctx, taskScan, s.d.Engine.ScanPrices,
			func(c *types.ScheduleClock, t time.Time) { c.LastPriceScan = t })
	}
	if due(now, clock.LastHeartbeat, s.cfg.HeartbeatInterval) {
		s.launch(ctx, taskHeartbeat, s.heartbeat,
			func(c *types.ScheduleClock, t time.Time) { c.LastHeartbeat = t })
	}
	if s.d.Cleanup != nil && due(now, clock.LastCleanup, s.cfg.CleanupInterval) {
		s.launch(ctx, taskCleanup, func(ctx context.Context) error {
			return s.d.Cleanup(ctx, s.now())
		}, func(c *types.ScheduleClock, t time.Time) { c.LastCleanup = t })
	}

	s.launchChecks(ctx, true)
}

func due(now, last time.Time, interval time.Duration) bool {
	return last.IsZero() || now.Sub(last) >= interval
}

// drainErrors collects errors reported since the last tick. When there are
// any, they are alerted once and new work is paused for the backoff period.
func (s *Scheduler) drainErrors(ctx context.Context, now time.Time) bool {
	var errs []error
	for drained := false; !drained; {
		select {
		case err := <-s.errs:
			errs = append(errs, err)
		default:
			drained = true
		}
	}
	if len(errs) == 0 {
		return false
	}

	err := errors.Join(errs...)
	logger.ErrorWithErr(ctx, "Scheduled work failed, backing off", err, "errors", len(errs), "backoff", s.cfg.ErrorBackoff)
	s.alert(types.EventError, err.Error())

	s.mu.Lock()
	s.pausedUntil = now.Add(s.cfg.ErrorBackoff)
	s.mu.Unlock()
	return true
}

func (s *Scheduler) rollover(ctx context.Context, now time.Time) {
	rolled, prev, err := s.d.Risk.Rollover(ctx, now)
	if err != nil {
		s.report(fmt.Errorf("rollover: %w", err))
	}
	if !rolled || s.d.Summarize == nil {
		return
	}
	day, err := time.Parse("2006-01-02", prev)
	if err != nil {
		s.report(fmt.Errorf("rollover: bad trading day %q: %w", prev, err))
		return
	}
	s.launch(ctx, taskSummary+":"+prev, func(ctx context.Context) error {
		path, err := s.d.Summarize(day)
		if err != nil {
			return err
		}
		if path != "" {
			s.alert(types.EventInfo, "daily summary for "+prev+" written to "+path)
		}
		return nil
	}, nil)
}

// launchChecks starts an opportunity check per instrument. With gated set,
// nothing starts while the risk pre-checks deny trading.
func (s *Scheduler) launchChecks(ctx context.Context, gated bool) {
	if gated {
		if v := s.d.Risk.Precheck(s.now()); !v.Allowed {
			return
		}
	}
	for _, inst := range s.instruments {
		s.launch(ctx, taskCheck+":"+inst, func(ctx context.Context) error {
			res, err := s.d.Engine.Step(ctx, inst)
			if err != nil {
				return err
			}
			if res != nil && res.Admitted {
				logger.Info(ctx, "Opportunity taken", "instrument", inst, "reason", res.Reason)
			}
			return nil
		}, nil)
	}
}

func (s *Scheduler) heartbeat(ctx context.Context) error {
	err := s.d.Engine.Reconcile(ctx)

	st := s.d.Risk.State()
	msg := fmt.Sprintf("alive: mode %s, %d trades today, total P&L %.2f", st.Mode, st.DailyTradeCount, st.TotalPnL)
	if s.d.OpenCount != nil {
		msg += fmt.Sprintf(", %d open", s.d.OpenCount())
	}
	if st.TradingHalted {
		msg += ", halted: " + st.HaltedReason
	}
	s.alert(types.EventHeartbeat, msg)
	return err
}

// launch starts fn on the pool unless a run with the same name is in flight
// or no worker is free. On success mark, if set, advances the clock.
func (s *Scheduler) launch(ctx context.Context, name string, fn func(context.Context) error, mark func(*types.ScheduleClock, time.Time)) bool {
	s.mu.Lock()
	if _, busy := s.inflight[name]; busy {
		s.mu.Unlock()
		return false
	}
	if !s.sem.TryAcquire(1) {
		s.mu.Unlock()
		logger.Debug(ctx, "Worker pool full, deferring task", "task", name)
		return false
	}
	started := s.now()
	s.inflight[name] = started
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, name)
			s.mu.Unlock()
			s.sem.Release(1)
		}()

		label := name
		if i := strings.IndexByte(name, ':'); i > 0 {
			label = name[:i]
		}
		t0 := time.Now()
		err := safeRun(ctx, fn)
		metrics.TaskDuration.WithLabelValues(label).Observe(time.Since(t0).Seconds())
		if err != nil {
			metrics.TaskErrorsTotal.WithLabelValues(label).Inc()
			s.report(fmt.Errorf("%s: %w", name, err))
			return
		}
		if mark != nil {
			s.mu.Lock()
			mark(&s.clock, started)
			s.mu.Unlock()
			s.persist(ctx)
		}
	}()
	return true
}

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "Task panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) report(err error) {
	select {
	case s.errs <- err:
	default:
		logger.ErrorWithErr(context.Background(), "Error queue full, dropping error", err)
	}
}

func (s *Scheduler) alert(kind types.EventKind, msg string) {
	if s.d.Notify == nil {
		return
	}
	s.d.Notify.Notify(types.Event{Kind: kind, Message: msg, Time: s.now()})
}

func (s *Scheduler) persist(ctx context.Context) {
	if s.d.Persist == nil {
		return
	}
	if err := s.d.Persist(ctx); err != nil {
		logger.ErrorWithErr(ctx, "Failed to persist schedule clock", err)
	}
}

func (s *Scheduler) shutdown(cancelWork context.CancelFunc, cause error) error {
	ctx := context.Background()
	s.stopOnce.Do(func() { close(s.stopping) })
	logger.Info(ctx, "Scheduler stopping, waiting for in-flight work", "grace", s.cfg.ShutdownGrace)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(s.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.Warn(ctx, "Grace period exceeded, cancelling in-flight work", "activity", s.Activity())
		cancelWork()
		<-done
	}

	fctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()
	if s.cfg.CloseOnShutdown {
		n, err := s.d.Engine.CloseAll(fctx, shutdownReason)
		if err != nil {
			logger.ErrorWithErr(ctx, "Closing positions on shutdown failed", err, "closed", n)
		} else if n > 0 {
			logger.Info(ctx, "Closed positions on shutdown", "closed", n)
		}
	}
	s.persist(fctx)
	logger.Info(ctx, "Scheduler stopped")
	return cause
}

// Watchdog calls exit(1) when done is not closed within limit after
// stopping is closed.
func Watchdog(stopping, done <-chan struct{}, limit time.Duration, exit func(int)) {
	select {
	case <-done:
		return
	case <-stopping:
	}
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.Error(context.Background(), "Shutdown overran, forcing exit", "limit", limit)
		exit(1)
	}
}
