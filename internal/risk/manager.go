package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"fx-trading-bot/internal/logger"
	"fx-trading-bot/internal/store"
	"fx-trading-bot/internal/types"
)

// Reason explains a denied admission.
type Reason string

const (
	ReasonHalted      Reason = "trading halted"
	ReasonLossStreak  Reason = "loss-streak halt"
	ReasonDrawdown    Reason = "drawdown floor breached"
	ReasonDailyLimit  Reason = "daily trade limit reached"
	ReasonSpread      Reason = "spread above ceiling"
	ReasonBlackout    Reason = "blackout window"
	ReasonActive      Reason = "position already active"
	ReasonSafeMode    Reason = "below safe-mode confidence"
	ReasonTradeGap    Reason = "minimum gap between trades"
	ReasonLowBalance  Reason = "balance below minimum"
	ReasonNoDirection Reason = "no trade direction"
	ReasonZeroSize    Reason = "computed size is zero"
)

const HaltManual = "manual halt"

// Verdict is the result of an admission check. Units and Fraction are set on Allow.
type Verdict struct {
	Allowed  bool
	Reason   Reason
	Detail   string
	Fraction float64
	Units    int64
}

func deny(r Reason, format string, args ...any) Verdict {
	return Verdict{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// Request carries everything Admit needs besides RiskState.
type Request struct {
	Decision        types.TradeDecision
	SpreadPips      float64
	Price           float64
	Balance         float64
	AccountCurrency string
	HasActive       bool
	Now             time.Time
}

// Effect reports what a recorded close changed.
type Effect struct {
	Halted    bool
	Reason    string
	Emergency bool
}

// Persister is called after every RiskState mutation.
type Persister interface {
	Persist(ctx context.Context) error
}

// Manager is the single writer of RiskState. Every read and write takes the
// same mutex so admission never observes a stale state.
type Manager struct {
	cfg       store.RiskConfig
	blackouts []window
	persist   Persister

	mu     sync.Mutex
	state  types.RiskState
	onHalt []func(reason string, emergency bool)
	// Admitted orders still waiting for a fill. They count against the daily
	// limit and the trade gap until RecordOpen or Release.
	reserved   int
	reservedAt time.Time
}

func NewManager(cfg store.RiskConfig, initial types.RiskState, p Persister) (*Manager, error) {
	wins, err := parseWindows(cfg.Blackouts)
	if err != nil {
		return nil, err
	}
	if initial.Mode == "" {
		initial.Mode = types.ModeAggressive
	}
	return &Manager{cfg: cfg, blackouts: wins, persist: p, state: initial}, nil
}

// OnHalt registers a callback run (outside the lock) when trading becomes halted.
func (m *Manager) OnHalt(fn func(reason string, emergency bool)) {
	m.mu.Lock()
	m.onHalt = append(m.onHalt, fn)
	m.mu.Unlock()
}

func (m *Manager) State() types.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Precheck applies the gates that do not depend on a decision. The scheduler
// uses it to avoid fetching market data when no trade could be admitted.
func (m *Manager) Precheck(now time.Time) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.precheckLocked(now)
}

func (m *Manager) precheckLocked(now time.Time) Verdict {
	s := m.state
	if s.TradingHalted {
		switch s.HaltedReason {
		case string(ReasonLossStreak):
			return deny(ReasonLossStreak, "%d consecutive losses", s.ConsecutiveLosses)
		case string(ReasonDrawdown):
			return deny(ReasonDrawdown, "total pnl %.2f", s.TotalPnL)
		}
		return deny(ReasonHalted, "%s", s.HaltedReason)
	}
	if s.ConsecutiveLosses >= m.cfg.MaxLossStreak {
		return deny(ReasonLossStreak, "%d consecutive losses", s.ConsecutiveLosses)
	}
	if n := s.DailyTradeCount + m.reserved; n >= m.cfg.MaxDailyTrades {
		return deny(ReasonDailyLimit, "%d/%d trades today", n, m.cfg.MaxDailyTrades)
	}
	if inWindows(m.blackouts, now) {
		return deny(ReasonBlackout, "%s UTC", now.UTC().Format("15:04"))
	}
	last := s.LastTradeAt
	if m.reservedAt.After(last) {
		last = m.reservedAt
	}
	if m.cfg.MinTradeGap > 0 && !last.IsZero() && now.Sub(last) < m.cfg.MinTradeGap {
		return deny(ReasonTradeGap, "last trade %s ago", now.Sub(last).Round(time.Second))
	}
	return Verdict{Allowed: true}
}

// Admit decides whether a new position may be opened and sizes it. An
// allowed verdict holds a trade slot that the caller must settle with
// RecordOpen or Release.
func (m *Manager) Admit(ctx context.Context, req Request) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := req.Decision
	if d.Direction != types.Long && d.Direction != types.Short {
		return deny(ReasonNoDirection, "direction %q", d.Direction)
	}
	if v := m.precheckLocked(req.Now); !v.Allowed {
		return v
	}
	if req.HasActive {
		return deny(ReasonActive, "%s", d.Instrument)
	}
	if m.cfg.MaxSpreadPips > 0 && req.SpreadPips > m.cfg.MaxSpreadPips {
		return deny(ReasonSpread, "%.1f > %.1f pips", req.SpreadPips, m.cfg.MaxSpreadPips)
	}
	if req.Balance < m.cfg.MinBalance {
		return deny(ReasonLowBalance, "%.2f < %.2f", req.Balance, m.cfg.MinBalance)
	}
	if m.state.Mode == types.ModeSafe && d.Confidence < m.cfg.SafeModeMinConfidence {
		return deny(ReasonSafeMode, "%.2f < %.2f", d.Confidence, m.cfg.SafeModeMinConfidence)
	}

	fraction := m.cfg.MaxPositionFraction * clamp01(d.SizeFraction)
	if m.state.Mode == types.ModeSafe && m.cfg.SafeModeSizeFactor > 0 {
		fraction *= m.cfg.SafeModeSizeFactor
	}
	units := Units(req.Balance, fraction, req.Price, d.Instrument, req.AccountCurrency)
	if units <= 0 {
		return deny(ReasonZeroSize, "balance %.2f fraction %.4f", req.Balance, fraction)
	}
	m.reserved++
	m.reservedAt = req.Now
	return Verdict{Allowed: true, Fraction: fraction, Units: units}
}

// Release returns the slot of an admitted order that did not fill.
func (m *Manager) Release() {
	m.mu.Lock()
	m.releaseLocked()
	m.mu.Unlock()
}

func (m *Manager) releaseLocked() {
	if m.reserved > 0 {
		m.reserved--
	}
	if m.reserved == 0 {
		m.reservedAt = time.Time{}
	}
}

// RecordOpen counts a confirmed fill against the daily limit.
func (m *Manager) RecordOpen(ctx context.Context, at time.Time) error {
	m.mu.Lock()
	m.releaseLocked()
	m.state.DailyTradeCount++
	m.state.LastTradeAt = at
	fired := m.evaluateLocked()
	m.mu.Unlock()

	m.fire(ctx, fired)
	return m.save(ctx)
}

// RecordClose applies a realized outcome and re-evaluates the halt conditions.
func (m *Manager) RecordClose(ctx context.Context, pnl float64) (Effect, error) {
	m.mu.Lock()
	m.state.TotalPnL += pnl
	m.state.DailyPnL += pnl
	if pnl < 0 {
		m.state.Losses++
		m.state.ConsecutiveLosses++
	} else {
		m.state.Wins++
		m.state.ConsecutiveLosses = 0
	}
	fired := m.evaluateLocked()
	m.mu.Unlock()

	m.fire(ctx, fired)
	eff := Effect{}
	if fired != nil {
		eff = Effect{Halted: true, Reason: fired.reason, Emergency: fired.emergency}
	}
	return eff, m.save(ctx)
}

// ObserveBalance records the baseline balance for the drawdown floor.
func (m *Manager) ObserveBalance(ctx context.Context, balance float64) error {
	m.mu.Lock()
	if m.state.StartingBalance > 0 || balance <= 0 {
		m.mu.Unlock()
		return nil
	}
	m.state.StartingBalance = balance
	fired := m.evaluateLocked()
	m.mu.Unlock()

	m.fire(ctx, fired)
	return m.save(ctx)
}

func (m *Manager) Halt(ctx context.Context, reason string) error {
	if reason == "" {
		reason = HaltManual
	}
	m.mu.Lock()
	if m.state.TradingHalted {
		m.mu.Unlock()
		return nil
	}
	m.state.TradingHalted = true
	m.state.HaltedReason = reason
	m.mu.Unlock()

	logger.Risk(ctx, "", "halt", "reason", reason)
	m.fire(ctx, &halt{reason: reason})
	return m.save(ctx)
}

// Reset clears counters, P&L and any halt. The mode is kept and the drawdown
// baseline is re-read from the next account balance.
func (m *Manager) Reset(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	m.state = types.RiskState{Mode: m.state.Mode, TradingDay: dayKey(now)}
	m.mu.Unlock()

	logger.Info(ctx, "Risk state reset")
	return m.save(ctx)
}

func (m *Manager) ToggleMode(ctx context.Context) (types.Mode, error) {
	m.mu.Lock()
	if m.state.Mode == types.ModeSafe {
		m.state.Mode = types.ModeAggressive
	} else {
		m.state.Mode = types.ModeSafe
	}
	mode := m.state.Mode
	m.mu.Unlock()

	logger.Info(ctx, "Trading mode changed", "mode", mode)
	return mode, m.save(ctx)
}

// Rollover resets the daily counters when the UTC date changes. It reports
// whether a rollover happened and the day that ended.
func (m *Manager) Rollover(ctx context.Context, now time.Time) (bool, string, error) {
	today := dayKey(now)
	m.mu.Lock()
	prev := m.state.TradingDay
	if prev == today {
		m.mu.Unlock()
		return false, "", nil
	}
	m.state.TradingDay = today
	m.state.DailyTradeCount = 0
	m.state.DailyPnL = 0
	fired := m.evaluateLocked()
	m.mu.Unlock()

	if prev != "" {
		logger.Info(ctx, "Daily risk counters reset", "previous_day", prev, "day", today)
	}
	m.fire(ctx, fired)
	return prev != "", prev, m.save(ctx)
}

type halt struct {
	reason    string
	emergency bool
}

// evaluateLocked re-applies the halt invariants after a mutation and returns
// the halt that was newly triggered, if any. A drawdown breach escalates any
// other halt to an emergency.
func (m *Manager) evaluateLocked() *halt {
	if floor := m.drawdownFloorLocked(); floor < 0 && m.state.TotalPnL <= floor {
		if m.state.TradingHalted && m.state.HaltedReason == string(ReasonDrawdown) {
			return nil
		}
		m.state.TradingHalted = true
		m.state.HaltedReason = string(ReasonDrawdown)
		return &halt{reason: string(ReasonDrawdown), emergency: true}
	}
	if m.state.TradingHalted {
		return nil
	}
	if m.cfg.MaxLossStreak > 0 && m.state.ConsecutiveLosses >= m.cfg.MaxLossStreak {
		m.state.TradingHalted = true
		m.state.HaltedReason = string(ReasonLossStreak)
		return &halt{reason: string(ReasonLossStreak)}
	}
	return nil
}

func (m *Manager) drawdownFloorLocked() float64 {
	base := m.state.StartingBalance
	if base <= 0 {
		base = m.cfg.StartingBalance
	}
	return -m.cfg.DrawdownFloorPct * base
}

func (m *Manager) fire(ctx context.Context, h *halt) {
	if h == nil {
		return
	}
	logger.Risk(ctx, "", "trading_halted", "reason", h.reason, "emergency", h.emergency)
	m.mu.Lock()
	cbs := append([]func(string, bool){}, m.onHalt...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(h.reason, h.emergency)
	}
}

func (m *Manager) save(ctx context.Context) error {
	if m.persist == nil {
		return nil
	}
	return m.persist.Persist(ctx)
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
