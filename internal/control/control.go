// Package control answers operator chat commands against the live bot state.
package control

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"fx-trading-bot/internal/journal"
	"fx-trading-bot/internal/logger"
	"fx-trading-bot/internal/metrics"
	"fx-trading-bot/internal/types"
)

const (
	ReasonOperatorCancel = "cancelled by operator"
	logLines             = 10
)

type RiskControl interface {
	State() types.RiskState
	Halt(ctx context.Context, reason string) error
	Reset(ctx context.Context, now time.Time) error
	ToggleMode(ctx context.Context) (types.Mode, error)
}

type Positions interface {
	OpenPositions() []types.Position
	Snapshot() []types.Position
}

type Closer interface {
	CloseAll(ctx context.Context, reason string) (int, error)
}

type Journal interface {
	Recent(n int) ([]journal.Entry, error)
}

// Deps wires the controller. Everything after Closer is optional.
type Deps struct {
	Mode           string
	MaxDailyTrades int
	Risk           RiskControl
	Positions      Positions
	Closer         Closer
	Journal        Journal
	Recent         func() []types.StepResult
	Activity       func() string
	RequestScan    func()
	Sentiment      func() (types.Sentiment, bool)
	Currencies     func() []string
}

type Controller struct {
	d   Deps
	now func() time.Time
}

func New(d Deps) *Controller {
	return &Controller{d: d, now: func() time.Time { return time.Now().UTC() }}
}

var help = strings.Join([]string{
	"/status - risk state and open positions",
	"/pnl - realized and unrealized P&L",
	"/openpositions - list open positions",
	"/whatyoudoin - current activity",
	"/showlog - recent activity log",
	"/strategystats - latest decision per instrument",
	"/togglemode - switch aggressive/safe mode",
	"/halt - stop opening new trades",
	"/resetbot - clear counters and any halt",
	"/canceltrade - close all positions and halt",
	"/maketrade - check every instrument now",
}, "\n")

// ServeSignals runs the command mapped to each received signal until ctx is
// done. It gives halt and reset a delivery path when no chat is configured.
func (c *Controller) ServeSignals(ctx context.Context, sigs <-chan os.Signal, commands map[os.Signal]string) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			cmd, ok := commands[sig]
			if !ok {
				continue
			}
			reply := c.Handle(ctx, cmd)
			logger.Info(ctx, "Signal command handled", "signal", sig.String(), "command", cmd, "reply", reply)
		}
	}
}

// Handle answers one message. Its signature matches telegram.Handler.
func (c *Controller) Handle(ctx context.Context, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	cmd := strings.ToLower(fields[0])
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	logger.Info(ctx, "Chat command", "command", cmd)

	switch cmd {
	case "/start":
		return fmt.Sprintf("FX bot online in %s mode. Send /help for commands.", c.d.Mode)
	case "/help":
		return help
	case "/status":
		return c.status()
	case "/pnl":
		return c.pnl()
	case "/openpositions":
		return c.openPositions()
	case "/whatyoudoin":
		if c.d.Activity == nil {
			return "idle"
		}
		return c.d.Activity()
	case "/showlog":
		return c.showLog()
	case "/strategystats":
		return c.strategyStats()
	case "/togglemode":
		mode, err := c.d.Risk.ToggleMode(ctx)
		if err != nil {
			return fmt.Sprintf("Mode switched to %s, but saving state failed: %v", mode, err)
		}
		return fmt.Sprintf("Mode switched to %s.", mode)
	case "/halt":
		if err := c.d.Risk.Halt(ctx, ""); err != nil {
			return "Halted, but saving state failed: " + err.Error()
		}
		return "Trading halted. Send /resetbot to resume."
	case "/resetbot":
		if err := c.d.Risk.Reset(ctx, c.now()); err != nil {
			return "Reset failed: " + err.Error()
		}
		metrics.SetHalted(false)
		return "Counters cleared, trading resumed."
	case "/canceltrade":
		return c.cancelAll(ctx)
	case "/maketrade":
		if c.d.RequestScan == nil {
			return "Scanning is not available."
		}
		c.d.RequestScan()
		return "Checking every instrument now."
	}
	return fmt.Sprintf("Unknown command %s. Send /help.", cmd)
}

func (c *Controller) status() string {
	st := c.d.Risk.State()
	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s (%s)\n", st.Mode, c.d.Mode)
	if st.TradingHalted {
		fmt.Fprintf(&b, "Trading: HALTED (%s)\n", st.HaltedReason)
	} else {
		b.WriteString("Trading: active\n")
	}
	fmt.Fprintf(&b, "Trades today: %d/%d\n", st.DailyTradeCount, c.d.MaxDailyTrades)
	fmt.Fprintf(&b, "Loss streak: %d\n", st.ConsecutiveLosses)
	fmt.Fprintf(&b, "Open positions: %d\n", len(c.d.Positions.OpenPositions()))
	fmt.Fprintf(&b, "Total P&L: %.2f", st.TotalPnL)
	if c.d.Sentiment != nil {
		if s, ok := c.d.Sentiment(); ok {
			fmt.Fprintf(&b, "\nNews sentiment: %.2f (volatility %.2f, %d articles)", s.Score, s.Volatility, s.Articles)
		}
	}
	if c.d.Currencies != nil {
		if cur := c.d.Currencies(); len(cur) > 0 {
			sort.Strings(cur)
			fmt.Fprintf(&b, "\nSentiment cached for: %s", strings.Join(cur, ", "))
		}
	}
	return b.String()
}

func (c *Controller) pnl() string {
	st := c.d.Risk.State()
	var unrealized float64
	for _, p := range c.d.Positions.OpenPositions() {
		unrealized += p.UnrealizedPnL()
	}
	trades := st.Wins + st.Losses
	winRate := 0.0
	if trades > 0 {
		winRate = float64(st.Wins) / float64(trades) * 100
	}
	return fmt.Sprintf("Total: %.2f\nToday: %.2f\nUnrealized: %.2f\nWins/Losses: %d/%d (%.0f%%)",
		st.TotalPnL, st.DailyPnL, unrealized, st.Wins, st.Losses, winRate)
}

func (c *Controller) openPositions() string {
	open := c.d.Positions.OpenPositions()
	if len(open) == 0 {
		return "No open positions."
	}
	lines := make([]string, 0, len(open))
	for _, p := range open {
		lines = append(lines, fmt.Sprintf("%s %s %d @ %.5f | SL %.5f TP %.5f | mark %.5f | P&L %.2f",
			p.Instrument, p.Direction, p.Size, p.EntryPrice, p.StopLoss, p.TakeProfit, p.MarkPrice, p.UnrealizedPnL()))
	}
	return strings.Join(lines, "\n")
}

func (c *Controller) showLog() string {
	if c.d.Journal == nil {
		return "Activity log is not enabled."
	}
	entries, err := c.d.Journal.Recent(logLines)
	if err != nil {
		return "Could not read activity log: " + err.Error()
	}
	if len(entries) == 0 {
		return "Activity log is empty."
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		line := fmt.Sprintf("%s %s %s", e.Time.UTC().Format("15:04:05"), strings.ToUpper(e.Level), e.Msg)
		if inst, ok := e.Fields["instrument"].(string); ok {
			line += " " + inst
		}
		if errText, ok := e.Fields["error"].(string); ok {
			line += ": " + errText
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (c *Controller) strategyStats() string {
	var b strings.Builder
	if c.d.Recent != nil {
		for _, r := range c.d.Recent() {
			d := r.Decision
			fmt.Fprintf(&b, "%s: %s %.2f (%s)\n", r.Instrument, d.Direction, d.Confidence, d.Reason)
		}
	}

	closed := map[string][2]int{}
	var names []string
	for _, p := range c.d.Positions.Snapshot() {
		if p.Status != types.StatusClosed {
			continue
		}
		wl, seen := closed[p.Instrument]
		if !seen {
			names = append(names, p.Instrument)
		}
		if p.RealizedPnL < 0 {
			wl[1]++
		} else {
			wl[0]++
		}
		closed[p.Instrument] = wl
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(&b, "%s closed: %d won, %d lost\n", n, closed[n][0], closed[n][1])
	}
	if b.Len() == 0 {
		return "No decisions yet."
	}
	return strings.TrimRight(b.String(), "\n")
}

// cancelAll halts first so nothing new opens while positions are closing.
func (c *Controller) cancelAll(ctx context.Context) string {
	if err := c.d.Risk.Halt(ctx, ReasonOperatorCancel); err != nil {
		logger.ErrorWithErr(ctx, "Failed to persist halt", err)
	}
	n, err := c.d.Closer.CloseAll(ctx, ReasonOperatorCancel)
	if err != nil {
		return fmt.Sprintf("Closed %d positions, some failed: %v. Trading halted.", n, err)
	}
	return fmt.Sprintf("Closed %d positions. Trading halted.", n)
}
