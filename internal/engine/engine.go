package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fx-trading-bot/internal/interfaces"
	"fx-trading-bot/internal/journal"
	"fx-trading-bot/internal/ledger"
	"fx-trading-bot/internal/logger"
	"fx-trading-bot/internal/metrics"
	"fx-trading-bot/internal/risk"
	"fx-trading-bot/internal/store"
	"fx-trading-bot/internal/strategy"
	"fx-trading-bot/internal/types"
)

// Deps are the collaborators of the engine. Sentiment, Notify and Journal
// are optional.
type Deps struct {
	Market    interfaces.MarketSignalProvider
	Sentiment interfaces.SentimentProvider
	Broker    interfaces.BrokerGateway
	Strategy  *strategy.Engine
	Risk      *risk.Manager
	Ledger    *ledger.Ledger
	Notify    interfaces.NotificationSink
	Journal   *journal.Journal
}

// Engine runs the opportunity check for one instrument and manages the
// exits of open positions.
type Engine struct {
	d           Deps
	callTimeout time.Duration
	trailPips   float64
	closeLimit  int
	now         func() time.Time

	mu     sync.Mutex
	recent map[string]types.StepResult

	// Throttles the alert for a failing sentiment provider.
	sentimentNote rate.Sometimes
}

const sentimentNoteInterval = 30 * time.Minute

var _ interfaces.Engine = (*Engine)(nil)

func New(cfg *store.Config, d Deps) (*Engine, error) {
	if d.Market == nil || d.Broker == nil || d.Strategy == nil || d.Risk == nil || d.Ledger == nil {
		return nil, errors.New("engine: market, broker, strategy, risk and ledger are required")
	}
	e := &Engine{
		d:             d,
		callTimeout:   cfg.Scheduler.CallTimeout,
		closeLimit:    cfg.Scheduler.Workers,
		sentimentNote: rate.Sometimes{Interval: sentimentNoteInterval},
		now:           func() time.Time { return time.Now().UTC() },
		recent:        make(map[string]types.StepResult),
	}
	if cfg.Risk.TrailingStop {
		e.trailPips = cfg.Risk.TrailingStopPips
	}
	metrics.SetHalted(d.Risk.State().TradingHalted)
	d.Risk.OnHalt(func(reason string, emergency bool) {
		metrics.SetHalted(true)
		msg := "trading halted: " + reason
		if emergency {
			msg += " (closing all positions)"
		}
		e.notify(types.EventHalted, "", msg)
	})
	return e, nil
}

// Step evaluates one instrument and, when the decision is admitted, opens a
// position. A non-nil result with Admitted=false explains why nothing was done.
func (e *Engine) Step(ctx context.Context, instrument string) (*types.StepResult, error) {
	res := &types.StepResult{Instrument: instrument}
	now := e.now()

	if e.d.Ledger.HasActive(instrument) {
		res.Reason = string(risk.ReasonActive)
		return res, nil
	}
	if v := e.d.Risk.Precheck(now); !v.Allowed {
		res.Reason = verdictReason(v)
		return res, nil
	}

	sig, err := e.signal(ctx, instrument)
	if err != nil {
		return nil, err
	}

	dec := e.d.Strategy.Evaluate(sig)
	res.Decision = dec
	metrics.DecisionsTotal.WithLabelValues(instrument, string(dec.Direction)).Inc()
	logger.Decision(ctx, instrument, string(dec.Direction), dec.Confidence, dec.Reason,
		"sentiment", sig.SentimentScore(),
		"volatility", sig.VolatilityScore(),
	)

	if dec.Direction == types.None {
		res.Reason = dec.Reason
		e.remember(*res)
		return res, nil
	}

	err = e.open(ctx, res, sig, now)
	e.remember(*res)
	return res, err
}

// signal fetches market data and merges sentiment, defaulting to a neutral
// reading when the sentiment provider fails.
func (e *Engine) signal(ctx context.Context, instrument string) (types.Signal, error) {
	cctx, cancel := e.callCtx(ctx)
	sig, err := e.d.Market.GetSignal(cctx, instrument)
	cancel()
	if err != nil {
		return types.Signal{}, fmt.Errorf("signal %s: %w", instrument, err)
	}

	if e.d.Sentiment == nil {
		return sig, nil
	}
	cctx, cancel = e.callCtx(ctx)
	s, err := e.d.Sentiment.GetSentiment(cctx, instrument)
	cancel()
	if err != nil {
		logger.Warn(ctx, "Sentiment unavailable, using neutral reading", "instrument", instrument, "error", err)
		e.sentimentNote.Do(func() {
			e.notify(types.EventInfo, instrument, "sentiment unavailable, using neutral: "+err.Error())
		})
		return sig, nil
	}
	return sig.WithSentiment(s), nil
}

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.callTimeout)
}

func (e *Engine) remember(r types.StepResult) {
	e.mu.Lock()
	e.recent[r.Instrument] = r
	e.mu.Unlock()
}

// Recent returns the latest evaluated decision per instrument.
func (e *Engine) Recent() []types.StepResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.StepResult, 0, len(e.recent))
	for _, r := range e.recent {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

func verdictReason(v risk.Verdict) string {
	if v.Detail == "" {
		return string(v.Reason)
	}
	return string(v.Reason) + ": " + v.Detail
}
