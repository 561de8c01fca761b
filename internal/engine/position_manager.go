package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"fx-trading-bot/internal/ledger"
	"fx-trading-bot/internal/logger"
	"fx-trading-bot/internal/metrics"
	"fx-trading-bot/internal/risk"
	"fx-trading-bot/internal/types"
)

const (
	ReasonStopLoss   = "stop loss"
	ReasonTakeProfit = "take profit"
)

// ScanPrices marks open positions to market and closes those whose stop or
// target was touched. Under a drawdown halt it closes everything.
func (e *Engine) ScanPrices(ctx context.Context) error {
	open := e.d.Ledger.OpenPositions()
	if len(open) == 0 {
		return nil
	}
	if reason, ok := e.emergencyHalt(); ok {
		_, err := e.CloseAll(ctx, reason)
		return err
	}

	var errs []error
	quotes := make(map[string]types.Quote, len(open))
	for _, p := range open {
		if p.Status != types.StatusOpen {
			continue
		}
		cctx, cancel := e.callCtx(ctx)
		q, err := e.d.Market.Quote(cctx, p.Instrument)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("quote %s: %w", p.Instrument, err))
			continue
		}
		quotes[p.Instrument] = q
	}

	for _, inst := range e.d.Ledger.Mark(quotes, e.trailPips) {
		reason := ReasonStopLoss
		if p, ok := e.d.Ledger.Active(inst); ok && hitTarget(p) {
			reason = ReasonTakeProfit
		}
		if _, err := e.closePosition(ctx, inst, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func hitTarget(p types.Position) bool {
	if p.Direction == types.Short {
		return p.MarkPrice <= p.TakeProfit
	}
	return p.MarkPrice >= p.TakeProfit
}

// closePosition closes one instrument's position and settles the outcome.
func (e *Engine) closePosition(ctx context.Context, instrument, reason string) (ledger.Outcome, error) {
	out, err := e.d.Ledger.Close(ctx, instrument, reason)
	if err != nil {
		if errors.Is(err, types.ErrNoPosition) {
			return ledger.Outcome{}, nil
		}
		e.journalError("Close failed", err, zap.String("instrument", instrument), zap.String("reason", reason))
		if errors.Is(err, types.ErrUnrecoverable) {
			metrics.PositionsTotal.WithLabelValues(instrument, string(types.StatusFailed)).Inc()
			e.notify(types.EventTradeFailed, instrument, "close failed permanently: "+err.Error())
		}
		return ledger.Outcome{}, err
	}
	e.settle(ctx, out)
	return out, nil
}

// settle records a realized outcome with risk and, if that trips the
// drawdown floor, closes everything else.
func (e *Engine) settle(ctx context.Context, out ledger.Outcome) {
	p := out.Position
	metrics.PositionsTotal.WithLabelValues(p.Instrument, string(types.StatusClosed)).Inc()
	e.appendTrade(ctx, types.TradeRecord{
		Time:       p.ClosedAt,
		Event:      "CLOSE",
		PositionID: p.ID,
		Instrument: p.Instrument,
		Direction:  p.Direction,
		Units:      p.Size,
		Price:      p.ExitPrice,
		PnL:        out.PnL,
		Confidence: p.Confidence,
		Reason:     p.CloseReason,
	})
	e.action("Trade closed",
		zap.String("position_id", p.ID),
		zap.String("instrument", p.Instrument),
		zap.String("reason", p.CloseReason),
		zap.Float64("exit_price", p.ExitPrice),
		zap.Float64("pnl", out.PnL),
	)
	e.notify(types.EventTradeClosed, p.Instrument, fmt.Sprintf("%s closed @ %.5f (%s), P&L %.2f",
		p.Direction, p.ExitPrice, p.CloseReason, out.PnL))

	eff, err := e.d.Risk.RecordClose(ctx, out.PnL)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to persist realized P&L", err, "position_id", p.ID)
	}
	metrics.TotalPnL.Set(e.d.Risk.State().TotalPnL)
	if eff.Emergency {
		logger.Risk(ctx, p.Instrument, "emergency_close", "reason", eff.Reason)
		if _, err := e.CloseAll(ctx, eff.Reason); err != nil {
			logger.ErrorWithErr(ctx, "Emergency close incomplete", err)
		}
	}
}

// converter values quote-currency P&L in the account currency, using market
// quotes for cross pairs. The account currency is fetched once per reconcile.
func (e *Engine) converter() ledger.Converter {
	var currency string
	return func(ctx context.Context, instrument string, price, amount float64) (float64, error) {
		if currency == "" {
			cctx, cancel := e.callCtx(ctx)
			acct, err := e.d.Broker.GetAccount(cctx)
			cancel()
			if err != nil {
				return 0, fmt.Errorf("account: %w", err)
			}
			currency = acct.Currency
		}
		v, ok := types.ToAccount(amount, instrument, currency, price, func(pair string) (float64, bool) {
			cctx, cancel := e.callCtx(ctx)
			defer cancel()
			q, err := e.d.Market.Quote(cctx, pair)
			if err != nil {
				return 0, false
			}
			return q.Mid(), true
		})
		if !ok {
			return 0, fmt.Errorf("%w: no %s rate for %s", types.ErrDataUnavailable, currency, instrument)
		}
		return v, nil
	}
}

// emergencyHalt reports whether trading is halted by the drawdown floor.
// While it holds, no position may stay open.
func (e *Engine) emergencyHalt() (string, bool) {
	st := e.d.Risk.State()
	if st.TradingHalted && st.HaltedReason == string(risk.ReasonDrawdown) {
		return st.HaltedReason, true
	}
	return "", false
}

// CloseAll closes every open position and returns how many were closed.
func (e *Engine) CloseAll(ctx context.Context, reason string) (int, error) {
	outs, err := e.d.Ledger.CloseAll(ctx, reason, e.closeLimit)
	for _, out := range outs {
		e.settle(ctx, out)
	}
	if len(outs) > 0 || err != nil {
		logger.Info(ctx, "Closed all positions", "reason", reason, "closed", len(outs), "error", err)
	}
	return len(outs), err
}

// Reconcile settles positions the broker closed on its own and reports
// broker positions the ledger does not know about.
func (e *Engine) Reconcile(ctx context.Context) error {
	cctx, cancel := e.callCtx(ctx)
	held, err := e.d.Broker.ListPositions(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	outs, untracked := e.d.Ledger.Reconcile(ctx, held, e.converter())
	for _, out := range outs {
		e.settle(ctx, out)
	}
	for _, h := range untracked {
		logger.Warn(ctx, "Broker position not tracked by ledger", "broker_id", h.ID, "instrument", h.Instrument, "units", h.Units)
		e.notify(types.EventInfo, h.Instrument, fmt.Sprintf("untracked broker position %s (%d units)", h.ID, h.Units))
	}
	return nil
}
