package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fx-trading-bot/internal/ledger"
	"fx-trading-bot/internal/logger"
	"fx-trading-bot/internal/metrics"
	"fx-trading-bot/internal/risk"
	"fx-trading-bot/internal/types"
)

// open runs admission for an actionable decision and submits the order.
func (e *Engine) open(ctx context.Context, res *types.StepResult, sig types.Signal, now time.Time) error {
	dec := res.Decision

	cctx, cancel := e.callCtx(ctx)
	acct, err := e.d.Broker.GetAccount(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("account: %w", err)
	}
	if err := e.d.Risk.ObserveBalance(ctx, acct.Balance); err != nil {
		logger.ErrorWithErr(ctx, "Failed to persist starting balance", err)
	}

	price := entryPrice(sig, dec.Direction)
	v := e.d.Risk.Admit(ctx, risk.Request{
		Decision:        dec,
		SpreadPips:      sig.Indicators[types.IndSpreadPips],
		Price:           price,
		Balance:         acct.Balance,
		AccountCurrency: acct.Currency,
		HasActive:       e.d.Ledger.HasActive(dec.Instrument),
		Now:             now,
	})
	if !v.Allowed {
		metrics.AdmissionsTotal.WithLabelValues("denied", string(v.Reason)).Inc()
		res.Reason = verdictReason(v)
		logger.Risk(ctx, dec.Instrument, "admission_denied", "reason", v.Reason, "detail", v.Detail)
		return nil
	}
	metrics.AdmissionsTotal.WithLabelValues("allowed", "").Inc()

	pos, err := e.d.Ledger.Open(ctx, ledger.OpenRequest{Decision: dec, Units: v.Units, Price: price})
	if err != nil {
		e.d.Risk.Release()
		if errors.Is(err, types.ErrInvariantViolation) && pos.ID == "" {
			res.Reason = err.Error()
			return nil
		}
		res.Position = &pos
		res.Reason = "open failed: " + err.Error()
		e.recordFailure(ctx, pos, err)
		return fmt.Errorf("open %s: %w", dec.Instrument, err)
	}

	res.Admitted = true
	res.Position = &pos
	res.Reason = dec.Reason
	if err := e.d.Risk.RecordOpen(ctx, pos.OpenedAt); err != nil {
		logger.ErrorWithErr(ctx, "Failed to persist trade count", err, "position_id", pos.ID)
	}
	e.recordOpen(ctx, pos)

	// An emergency halt may have fired while the order was pending.
	if reason, ok := e.emergencyHalt(); ok {
		logger.Risk(ctx, pos.Instrument, "emergency_close", "reason", reason, "position_id", pos.ID)
		if _, err := e.closePosition(ctx, pos.Instrument, reason); err != nil {
			return fmt.Errorf("emergency close %s: %w", pos.Instrument, err)
		}
	}
	return nil
}

// entryPrice is the side of the book the order would fill at.
func entryPrice(sig types.Signal, d types.Direction) float64 {
	key := types.IndAsk
	if d == types.Short {
		key = types.IndBid
	}
	if px, ok := sig.Indicator(key); ok && px > 0 {
		return px
	}
	return sig.Indicators[types.IndClose]
}

func (e *Engine) recordOpen(ctx context.Context, pos types.Position) {
	logger.Trade(ctx, pos.Instrument, string(pos.Direction), pos.Size, pos.EntryPrice, pos.ID,
		"stop_loss", pos.StopLoss,
		"take_profit", pos.TakeProfit,
		"confidence", pos.Confidence,
	)
	metrics.PositionsTotal.WithLabelValues(pos.Instrument, string(types.StatusOpen)).Inc()
	e.appendTrade(ctx, types.TradeRecord{
		Time:       pos.OpenedAt,
		Event:      "OPEN",
		PositionID: pos.ID,
		Instrument: pos.Instrument,
		Direction:  pos.Direction,
		Units:      pos.Size,
		Price:      pos.EntryPrice,
		Confidence: pos.Confidence,
	})
	e.action("Trade opened",
		zap.String("position_id", pos.ID),
		zap.String("instrument", pos.Instrument),
		zap.String("direction", string(pos.Direction)),
		zap.Int64("units", pos.Size),
		zap.Float64("price", pos.EntryPrice),
		zap.Float64("confidence", pos.Confidence),
	)
	e.notify(types.EventTradeOpened, pos.Instrument, fmt.Sprintf("%s %d @ %.5f (SL %.5f, TP %.5f, confidence %.2f)",
		pos.Direction, pos.Size, pos.EntryPrice, pos.StopLoss, pos.TakeProfit, pos.Confidence))
}

func (e *Engine) recordFailure(ctx context.Context, pos types.Position, err error) {
	metrics.PositionsTotal.WithLabelValues(pos.Instrument, string(types.StatusFailed)).Inc()
	e.appendTrade(ctx, types.TradeRecord{
		Time:       e.now(),
		Event:      "FAIL",
		PositionID: pos.ID,
		Instrument: pos.Instrument,
		Direction:  pos.Direction,
		Units:      pos.Size,
		Confidence: pos.Confidence,
		Reason:     err.Error(),
	})
	e.journalError("Order failed", err,
		zap.String("position_id", pos.ID),
		zap.String("instrument", pos.Instrument),
	)
	e.notify(types.EventTradeFailed, pos.Instrument, fmt.Sprintf("%s order failed: %v", pos.Direction, err))
}
