package engine

import (
	"context"

	"go.uber.org/zap"

	"fx-trading-bot/internal/logger"
	"fx-trading-bot/internal/tradelog"
	"fx-trading-bot/internal/types"
)

func (e *Engine) notify(kind types.EventKind, instrument, msg string) {
	if e.d.Notify == nil {
		return
	}
	e.d.Notify.Notify(types.Event{Kind: kind, Instrument: instrument, Message: msg, Time: e.now()})
}

func (e *Engine) action(msg string, fields ...zap.Field) {
	if e.d.Journal != nil {
		e.d.Journal.Action(msg, fields...)
	}
}

func (e *Engine) journalError(msg string, err error, fields ...zap.Field) {
	if e.d.Journal != nil {
		e.d.Journal.Error(msg, err, fields...)
	}
}

func (e *Engine) appendTrade(ctx context.Context, rec types.TradeRecord) {
	if rec.Time.IsZero() {
		rec.Time = e.now()
	}
	if err := tradelog.Append(rec); err != nil {
		logger.ErrorWithErr(ctx, "Failed to append trade log", err, "position_id", rec.PositionID)
	}
}
