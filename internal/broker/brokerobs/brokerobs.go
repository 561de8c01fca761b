package brokerobs

import (
	"context"

	"fx-trading-bot/internal/broker"
	"fx-trading-bot/internal/logger"
	"fx-trading-bot/internal/trace"
	"fx-trading-bot/internal/types"
)

// observableBroker wraps a Broker with observability (logging & tracing)
type observableBroker struct {
	broker broker.Broker
}

// Compile-time interface check
var _ broker.Broker = (*observableBroker)(nil)

// Wrap wraps a broker with observability middleware
func Wrap(b broker.Broker) broker.Broker {
	return &observableBroker{broker: b}
}

func (ob *observableBroker) Quote(ctx context.Context, instrument string) (types.Quote, error) {
	ctx, span := trace.StartInstrumentSpan(ctx, "broker.Quote", instrument)
	defer span.End()

	q, err := ob.broker.Quote(ctx, instrument)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch quote", err, "instrument", instrument)
		return types.Quote{}, err
	}
	logger.DebugSkip(ctx, 1, "Quote fetched", "instrument", instrument, "bid", q.Bid, "ask", q.Ask)
	return q, nil
}

// Candles fetches candles with observability
func (ob *observableBroker) Candles(ctx context.Context, instrument, granularity string, count int) ([]types.Candle, error) {
	ctx, span := trace.StartInstrumentSpan(ctx, "broker.Candles", instrument)
	defer span.End()

	logger.DebugSkip(ctx, 1, "Fetching candles", "instrument", instrument, "granularity", granularity, "count", count)

	candles, err := ob.broker.Candles(ctx, instrument, granularity, count)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch candles", err, "instrument", instrument)
		return nil, err
	}
	return candles, nil
}

// OpenPosition places a market order with observability
func (ob *observableBroker) OpenPosition(ctx context.Context, req types.OrderRequest) (types.PositionHandle, error) {
	ctx, span := trace.StartInstrumentSpan(ctx, "broker.OpenPosition", req.Instrument)
	defer span.End()

	logger.InfoSkip(ctx, 1, "Placing order",
		"instrument", req.Instrument,
		"direction", req.Direction,
		"units", req.Units,
		"stop_loss", req.StopLoss,
		"take_profit", req.TakeProfit,
	)

	h, err := ob.broker.OpenPosition(ctx, req)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to place order", err,
			"instrument", req.Instrument,
			"direction", req.Direction,
			"units", req.Units,
		)
		return types.PositionHandle{}, err
	}

	logger.InfoSkip(ctx, 1, "Order filled",
		"instrument", req.Instrument,
		"broker_id", h.ID,
		"price", h.Price,
	)
	return h, nil
}

func (ob *observableBroker) ClosePosition(ctx context.Context, id string) (types.CloseResult, error) {
	ctx, span := trace.StartSpan(ctx, "broker.ClosePosition")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Closing position", "broker_id", id)

	res, err := ob.broker.ClosePosition(ctx, id)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to close position", err, "broker_id", id)
		return types.CloseResult{}, err
	}

	logger.InfoSkip(ctx, 1, "Position closed", "broker_id", id, "price", res.Price, "pnl", res.RealizedPnL)
	return res, nil
}

func (ob *observableBroker) ListPositions(ctx context.Context) ([]types.PositionHandle, error) {
	ctx, span := trace.StartSpan(ctx, "broker.ListPositions")
	defer span.End()

	held, err := ob.broker.ListPositions(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to list positions", err)
		return nil, err
	}
	logger.DebugSkip(ctx, 1, "Positions listed", "count", len(held))
	return held, nil
}

func (ob *observableBroker) GetAccount(ctx context.Context) (types.Account, error) {
	ctx, span := trace.StartSpan(ctx, "broker.GetAccount")
	defer span.End()

	acct, err := ob.broker.GetAccount(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch account", err)
		return types.Account{}, err
	}
	logger.DebugSkip(ctx, 1, "Account fetched", "balance", acct.Balance, "nav", acct.NAV)
	return acct, nil
}
