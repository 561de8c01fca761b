package engineobs

import (
	"context"
	"time"

	"fx-trading-bot/internal/interfaces"
	"fx-trading-bot/internal/logger"
	"fx-trading-bot/internal/trace"
	"fx-trading-bot/internal/types"
)

type observableEngine struct {
	engine interfaces.Engine
}

var _ interfaces.Engine = (*observableEngine)(nil)

func Wrap(eng interfaces.Engine) interfaces.Engine {
	return &observableEngine{
		engine: eng,
	}
}

func (oe *observableEngine) Step(ctx context.Context, instrument string) (*types.StepResult, error) {
	ctx, span := trace.StartInstrumentSpan(ctx, "engine.Step", instrument)
	defer span.End()

	start := time.Now()

	logger.DebugSkip(ctx, 1, "Starting opportunity check",
		"instrument", instrument,
	)

	result, err := oe.engine.Step(ctx, instrument)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Opportunity check failed", err,
			"instrument", instrument,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return result, err
	}

	logger.InfoSkip(ctx, 1, "Opportunity check completed",
		"instrument", instrument,
		"direction", result.Decision.Direction,
		"confidence", result.Decision.Confidence,
		"admitted", result.Admitted,
		"reason", result.Reason,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return result, nil
}

func (oe *observableEngine) ScanPrices(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "engine.ScanPrices")
	defer span.End()

	if err := oe.engine.ScanPrices(ctx); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Price scan failed", err)
		return err
	}
	return nil
}

func (oe *observableEngine) Reconcile(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "engine.Reconcile")
	defer span.End()

	start := time.Now()
	if err := oe.engine.Reconcile(ctx); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Reconcile failed", err)
		return err
	}
	logger.DebugSkip(ctx, 1, "Reconcile completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (oe *observableEngine) CloseAll(ctx context.Context, reason string) (int, error) {
	ctx, span := trace.StartSpan(ctx, "engine.CloseAll")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Closing all positions", "reason", reason)

	n, err := oe.engine.CloseAll(ctx, reason)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Close all incomplete", err, "reason", reason, "closed", n)
		return n, err
	}
	logger.InfoSkip(ctx, 1, "All positions closed", "reason", reason, "closed", n)
	return n, nil
}
