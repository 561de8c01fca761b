package interfaces

import (
	"context"

	"fx-trading-bot/internal/types"
)

type Engine interface {
	Step(ctx context.Context, instrument string) (*types.StepResult, error)
	ScanPrices(ctx context.Context) error
	Reconcile(ctx context.Context) error
	CloseAll(ctx context.Context, reason string) (int, error)
}
