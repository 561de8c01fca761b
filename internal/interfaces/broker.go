package interfaces

import (
	"context"

	"fx-trading-bot/internal/types"
)

// BrokerGateway places and closes orders against a demo account.
type BrokerGateway interface {
	OpenPosition(ctx context.Context, req types.OrderRequest) (types.PositionHandle, error)
	ClosePosition(ctx context.Context, id string) (types.CloseResult, error)
	ListPositions(ctx context.Context) ([]types.PositionHandle, error)
	GetAccount(ctx context.Context) (types.Account, error)
}
