package interfaces

import (
	"context"

	"fx-trading-bot/internal/types"
)

type MarketSignalProvider interface {
	GetSignal(ctx context.Context, instrument string) (types.Signal, error)
	Quote(ctx context.Context, instrument string) (types.Quote, error)
}

// SentimentProvider failures are optional: callers fall back to a neutral reading.
type SentimentProvider interface {
	GetSentiment(ctx context.Context, instrument string) (types.Sentiment, error)
}
