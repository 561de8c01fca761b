package interfaces

import (
	"context"

	"fx-trading-bot/internal/types"
)

type StateStore interface {
	Load(ctx context.Context) (types.Snapshot, error)
	Save(ctx context.Context, snap types.Snapshot) error
}

// NotificationSink must never block the caller.
type NotificationSink interface {
	Notify(ev types.Event)
}
