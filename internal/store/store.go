package store

import (
	"context"

	"github.com/soilsnap/edge/internal/types"
)

// Store defines the durable local store contract: a FIFO queue of pending
// operations and a string-keyed table of cached records. Every call is atomic
// on its own; no transaction spans calls.
type Store interface {
	AddPending(ctx context.Context, op types.Operation) (int64, error)
	GetAllPending(ctx context.Context) ([]types.PendingOperation, error)
	DeletePending(ctx context.Context, id int64) error
	CountPending(ctx context.Context) (int, error)
	PutData(ctx context.Context, rec types.Record) error
	GetData(ctx context.Context, id string) (*types.Record, error)
	Close() error
}
