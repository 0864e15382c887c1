package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	edgesync "github.com/soilsnap/edge/internal/sync"
	"github.com/soilsnap/edge/internal/types"
)

// ReplayStore is the subset of the local store used by a replay pass.
type ReplayStore interface {
	GetAllPending(ctx context.Context) ([]types.PendingOperation, error)
	DeletePending(ctx context.Context, id int64) error
}

// ReplayResult summarizes one pass.
type ReplayResult struct {
	PassID   string `json:"pass_id"`
	Total    int    `json:"total"`
	Sent     int    `json:"sent"`
	Rejected int    `json:"rejected"`
	// Halted is set when the pass stopped early on a network failure.
	Halted bool `json:"halted"`
	// HaltedAt is the 1-based index of the item that failed.
	HaltedAt int `json:"halted_at,omitempty"`
}

// Replay drains the pending queue once, strictly in enqueue order.
//
// Accepted items are deleted. Rejected items stay queued and the pass moves
// on. A network failure broadcasts SW_SYNC_ERROR and ends the pass without
// touching later items. SW_SYNC_DONE is broadcast only after every item was
// attempted.
func Replay(ctx context.Context, store ReplayStore, sender Sender, b edgesync.Broadcaster) (ReplayResult, error) {
	res := ReplayResult{PassID: ulid.Make().String()}
	start := time.Now()

	items, err := store.GetAllPending(ctx)
	if err != nil {
		return res, fmt.Errorf("read pending: %w", err)
	}
	res.Total = len(items)
	total := len(items)

	b.Broadcast(edgesync.Start(total))
	slog.Info("replay started",
		"component", "queue",
		"action", "replay",
		"pass_id", res.PassID,
		"total", total,
	)

	for i, item := range items {
		index := i + 1

		if err := ctx.Err(); err != nil {
			res.Halted = true
			res.HaltedAt = index
			b.Broadcast(edgesync.Failure(index, total, err))
			return res, nil
		}

		out, err := sender.Send(ctx, item.Op)
		if err != nil {
			res.Halted = true
			res.HaltedAt = index
			b.Broadcast(edgesync.Failure(index, total, err))
			slog.Warn("replay halted on network failure",
				"component", "queue",
				"action", "replay",
				"pass_id", res.PassID,
				"pending_id", item.ID,
				"index", index,
				"total", total,
				"error", err,
			)
			return res, nil
		}

		if !out.OK {
			res.Rejected++
			b.Broadcast(edgesync.Progress(index, total, item.ID, false, out.Status))
			slog.Warn("replay item rejected",
				"component", "queue",
				"action", "replay",
				"pass_id", res.PassID,
				"pending_id", item.ID,
				"status", out.Status,
			)
			continue
		}

		if err := store.DeletePending(ctx, item.ID); err != nil {
			// Accepted upstream; the item will be sent again next pass.
			slog.Error("failed to delete replayed operation",
				"component", "queue",
				"action", "replay",
				"pass_id", res.PassID,
				"pending_id", item.ID,
				"error", err,
			)
		}
		res.Sent++
		b.Broadcast(edgesync.Progress(index, total, item.ID, true, 0))
	}

	b.Broadcast(edgesync.Done())
	slog.Info("replay completed",
		"component", "queue",
		"action", "replay",
		"pass_id", res.PassID,
		"total", total,
		"sent", res.Sent,
		"rejected", res.Rejected,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}
