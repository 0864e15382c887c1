package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/soilsnap/edge/internal/queue"
	edgesync "github.com/soilsnap/edge/internal/sync"
)

// Trigger names the source of a replay request.
type Trigger string

const (
	TriggerBackgroundSync Trigger = "background-sync"
	TriggerMessage        Trigger = "message"
	TriggerConnectivity   Trigger = "connectivity"
	TriggerManual         Trigger = "manual"
)

// SyncOutcome reports what a call to Process did.
type SyncOutcome struct {
	// Coalesced is set when a pass was already running; the trigger was
	// folded into one extra pass after it.
	Coalesced bool               `json:"coalesced"`
	Passes    int                `json:"passes"`
	Last      queue.ReplayResult `json:"last"`
}

// SyncCoordinator serializes replay passes. At most one pass runs at a
// time; triggers that arrive mid-pass collapse into a single follow-up pass.
type SyncCoordinator struct {
	store       queue.ReplayStore
	sender      queue.Sender
	broadcaster edgesync.Broadcaster

	mu      sync.Mutex
	running bool
	again   bool
}

// NewSyncCoordinator creates a coordinator.
func NewSyncCoordinator(store queue.ReplayStore, sender queue.Sender, b edgesync.Broadcaster) *SyncCoordinator {
	if b == nil {
		b = edgesync.Discard
	}
	return &SyncCoordinator{
		store:       store,
		sender:      sender,
		broadcaster: b,
	}
}

// Running reports whether a pass is in progress.
func (c *SyncCoordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Process runs a replay pass, or marks one to follow the pass in progress.
// A follow-up pass is skipped when the previous pass halted on a network
// failure.
func (c *SyncCoordinator) Process(ctx context.Context, trigger Trigger) (SyncOutcome, error) {
	c.mu.Lock()
	if c.running {
		c.again = true
		c.mu.Unlock()
		slog.Debug("replay coalesced",
			"component", "worker",
			"worker", "sync-coordinator",
			"trigger", string(trigger),
		)
		return SyncOutcome{Coalesced: true}, nil
	}
	c.running = true
	c.mu.Unlock()

	slog.Info("replay triggered",
		"component", "worker",
		"worker", "sync-coordinator",
		"trigger", string(trigger),
	)

	var out SyncOutcome
	for {
		start := time.Now()
		res, err := queue.Replay(ctx, c.store, c.sender, c.broadcaster)
		out.Passes++
		out.Last = res

		c.mu.Lock()
		rerun := c.again && err == nil && !res.Halted && ctx.Err() == nil
		c.again = false
		if !rerun {
			c.running = false
		}
		c.mu.Unlock()

		if err != nil {
			slog.Error("replay failed",
				"component", "worker",
				"worker", "sync-coordinator",
				"pass_id", res.PassID,
				"error", err,
			)
			return out, err
		}

		slog.Debug("replay pass finished",
			"component", "worker",
			"worker", "sync-coordinator",
			"pass_id", res.PassID,
			"halted", res.Halted,
			"rerun", rerun,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		if !rerun {
			return out, nil
		}
	}
}
