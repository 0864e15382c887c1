package worker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Prober reports whether the upstream origin is reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// SyncHandler runs the sync event for tag. It returns true when the tag
// can be dropped, false to retry on the next connectivity check.
type SyncHandler func(ctx context.Context, tag string) bool

// BackgroundSync keeps named sync registrations and fires them once the
// upstream is reachable. A registration stays until its handler reports
// completion.
type BackgroundSync struct {
	prober   Prober
	interval time.Duration
	handler  SyncHandler

	mu   sync.Mutex
	tags map[string]time.Time
	wake chan struct{}
}

// NewBackgroundSync creates a registry that probes every interval.
func NewBackgroundSync(prober Prober, interval time.Duration, handler SyncHandler) *BackgroundSync {
	return &BackgroundSync{
		prober:   prober,
		interval: interval,
		handler:  handler,
		tags:     make(map[string]time.Time),
		wake:     make(chan struct{}, 1),
	}
}

// Register records tag and wakes the loop. Re-registering refreshes the
// registration, so a tag registered while its handler runs is kept.
func (b *BackgroundSync) Register(ctx context.Context, tag string) error {
	b.mu.Lock()
	b.tags[tag] = time.Now()
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// Tags lists the outstanding registrations.
func (b *BackgroundSync) Tags() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.tags))
	for t := range b.tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Run fires registrations whenever the upstream is reachable. It checks on
// every interval tick and immediately after each Register. Blocks until ctx
// is cancelled.
func (b *BackgroundSync) Run(ctx context.Context) {
	slog.Info("background sync started",
		"component", "worker",
		"worker", "background-sync",
		"interval", b.interval.String(),
	)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("background sync stopped",
				"component", "worker",
				"worker", "background-sync",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			b.fire(ctx)
		case <-b.wake:
			b.fire(ctx)
		}
	}
}

// Fire runs one check immediately.
func (b *BackgroundSync) Fire(ctx context.Context) {
	b.fire(ctx)
}

func (b *BackgroundSync) fire(ctx context.Context) {
	tags := b.Tags()
	if len(tags) == 0 {
		return
	}
	if !b.prober.Probe(ctx) {
		slog.Debug("upstream unreachable, sync deferred",
			"component", "worker",
			"worker", "background-sync",
			"tags", len(tags),
		)
		return
	}

	for _, tag := range tags {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		if b.handler(ctx, tag) {
			b.mu.Lock()
			if registered, ok := b.tags[tag]; ok && !registered.After(started) {
				delete(b.tags, tag)
			}
			b.mu.Unlock()
		}
	}
}
