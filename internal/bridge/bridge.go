// Package bridge is the foreground side of the edge: it queues writes into
// the shared local store, asks the edge worker to replay them, listens for
// sync progress and runs the foreground seed pass.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/soilsnap/edge/internal/config"
	"github.com/soilsnap/edge/internal/gateway"
	"github.com/soilsnap/edge/internal/queue"
	"github.com/soilsnap/edge/internal/seed"
	edgesync "github.com/soilsnap/edge/internal/sync"
	"github.com/soilsnap/edge/internal/types"
)

// Store is the shared local store as seen by a foreground client.
type Store interface {
	queue.PendingStore
	queue.ReplayStore
	seed.DataStore
}

// Prober reports upstream reachability.
type Prober interface {
	Probe(ctx context.Context) bool
}

// Options configures a Bridge.
type Options struct {
	EdgeURL      string
	APIKey       string
	SyncTag      string
	Timeout      time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Seed         config.SeedConfig
}

// Flush routes.
const (
	FlushViaWorker = "worker"
	FlushViaLocal  = "local"
)

// FlushResult describes a FlushNow call.
type FlushResult struct {
	Via string `json:"via"`
	// Coalesced is set when a local pass was already running.
	Coalesced bool                `json:"coalesced,omitempty"`
	Replay    *queue.ReplayResult `json:"replay,omitempty"`
}

// Bridge is one foreground page context.
type Bridge struct {
	opts     Options
	id       string
	edge     *EdgeClient
	store    Store
	upstream queue.Sender
	bus      *Bus
	queue    *queue.Manager
	seed     *seed.Controller

	online    atomic.Bool
	connected atomic.Bool
	flushMu   sync.Mutex
}

// New creates a Bridge over the shared store. upstream delivers writes to
// the origin for immediate sends and local replay.
func New(opts Options, st Store, upstream queue.Sender) (*Bridge, error) {
	if opts.EdgeURL == "" {
		return nil, errors.New("edge URL is required")
	}
	if opts.SyncTag == "" {
		opts.SyncTag = edgesync.DefaultTag
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	b := &Bridge{
		opts:     opts,
		id:       uuid.NewString(),
		store:    st,
		upstream: upstream,
		bus:      NewBus(),
	}
	b.online.Store(true)
	b.edge = NewEdgeClient(opts.EdgeURL, opts.APIKey, b.id, opts.Timeout)
	b.queue = queue.NewManager(st, upstream, opts.SyncTag,
		queue.WithOnline(b.Online),
		queue.WithRegistrar(b.edge),
	)

	apiBase := opts.Seed.APIBase
	if apiBase == "" {
		apiBase = opts.EdgeURL
	}
	via, err := gateway.New(apiBase, opts.Timeout, "/_sw/health")
	if err != nil {
		return nil, fmt.Errorf("seed api base: %w", err)
	}
	b.seed = seed.New(opts.Seed, apiBase, seed.Bindings{
		Recommender: seed.HTTPRecommender{Client: via, URL: opts.Seed.RecommendationPath},
		Images:      seed.WarmImages{Fetcher: via},
		Data:        st,
	})
	return b, nil
}

// ID returns the page-context id.
func (b *Bridge) ID() string { return b.id }

// Bus returns the local event bus.
func (b *Bridge) Bus() *Bus { return b.bus }

// Edge returns the edge control client.
func (b *Bridge) Edge() *EdgeClient { return b.edge }

// Online reports the page's connectivity flag.
func (b *Bridge) Online() bool { return b.online.Load() }

// Connected reports whether Listen currently holds a websocket.
func (b *Bridge) Connected() bool { return b.connected.Load() }

// SetOnline updates the connectivity flag. Going from offline to online
// flushes the queue.
func (b *Bridge) SetOnline(ctx context.Context, online bool) {
	was := b.online.Swap(online)
	if online && !was {
		slog.Info("connectivity restored", "component", "bridge", "client_id", b.id)
		if _, err := b.FlushNow(ctx); err != nil {
			slog.Warn("flush after reconnect failed", "component", "bridge", "error", err)
		}
	}
}

// SaveOrQueue sends op immediately when online and queues it otherwise.
func (b *Bridge) SaveOrQueue(ctx context.Context, op types.Operation) (types.SaveOutcome, error) {
	return b.queue.SaveOrQueue(ctx, op)
}

// FlushNow asks the edge worker to replay the queue. Only when no connection
// to a worker can be made is the queue replayed here against the shared
// store; a worker that was reached but failed or timed out may still be
// replaying, so its error is returned instead.
func (b *Bridge) FlushNow(ctx context.Context) (FlushResult, error) {
	err := b.edge.PostMessage(ctx, edgesync.Message{Type: edgesync.MessageProcessQueue})
	if err == nil {
		return FlushResult{Via: FlushViaWorker}, nil
	}
	if !errors.Is(err, ErrEdgeUnreachable) {
		return FlushResult{Via: FlushViaWorker}, err
	}

	slog.Info("no worker reachable, replaying locally",
		"component", "bridge",
		"action", "flush",
		"client_id", b.id,
	)
	if !b.flushMu.TryLock() {
		return FlushResult{Via: FlushViaLocal, Coalesced: true}, nil
	}
	defer b.flushMu.Unlock()

	res, err := queue.Replay(ctx, b.store, b.upstream, b.bus)
	if err != nil {
		return FlushResult{Via: FlushViaLocal}, err
	}
	return FlushResult{Via: FlushViaLocal, Replay: &res}, nil
}

// SeedIfMissing runs the foreground seed pass. It is skipped while offline.
func (b *Bridge) SeedIfMissing(ctx context.Context) (seed.Report, error) {
	if !b.Online() {
		slog.Debug("offline, seed pass skipped", "component", "bridge")
		return seed.Report{Skipped: true}, nil
	}
	return b.seed.Run(ctx)
}

// Recommendations returns the crop recommendations for soil, online first
// with the stored copy as fallback.
func (b *Bridge) Recommendations(ctx context.Context, soil string) (recs []json.RawMessage, fromCache bool) {
	return b.seed.Lookup(ctx, soil, b.Online())
}

// WatchConnectivity probes every interval and feeds SetOnline until ctx is
// cancelled.
func (b *Bridge) WatchConnectivity(ctx context.Context, p Prober, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		b.SetOnline(ctx, p.Probe(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Listen relays edge sync events onto the Bus until ctx is cancelled,
// reconnecting with exponential backoff.
func (b *Bridge) Listen(ctx context.Context) error {
	rc := newReconnector(b.opts.ReconnectMin, b.opts.ReconnectMax)
	logger := slog.Default().With("component", "bridge", "client_id", b.id)

	for {
		err := b.listenOnce(ctx, rc)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := rc.nextDelay()
		logger.Debug("websocket disconnected, reconnecting",
			"attempt", rc.attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (b *Bridge) listenOnce(ctx context.Context, rc *reconnector) error {
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	b.edge.setHeaders(opts.HTTPHeader)

	conn, _, err := websocket.Dial(ctx, b.edge.websocketURL(), opts)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	rc.markConnected()
	b.connected.Store(true)
	defer b.connected.Store(false)

	for {
		var ev edgesync.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return err
		}
		b.bus.Publish(ev)
	}
}
