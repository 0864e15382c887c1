// Package lifecycle drives the installable worker: app-shell install, cache
// generation cleanup on activate, and dispatch of fetch, message and sync
// events.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/soilsnap/edge/internal/cache"
	"github.com/soilsnap/edge/internal/router"
	"github.com/soilsnap/edge/internal/seed"
	edgesync "github.com/soilsnap/edge/internal/sync"
	"github.com/soilsnap/edge/internal/worker"
)

var (
	// ErrInstallFailed is returned when the app shell could not be stored.
	ErrInstallFailed = errors.New("install failed")
	// ErrNotInstalled is returned by Activate before a successful install.
	ErrNotInstalled = errors.New("worker not installed")
)

// State is the worker's coarse state.
type State string

const (
	StateInstalling State = "installing"
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateSyncing    State = "syncing"
)

// Event is one of InstallEvent, ActivateEvent, FetchEvent, MessageEvent or
// SyncEvent.
type Event interface {
	eventName() string
}

type (
	InstallEvent  struct{}
	ActivateEvent struct{}
	FetchEvent    struct{ Request *http.Request }
	MessageEvent  struct{ Message edgesync.Message }
	SyncEvent     struct{ Tag string }
)

func (InstallEvent) eventName() string  { return "install" }
func (ActivateEvent) eventName() string { return "activate" }
func (FetchEvent) eventName() string    { return "fetch" }
func (MessageEvent) eventName() string  { return "message" }
func (SyncEvent) eventName() string     { return "sync" }

// InstallReport describes a completed install.
type InstallReport struct {
	Shell      int          `json:"shell"`
	Discovered int          `json:"discovered"`
	Seed       *seed.Report `json:"seed,omitempty"`
}

// Effect describes what handling an event did. Exactly one of the payload
// fields is set, unless Ignored.
type Effect struct {
	Event    string              `json:"event"`
	Ignored  bool                `json:"ignored,omitempty"`
	Install  *InstallReport      `json:"install,omitempty"`
	Deleted  []string            `json:"deleted,omitempty"`
	Response *router.Response    `json:"-"`
	Sync     *worker.SyncOutcome `json:"sync,omitempty"`
}

// ShellFetcher fetches app-shell assets from the origin.
type ShellFetcher interface {
	FetchURL(ctx context.Context, ref string) (cache.Entry, error)
	Origin() string
}

// Interceptor answers intercepted requests.
type Interceptor interface {
	Handle(ctx context.Context, r *http.Request) *router.Response
	PassThrough(ctx context.Context, r *http.Request) *router.Response
}

// Replayer runs replay passes.
type Replayer interface {
	Process(ctx context.Context, trigger worker.Trigger) (worker.SyncOutcome, error)
}

// Seeder runs the install-time seed pass.
type Seeder interface {
	Run(ctx context.Context) (seed.Report, error)
}

// Options configures a Worker.
type Options struct {
	StaticCache  string
	RuntimeCache string
	ImagesCache  string

	ShellAssets []string
	IndexPage   string
	Discover    bool

	SyncTag string
}

// Worker is the edge's installable worker.
type Worker struct {
	opts     Options
	shell    ShellFetcher
	caches   *cache.Storage
	router   Interceptor
	replayer Replayer
	seeder   Seeder

	mu        sync.Mutex
	installed bool
	activated bool
	fetching  int
	syncing   int
}

// New creates a Worker. seeder may be nil.
func New(opts Options, shell ShellFetcher, caches *cache.Storage, rt Interceptor, replayer Replayer, seeder Seeder) *Worker {
	if opts.IndexPage == "" {
		opts.IndexPage = "/index.html"
	}
	if opts.SyncTag == "" {
		opts.SyncTag = edgesync.DefaultTag
	}
	return &Worker{
		opts:     opts,
		shell:    shell,
		caches:   caches,
		router:   rt,
		replayer: replayer,
		seeder:   seeder,
	}
}

// State reports the current state. In-flight syncs take precedence over
// in-flight fetches.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case !w.activated:
		return StateInstalling
	case w.syncing > 0:
		return StateSyncing
	case w.fetching > 0:
		return StateFetching
	default:
		return StateIdle
	}
}

// Activated reports whether the worker controls fetches.
func (w *Worker) Activated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activated
}

// Dispatch routes ev to its handler.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Effect, error) {
	switch e := ev.(type) {
	case InstallEvent:
		return w.install(ctx)
	case ActivateEvent:
		return w.activate()
	case FetchEvent:
		return w.fetch(ctx, e.Request), nil
	case MessageEvent:
		return w.message(ctx, e.Message)
	case SyncEvent:
		return w.sync(ctx, e.Tag)
	default:
		return Effect{}, fmt.Errorf("unknown event %T", ev)
	}
}

// ServeHTTP dispatches a fetch event for r.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.fetch(r.Context(), r).Response.Render(rw)
}

// SyncHandler adapts sync dispatch to the background-sync registry. A tag is
// complete when its pass ran to the end.
func (w *Worker) SyncHandler() worker.SyncHandler {
	return func(ctx context.Context, tag string) bool {
		eff, err := w.Dispatch(ctx, SyncEvent{Tag: tag})
		if err != nil {
			return false
		}
		if eff.Ignored {
			return true
		}
		return !eff.Sync.Coalesced && !eff.Sync.Last.Halted
	}
}

// Start installs and then activates the worker. A failed install is retried
// every retry interval until it succeeds or ctx is cancelled; fetches are
// passed through in the meantime.
func (w *Worker) Start(ctx context.Context, retry time.Duration) error {
	for {
		_, err := w.Dispatch(ctx, InstallEvent{})
		if err == nil {
			break
		}
		slog.Warn("install failed, will retry",
			"component", "lifecycle",
			"action", "install",
			"retry_in", retry.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
	_, err := w.Dispatch(ctx, ActivateEvent{})
	return err
}

func (w *Worker) install(ctx context.Context) (Effect, error) {
	start := time.Now()
	logger := slog.Default().With("component", "lifecycle", "action", "install")

	items := make([]cache.Item, 0, len(w.opts.ShellAssets))
	var index []byte
	for _, asset := range w.opts.ShellAssets {
		ent, err := w.shell.FetchURL(ctx, asset)
		if err != nil {
			return Effect{}, fmt.Errorf("%w: %s: %w", ErrInstallFailed, asset, err)
		}
		if !ent.OK() {
			return Effect{}, fmt.Errorf("%w: %s: status %d", ErrInstallFailed, asset, ent.Status)
		}
		if asset == w.opts.IndexPage {
			index = ent.Body
		}
		items = append(items, cache.Item{Key: w.key(asset), Entry: ent})
	}

	rep := &InstallReport{Shell: len(items)}
	if w.opts.Discover && index != nil {
		have := make(map[string]bool, len(items))
		for _, it := range items {
			have[it.Key] = true
		}
		for _, uri := range DiscoverAssets(index, w.key(w.opts.IndexPage)) {
			key := w.key(uri)
			if have[key] {
				continue
			}
			ent, err := w.shell.FetchURL(ctx, uri)
			if err != nil || !ent.OK() {
				logger.Debug("discovered asset skipped", "uri", uri, "error", err)
				continue
			}
			have[key] = true
			items = append(items, cache.Item{Key: key, Entry: ent})
			rep.Discovered++
		}
	}

	c, err := w.caches.Cache(w.opts.StaticCache)
	if err != nil {
		return Effect{}, fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	if err := c.PutAll(items); err != nil {
		return Effect{}, fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	if w.seeder != nil {
		sr, err := w.seeder.Run(ctx)
		if err != nil {
			logger.Warn("seed pass failed", "error", err)
		} else {
			rep.Seed = &sr
		}
	}

	w.mu.Lock()
	w.installed = true
	w.mu.Unlock()

	logger.Info("install completed",
		"cache", w.opts.StaticCache,
		"shell", rep.Shell,
		"discovered", rep.Discovered,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Effect{Event: "install", Install: rep}, nil
}

func (w *Worker) activate() (Effect, error) {
	w.mu.Lock()
	installed := w.installed
	w.mu.Unlock()
	if !installed {
		return Effect{}, ErrNotInstalled
	}

	current := map[string]bool{
		w.opts.StaticCache:  true,
		w.opts.RuntimeCache: true,
		w.opts.ImagesCache:  true,
	}
	names, err := w.caches.Names()
	if err != nil {
		return Effect{}, fmt.Errorf("activate: %w", err)
	}

	var deleted []string
	for _, name := range names {
		if current[name] {
			continue
		}
		if _, err := w.caches.Delete(name); err != nil {
			return Effect{}, fmt.Errorf("activate: delete %q: %w", name, err)
		}
		deleted = append(deleted, name)
	}

	w.mu.Lock()
	w.activated = true
	w.mu.Unlock()

	slog.Info("worker activated",
		"component", "lifecycle",
		"action", "activate",
		"deleted", deleted,
	)
	return Effect{Event: "activate", Deleted: deleted}, nil
}

func (w *Worker) fetch(ctx context.Context, r *http.Request) Effect {
	w.mu.Lock()
	active := w.activated
	if active {
		w.fetching++
	}
	w.mu.Unlock()

	if !active {
		return Effect{Event: "fetch", Response: w.router.PassThrough(ctx, r)}
	}
	defer func() {
		w.mu.Lock()
		w.fetching--
		w.mu.Unlock()
	}()
	return Effect{Event: "fetch", Response: w.router.Handle(ctx, r)}
}

func (w *Worker) message(ctx context.Context, msg edgesync.Message) (Effect, error) {
	if msg.Type != edgesync.MessageProcessQueue {
		return Effect{Event: "message", Ignored: true}, nil
	}
	return w.replay(ctx, "message", worker.TriggerMessage)
}

func (w *Worker) sync(ctx context.Context, tag string) (Effect, error) {
	if tag != w.opts.SyncTag {
		return Effect{Event: "sync", Ignored: true}, nil
	}
	return w.replay(ctx, "sync", worker.TriggerBackgroundSync)
}

func (w *Worker) replay(ctx context.Context, event string, trigger worker.Trigger) (Effect, error) {
	w.mu.Lock()
	w.syncing++
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.syncing--
		w.mu.Unlock()
	}()

	out, err := w.replayer.Process(ctx, trigger)
	if err != nil {
		return Effect{}, err
	}
	return Effect{Event: event, Sync: &out}, nil
}

func (w *Worker) key(ref string) string {
	if len(ref) > 0 && ref[0] != '/' {
		return ref
	}
	return w.shell.Origin() + ref
}
