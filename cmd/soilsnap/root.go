package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/soilsnap/edge/internal/api"
	"github.com/soilsnap/edge/internal/cache"
	"github.com/soilsnap/edge/internal/config"
	"github.com/soilsnap/edge/internal/gateway"
	"github.com/soilsnap/edge/internal/hub"
	"github.com/soilsnap/edge/internal/lifecycle"
	"github.com/soilsnap/edge/internal/router"
	"github.com/soilsnap/edge/internal/seed"
	"github.com/soilsnap/edge/internal/store"
	edgesync "github.com/soilsnap/edge/internal/sync"
	"github.com/soilsnap/edge/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

// installRetry is the delay between failed install attempts.
const installRetry = 10 * time.Second

var (
	configPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:          "soilsnap",
	Short:        "SoilSnap edge - offline-first worker for the SoilSnap app",
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the edge worker (default command)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (YAML, or TOML by .toml extension); overrides SOILSNAP_CONFIG_PATH")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(watchCmd)
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(os.Stdout, cfg.Log))
	slog.Info("configuration loaded", "origin", cfg.Upstream.Origin, "level", cfg.Log.Level)

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Store.Path)

	caches, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		db.Close()
		return err
	}
	slog.Info("caches initialized", "path", cfg.Cache.Path, "names", cfg.Cache.Names())

	upstream, err := gateway.New(cfg.Upstream.Origin, cfg.Upstream.Timeout.Std(), cfg.Upstream.HealthPath)
	if err != nil {
		caches.Close()
		db.Close()
		return err
	}

	seeder, err := newWorkerSeeder(cfg, upstream, caches, db)
	if err != nil {
		caches.Close()
		db.Close()
		return err
	}

	rt := router.New(upstream, caches, router.Options{
		Origin:       upstream.Origin(),
		StaticCache:  cfg.Cache.Static,
		RuntimeCache: cfg.Cache.Runtime,
		ImagesCache:  cfg.Cache.Images,
		OfflinePage:  cfg.Shell.OfflinePage,
		IndexPage:    cfg.Shell.IndexPage,
		ManifestPath: cfg.Shell.ManifestPath,
	})

	var w *lifecycle.Worker
	h := hub.New(func(msg edgesync.Message) {
		if _, err := w.Dispatch(ctx, lifecycle.MessageEvent{Message: msg}); err != nil {
			slog.Warn("message handling failed", "type", msg.Type, "error", err)
		}
	})
	coordinator := worker.NewSyncCoordinator(db, upstream, h)
	w = lifecycle.New(lifecycle.Options{
		StaticCache:  cfg.Cache.Static,
		RuntimeCache: cfg.Cache.Runtime,
		ImagesCache:  cfg.Cache.Images,
		ShellAssets:  cfg.Shell.Assets,
		IndexPage:    cfg.Shell.IndexPage,
		Discover:     cfg.Shell.Discover,
		SyncTag:      cfg.Sync.Tag,
	}, upstream, caches, rt, coordinator, seeder)
	bg := worker.NewBackgroundSync(upstream, cfg.Sync.ProbeInterval.Std(), w.SyncHandler())

	handler := api.NewHandler(api.Deps{
		Store:   db,
		Sender:  upstream,
		Sync:    bg,
		Worker:  w,
		Prober:  upstream,
		Caches:  caches,
		Hub:     h,
		Origin:  upstream.Origin(),
		SyncTag: cfg.Sync.Tag,
		APIKey:  cfg.Server.APIKey,
		Version: Version,

		BaseContext: ctx,
	})
	slog.Info("router initialized")

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "hub", h.Run)
	startWorker(ctx, &wg, "background-sync", bg.Run)
	startWorker(ctx, &wg, "lifecycle", func(ctx context.Context) {
		if err := w.Start(ctx, installRetry); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker activation failed", "error", err)
		}
	})

	go func() {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	handler.Wait()
	wg.Wait()

	if err := caches.Close(); err != nil {
		slog.Error("cache close error", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// newWorkerSeeder builds the install-time seed controller. It returns a nil
// Seeder when seeding is disabled.
func newWorkerSeeder(cfg *config.Config, upstream *gateway.Client, caches *cache.Storage, db *store.SQLiteStore) (lifecycle.Seeder, error) {
	if !cfg.Seed.Enabled {
		return nil, nil
	}
	images, err := caches.Cache(cfg.Cache.Images)
	if err != nil {
		return nil, err
	}

	client := upstream
	base := cfg.Seed.WorkerOrigin
	if base == "" {
		base = upstream.Origin()
	} else {
		client, err = gateway.New(base, cfg.Upstream.Timeout.Std(), cfg.Upstream.HealthPath)
		if err != nil {
			return nil, fmt.Errorf("seed worker origin: %w", err)
		}
	}

	return seed.New(cfg.Seed, base, seed.Bindings{
		Recommender: seed.HTTPRecommender{Client: client, URL: cfg.Seed.RecommendationPath},
		Images:      seed.CacheImages{Fetcher: client, Cache: images},
		Data:        db,
	}), nil
}

func newLogger(out io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
