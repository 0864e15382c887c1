package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/soilsnap/edge/internal/bridge"
	"github.com/soilsnap/edge/internal/config"
	"github.com/soilsnap/edge/internal/gateway"
	"github.com/soilsnap/edge/internal/store"
	edgesync "github.com/soilsnap/edge/internal/sync"
)

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func formatEvent(ev edgesync.Event) string {
	switch ev.Type {
	case edgesync.EventStart:
		return fmt.Sprintf("%s total=%d", ev.Type, ev.Total)
	case edgesync.EventProgress:
		s := fmt.Sprintf("%s %d/%d id=%d ok=%t", ev.Type, ev.Index, ev.Total, ev.ID, ev.OK)
		if ev.Status != 0 {
			s += fmt.Sprintf(" status=%d", ev.Status)
		}
		return s
	case edgesync.EventError:
		return fmt.Sprintf("%s %d/%d err=%q", ev.Type, ev.Index, ev.Total, ev.Err)
	default:
		return ev.Type
	}
}

// client bundles what the foreground commands share: the shared store, the
// upstream gateway and a bridge to the edge.
type client struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	upstream *gateway.Client
	bridge   *bridge.Bridge
}

func openClient() (*client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	upstream, err := gateway.New(cfg.Upstream.Origin, cfg.Upstream.Timeout.Std(), cfg.Upstream.HealthPath)
	if err != nil {
		db.Close()
		return nil, err
	}
	b, err := bridge.New(bridge.Options{
		EdgeURL:      cfg.Bridge.WorkerURL,
		APIKey:       cfg.Server.APIKey,
		SyncTag:      cfg.Sync.Tag,
		Timeout:      cfg.Upstream.Timeout.Std(),
		ReconnectMin: cfg.Bridge.ReconnectMin.Std(),
		ReconnectMax: cfg.Bridge.ReconnectMax.Std(),
		Seed:         cfg.Seed,
	}, db, upstream)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &client{cfg: cfg, store: db, upstream: upstream, bridge: b}, nil
}

func (c *client) Close() error {
	return c.store.Close()
}
