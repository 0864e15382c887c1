package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/soilsnap/edge/internal/cache"
)

var purgeStale bool

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and purge the response caches",
	Long: `Inspect and purge the named response caches.

The cache database is locked by a running edge; stop it before using
these commands.`,
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List named caches with entry counts and sizes",
	Args:  cobra.NoArgs,
	RunE:  runCacheList,
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge [name...]",
	Short: "Delete named caches (all caches when no name is given)",
	RunE:  runCachePurge,
}

func init() {
	cachePurgeCmd.Flags().BoolVar(&purgeStale, "stale", false,
		"Delete only caches that are not part of the current configuration")

	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cachePurgeCmd)
}

type cacheRow struct {
	cache.Stats
	Current bool `json:"current"`
}

func runCacheList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	caches, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		return err
	}
	defer caches.Close()

	stats, err := caches.Stats()
	if err != nil {
		return err
	}
	current := cfg.Cache.Names()
	rows := make([]cacheRow, len(stats))
	for i, st := range stats {
		rows[i] = cacheRow{Stats: st, Current: slices.Contains(current, st.Name)}
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No caches.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "NAME\tENTRIES\tSIZE\tCREATED\tCURRENT")
	for _, r := range rows {
		cur := "no"
		if r.Current {
			cur = "yes"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", r.Name, r.Entries, formatSize(r.Bytes), formatAge(r.Created), cur)
	}
	return w.Flush()
}

func runCachePurge(cmd *cobra.Command, args []string) error {
	if purgeStale && len(args) > 0 {
		return fmt.Errorf("--stale cannot be combined with cache names")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	caches, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		return err
	}
	defer caches.Close()

	targets := args
	if len(targets) == 0 {
		names, err := caches.Names()
		if err != nil {
			return err
		}
		current := cfg.Cache.Names()
		for _, n := range names {
			if purgeStale && slices.Contains(current, n) {
				continue
			}
			targets = append(targets, n)
		}
	}

	deleted := []string{}
	for _, name := range targets {
		ok, err := caches.Delete(name)
		if err != nil {
			return fmt.Errorf("delete %q: %w", name, err)
		}
		if ok {
			deleted = append(deleted, name)
		}
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": deleted})
	}
	if len(deleted) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to purge.")
		return nil
	}
	for _, name := range deleted {
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted cache %s\n", name)
	}
	return nil
}
