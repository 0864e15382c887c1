package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var watchProbe time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow sync events broadcast by the edge",
	Long: `Connect to the edge event stream and print sync events as they arrive.
Connectivity to the origin is probed in the background; regaining it
triggers a queue flush.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchProbe, "probe", 0,
		"Connectivity probe interval (default: sync.probe_interval)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(commandContext(cmd), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	interval := watchProbe
	if interval <= 0 {
		interval = c.cfg.Sync.ProbeInterval.Std()
	}

	events, unsubscribe := c.bridge.Bus().Subscribe(64)
	defer unsubscribe()

	go c.bridge.WatchConnectivity(ctx, c.upstream, interval)
	listenErr := make(chan error, 1)
	go func() { listenErr <- c.bridge.Listen(ctx) }()

	out := cmd.OutOrStdout()
	if !jsonOutput {
		fmt.Fprintf(out, "Watching %s (client %s)\n", c.bridge.Edge().BaseURL(), c.bridge.ID())
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if jsonOutput {
				if err := printJSON(out, ev); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintf(out, "%s  %s\n", time.Now().Format(time.TimeOnly), formatEvent(ev))
		case err := <-listenErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}
	}
}
