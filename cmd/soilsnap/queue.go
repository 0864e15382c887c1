package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/soilsnap/edge/internal/bridge"
	"github.com/soilsnap/edge/internal/types"
	"github.com/soilsnap/edge/internal/validation"
)

var (
	addMethod  string
	addURL     string
	addBody    string
	addMeta    string
	addOffline bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drive the write queue",
	Long:  "List, add and flush operations in the shared pending queue.",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations in replay order",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Send an operation, queueing it if it cannot be delivered",
	Args:  cobra.NoArgs,
	RunE:  runQueueAdd,
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Replay the queue through the edge, or locally when no edge answers",
	Args:  cobra.NoArgs,
	RunE:  runQueueFlush,
}

func init() {
	queueAddCmd.Flags().StringVar(&addMethod, "method", types.DefaultMethod, "HTTP method")
	queueAddCmd.Flags().StringVar(&addURL, "url", "", "Target URL, root-relative or absolute (required)")
	queueAddCmd.Flags().StringVar(&addBody, "body", "", "JSON body")
	queueAddCmd.Flags().StringVar(&addMeta, "meta", "", "Free-form label stored with the operation")
	queueAddCmd.Flags().BoolVar(&addOffline, "offline", false, "Queue without trying to send")
	_ = queueAddCmd.MarkFlagRequired("url")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueFlushCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ops, err := c.store.GetAllPending(cmd.Context())
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	if ops == nil {
		ops = []types.PendingOperation{}
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), types.PendingListResponse{Pending: ops, Total: len(ops)})
	}
	if len(ops) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tMETHOD\tURL\tSIZE\tQUEUED\tMETA")
	for _, op := range ops {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			op.ID,
			op.Op.EffectiveMethod(),
			op.Op.URL,
			formatSize(int64(len(op.Op.Payload()))),
			formatAge(op.CreatedAt),
			op.Op.Meta,
		)
	}
	return w.Flush()
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	op := types.Operation{
		Method: strings.ToUpper(addMethod),
		URL:    addURL,
		Meta:   addMeta,
	}
	if addBody != "" {
		op.Body = json.RawMessage(addBody)
	}
	if errs := validation.ValidateOperation(op); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Field + ": " + e.Message
		}
		return fmt.Errorf("invalid operation: %s", strings.Join(msgs, "; "))
	}

	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if addOffline {
		c.bridge.SetOnline(cmd.Context(), false)
	}
	out, err := c.bridge.SaveOrQueue(cmd.Context(), op)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), out)
	}
	if out.Synced {
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %s %s (status %d).\n", op.EffectiveMethod(), op.URL, out.Status)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %s %s as #%d.\n", op.EffectiveMethod(), op.URL, out.ID)
	}
	return nil
}

func runQueueFlush(cmd *cobra.Command, args []string) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.bridge.FlushNow(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}
	out := cmd.OutOrStdout()
	switch {
	case res.Via == bridge.FlushViaWorker:
		fmt.Fprintln(out, "Replay requested from the edge worker.")
	case res.Coalesced:
		fmt.Fprintln(out, "A local replay is already running.")
	default:
		r := res.Replay
		fmt.Fprintf(out, "Replayed locally: %d sent, %d rejected, %d total.\n", r.Sent, r.Rejected, r.Total)
		if r.Halted {
			fmt.Fprintf(out, "Stopped at item %d: origin unreachable.\n", r.HaltedAt)
		}
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
