package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Store crop recommendations for every configured soil type",
	Long: `Fetch crop recommendations for each configured soil type that has no
stored record yet, and warm the image cache with the images they reference.
The pass is skipped when the origin is unreachable.`,
	Args: cobra.NoArgs,
	RunE: runSeed,
}

func runSeed(cmd *cobra.Command, args []string) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := commandContext(cmd)
	c.bridge.SetOnline(ctx, c.upstream.Probe(ctx))

	report, err := c.bridge.SeedIfMissing(ctx)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), report)
	}
	out := cmd.OutOrStdout()
	if report.Skipped {
		fmt.Fprintln(out, "Origin unreachable, seed skipped.")
		return nil
	}
	if len(report.Seeded) == 0 {
		fmt.Fprintln(out, "All soil types already seeded.")
	} else {
		fmt.Fprintf(out, "Seeded: %s\n", strings.Join(report.Seeded, ", "))
	}
	if len(report.Failed) > 0 {
		fmt.Fprintf(out, "Failed: %s\n", strings.Join(report.Failed, ", "))
	}
	fmt.Fprintf(out, "Images cached: %d (%d failed)\n", report.Images, report.ImageFailures)
	return nil
}
