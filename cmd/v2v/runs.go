package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	runsSource string
	runsLimit  int
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded conversion runs",
		Long: `List the conversion runs recorded in the run ledger, newest first.
Use "runs show RUN_ID" to see the disks of a single run with their estimated
and actual sizes.`,
		Example: `  v2v runs
  v2v runs --source fedora --limit 5
  v2v runs show 3f1c2a7e-5d0b-4f51-9d5e-2b1f0c8a9e11`,
		Args: cobra.NoArgs,
		RunE: runsListRun,
	}

	cmd.Flags().StringVar(&runsSource, "source", "", "only show runs of this guest")
	cmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to show (0 for all)")

	cmd.AddCommand(newRunsShowCmd())

	return cmd
}

func newRunsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show the disks of one run",
		Args:  cobra.ExactArgs(1),
		RunE:  runsShowRun,
	}
}

func runsListRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	runs, err := globalStore.ListRuns(runsSource, runsLimit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	slog.Default().Debug("listing runs", "source", runsSource, "count", len(runs))

	if len(runs) == 0 {
		fmt.Println("No conversion runs recorded.")
		return nil
	}

	fmt.Printf("%-36s %-20s %-8s %-6s %5s %-10s %s\n", "Run", "Source", "Backend", "Format", "Disks", "Status", "Started")
	fmt.Println(strings.Repeat("-", 110))
	for _, r := range runs {
		fmt.Printf("%-36s %-20s %-8s %-6s %5d %-10s %s\n",
			r.RunID,
			r.SourceName,
			r.Backend,
			r.OutputFormat,
			r.Disks,
			r.Status,
			humanize.Time(r.StartTime),
		)
	}
	fmt.Println("")

	return nil
}

func runsShowRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	run, err := globalStore.GetRun(args[0])
	if err != nil {
		return err
	}
	disks, err := globalStore.ListRunDisks(run.RunID)
	if err != nil {
		return fmt.Errorf("listing disks: %w", err)
	}

	fmt.Printf("Run:      %s\n", run.RunID)
	fmt.Printf("Source:   %s\n", run.SourceName)
	fmt.Printf("Backend:  %s\n", run.Backend)
	if run.Firmware != "" {
		fmt.Printf("Firmware: %s\n", run.Firmware)
	}
	fmt.Printf("Status:   %s\n", run.Status)
	fmt.Printf("Started:  %s\n", run.StartTime.Format("2006-01-02 15:04:05"))
	if !run.EndTime.IsZero() {
		fmt.Printf("Duration: %s\n", run.EndTime.Sub(run.StartTime).Truncate(time.Second))
	}
	if run.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", run.ErrorMessage)
	}

	if len(disks) == 0 {
		fmt.Println("")
		return nil
	}

	fmt.Println("")
	fmt.Printf("%-6s %-6s %12s %12s %12s  %s\n", "Disk", "Format", "Virtual", "Estimated", "Actual", "Target")
	fmt.Println(strings.Repeat("-", 80))
	for _, d := range disks {
		actual := "-"
		if d.ActualSize > 0 {
			actual = humanize.IBytes(uint64(d.ActualSize))
		}
		fmt.Printf("%-6s %-6s %12s %12s %12s  %s\n",
			d.Device,
			d.Format,
			humanize.IBytes(uint64(d.VirtualSize)),
			humanize.IBytes(uint64(d.EstimatedSize)),
			actual,
			d.Locator,
		)
	}
	fmt.Println("")

	return nil
}
