package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/v2v/internal/config"
	"github.com/BadgerOps/v2v/internal/inspect"
	"github.com/BadgerOps/v2v/internal/model"
	"github.com/BadgerOps/v2v/internal/output"
	"github.com/BadgerOps/v2v/internal/output/local"
	"github.com/BadgerOps/v2v/internal/output/upload"
	"github.com/BadgerOps/v2v/internal/pipeline"
	"github.com/BadgerOps/v2v/internal/source"
)

var (
	convertOutputDir    string
	convertBackend      string
	convertFormat       string
	convertAllocation   string
	convertCompressed   bool
	convertKeepOverlays bool
	convertWorkDir      string
	convertDisks        []string
	convertName         string
)

func newConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert [SOURCE.yaml]",
		Short: "Convert a guest and write its disks to an output",
		Long: `Convert a guest described by a source descriptor, or a set of bare disk
images given with --disk, and write the converted disks to the selected
output backend.

The convert command will:
  1. Create a temporary overlay over every source disk
  2. Run the inspector to adapt the guest on the overlays
  3. Plan the targets and check for free space on the output
  4. Assign the disks and removable media to target buses
  5. Copy each overlay to its target, one disk at a time
  6. Write the output metadata and remove the overlays

If anything fails, every overlay and partially written target is removed.
The source disks are never modified.`,
		Example: `  v2v convert guest.yaml -o /var/lib/images
  v2v convert --disk fedora.qcow2 --disk data.img --name fedora -o /srv/out
  v2v convert guest.yaml --format qcow2 --compressed
  v2v convert guest.yaml --backend null`,
		Args: cobra.MaximumNArgs(1),
		RunE: convertRun,
	}

	cmd.Flags().StringVarP(&convertOutputDir, "output-dir", "o", "", "output directory (local backend) or metadata directory (upload backend)")
	cmd.Flags().StringVarP(&convertBackend, "backend", "b", "", "output backend (local, null, upload)")
	cmd.Flags().StringVarP(&convertFormat, "format", "f", "", "output disk format (raw or qcow2)")
	cmd.Flags().StringVar(&convertAllocation, "allocation", "", "output allocation (sparse or preallocated)")
	cmd.Flags().BoolVar(&convertCompressed, "compressed", false, "compress qcow2 output")
	cmd.Flags().BoolVar(&convertKeepOverlays, "keep-overlays", false, "keep overlay files after the run for debugging")
	cmd.Flags().StringVar(&convertWorkDir, "work-dir", "", "directory for overlays and other scratch files")
	cmd.Flags().StringArrayVar(&convertDisks, "disk", nil, "convert a bare disk image instead of a descriptor (repeatable)")
	cmd.Flags().StringVar(&convertName, "name", "", "guest name for --disk input (default: first image name)")

	return cmd
}

// applyConvertFlags overrides config values with the flags the user set.
func applyConvertFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Output.Backend = convertBackend
	}
	if flags.Changed("format") {
		cfg.Conversion.OutputFormat = convertFormat
	}
	if flags.Changed("allocation") {
		cfg.Conversion.Allocation = convertAllocation
	}
	if flags.Changed("compressed") {
		cfg.Conversion.Compressed = convertCompressed
	}
	if flags.Changed("keep-overlays") {
		cfg.Work.KeepOverlays = convertKeepOverlays
	}
	if flags.Changed("work-dir") {
		cfg.Work.WorkDir = convertWorkDir
	}
}

// loadSource reads the guest from a descriptor or from --disk images.
func loadSource(args []string) (*model.Source, error) {
	switch {
	case len(args) == 1 && len(convertDisks) > 0:
		return nil, fmt.Errorf("%w: give either a source descriptor or --disk, not both", model.ErrUser)
	case len(args) == 1:
		return source.Load(args[0])
	case len(convertDisks) > 0:
		return source.FromDisks(convertName, convertDisks)
	}
	return nil, fmt.Errorf("%w: no source given; pass a descriptor or --disk", model.ErrUser)
}

// selectBackend looks up the configured backend and applies -o to it.
func selectBackend(reg *output.Registry, cfg *config.Config) (output.Backend, error) {
	b, ok := reg.Get(cfg.Output.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: unknown output backend %q (available: %s)",
			model.ErrUser, cfg.Output.Backend, strings.Join(reg.Names(), ", "))
	}
	if convertOutputDir != "" {
		switch ob := b.(type) {
		case *local.Backend:
			ob.SetOutputDir(convertOutputDir)
		case *upload.Backend:
			ob.SetMetadataDir(convertOutputDir)
		default:
			slog.Warn("output directory ignored by backend", "backend", b.Name())
		}
	}
	return b, nil
}

func convertRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalBackends == nil {
		return fmt.Errorf("backends not initialized")
	}

	applyConvertFlags(cmd, globalCfg)
	if err := globalCfg.Validate(); err != nil {
		return err
	}

	src, err := loadSource(args)
	if err != nil {
		return err
	}

	backend, err := selectBackend(globalBackends, globalCfg)
	if err != nil {
		return err
	}

	inspector := inspect.NewCommand(globalCfg.Inspector.Command, globalCfg.Inspector.Args, logger)
	conv := pipeline.NewConverter(globalImg, inspector, backend, globalStore, logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	tracker := pipeline.NewTracker(src.Name)
	if !quiet {
		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		go watchProgress(watchCtx, tracker, cmd.ErrOrStderr())
	}

	report, err := conv.Run(ctx, src, pipeline.Options{
		WorkDir:      globalCfg.Work.WorkDir,
		KeepOverlays: globalCfg.Work.KeepOverlays,
		OutputFormat: globalCfg.Conversion.OutputFormat,
		Allocation:   globalCfg.Conversion.Allocation,
		Compressed:   globalCfg.Conversion.Compressed,
		Tracker:      tracker,
	})
	if err != nil {
		return err
	}

	if !quiet {
		printReport(cmd.OutOrStdout(), report)
	}
	return nil
}

// watchProgress prints a line whenever the phase or the number of copied
// disks changes.
func watchProgress(ctx context.Context, tracker *pipeline.Tracker, w io.Writer) {
	var lastPhase pipeline.Phase
	lastDone := -1
	for {
		ch := tracker.Wait()
		snap := tracker.Snapshot()
		if snap.Phase != lastPhase || snap.CompletedDisks != lastDone {
			if snap.Phase == pipeline.PhaseCopying {
				fmt.Fprintf(w, "[%s] %d/%d disks (%.0f%%)\n", snap.Phase, snap.CompletedDisks, snap.TotalDisks, snap.Percent)
			} else {
				fmt.Fprintf(w, "[%s]\n", snap.Phase)
			}
			lastPhase, lastDone = snap.Phase, snap.CompletedDisks
		}
		if snap.Phase == pipeline.PhaseComplete || snap.Phase == pipeline.PhaseFailed {
			return
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return
		}
	}
}

func printReport(w io.Writer, report *pipeline.Report) {
	fmt.Fprintf(w, "\n%s converted (run %s)\n", report.Source, report.RunID)
	fmt.Fprintf(w, "  Firmware:  %s\n", report.Firmware)
	fmt.Fprintf(w, "  Block bus: %s\n", report.Caps.BlockBus)
	if report.Inspection.ProductName != "" {
		fmt.Fprintf(w, "  Guest:     %s\n", report.Inspection.ProductName)
	}
	fmt.Fprintf(w, "\n%-6s %-10s %12s %12s  %s\n", "Disk", "Format", "Estimated", "Actual", "Target")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	for _, t := range report.Targets {
		actual := "-"
		if t.ActualSize > 0 {
			actual = humanize.IBytes(uint64(t.ActualSize))
		}
		fmt.Fprintf(w, "%-6s %-10s %12s %12s  %s\n",
			t.Overlay.Device, t.Format, humanize.IBytes(uint64(t.EstimatedSize)), actual, t.Locator)
	}
	for _, warn := range report.BusWarnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	fmt.Fprintln(w)
}
