// Package pipeline runs one conversion from source disks to finished
// targets: protect, convert, plan, copy, finalize.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/BadgerOps/v2v/internal/bus"
	"github.com/BadgerOps/v2v/internal/cleanup"
	"github.com/BadgerOps/v2v/internal/config"
	"github.com/BadgerOps/v2v/internal/copier"
	"github.com/BadgerOps/v2v/internal/estimate"
	"github.com/BadgerOps/v2v/internal/inspect"
	"github.com/BadgerOps/v2v/internal/model"
	"github.com/BadgerOps/v2v/internal/output"
	"github.com/BadgerOps/v2v/internal/overlay"
	"github.com/BadgerOps/v2v/internal/qemuimg"
	"github.com/BadgerOps/v2v/internal/store"
	"github.com/BadgerOps/v2v/internal/unpack"
)

// Options control a single conversion.
type Options struct {
	WorkDir      string
	KeepOverlays bool
	OutputFormat string
	Allocation   string
	Compressed   bool

	// Tracker receives progress. A private one is used when nil.
	Tracker *Tracker
}

// Report summarizes a finished conversion.
type Report struct {
	RunID       string
	Source      string
	Backend     string
	Firmware    model.Firmware
	Caps        model.GuestCaps
	Inspection  model.Inspection
	Targets     []model.Target
	Buses       model.TargetBuses
	BusWarnings []bus.Warning
	Warnings    []string
	StartTime   time.Time
	EndTime     time.Time
}

// Converter wires the conversion stages to one output backend.
type Converter struct {
	img       *qemuimg.Tool
	inspector inspect.Inspector
	backend   output.Backend
	store     *store.Store
	logger    *slog.Logger
}

// NewConverter creates a Converter. st may be nil, in which case nothing is
// recorded in the run ledger.
func NewConverter(
	img *qemuimg.Tool,
	inspector inspect.Inspector,
	backend output.Backend,
	st *store.Store,
	logger *slog.Logger,
) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{
		img:       img,
		inspector: inspector,
		backend:   backend,
		store:     st,
		logger:    logger,
	}
}

func validateOptions(src *model.Source, opts Options, backend output.Backend) error {
	if src == nil || len(src.Disks) == 0 {
		return fmt.Errorf("%w: source has no disks to convert", model.ErrUser)
	}
	conv := config.ConversionConfig{
		OutputFormat: opts.OutputFormat,
		Allocation:   opts.Allocation,
		Compressed:   opts.Compressed,
	}
	if err := conv.Validate(); err != nil {
		return err
	}
	if f, ok := backend.(output.FormatForcer); ok && opts.Compressed && f.ForcedFormat() != "qcow2" {
		return fmt.Errorf("%w: the %s backend writes %s disks, so compressed output is not possible",
			model.ErrUser, backend.Name(), f.ForcedFormat())
	}
	return nil
}

// Run converts src. On any failure every overlay and planned target is
// removed before the error is returned; the source disks are never written.
func (c *Converter) Run(ctx context.Context, src *model.Source, opts Options) (report *Report, err error) {
	if err := validateOptions(src, opts, c.backend); err != nil {
		return nil, err
	}

	tracker := opts.Tracker
	if tracker == nil {
		tracker = NewTracker(src.Name)
	}

	report = &Report{
		RunID:     uuid.NewString(),
		Source:    src.Name,
		Backend:   c.backend.Name(),
		StartTime: time.Now(),
	}
	logger := c.logger.With("run", report.RunID, "source", src.Name)
	logger.Info("starting conversion", "disks", len(src.Disks), "output", report.Backend, "format", opts.OutputFormat)

	run := &store.ConversionRun{
		RunID:        report.RunID,
		SourceName:   src.Name,
		Backend:      report.Backend,
		OutputFormat: opts.OutputFormat,
		PID:          os.Getpid(),
		StartTime:    report.StartTime,
		Disks:        len(src.Disks),
		Status:       store.StatusRunning,
	}
	var journal cleanup.Journal
	if c.store != nil {
		if err := c.store.CreateRun(run); err != nil {
			return nil, fmt.Errorf("failed to create conversion run: %w", err)
		}
		journal = c.store
	}
	reg := cleanup.New(report.RunID, journal, logger)

	defer func() {
		if err == nil {
			return
		}
		tracker.SetPhase(PhaseFailed)
		if cerr := reg.Run(); cerr != nil {
			logger.Error("cleanup after failed conversion was incomplete", "error", cerr)
		}
		run.Status = store.StatusFailed
		run.ErrorMessage = err.Error()
		c.finishRun(logger, run, nil)
		report = nil
	}()

	// Protect the source disks
	tracker.SetPhase(PhaseProtecting)
	disks, err := c.unpackSources(ctx, logger, reg, src.Disks, opts)
	if err != nil {
		return nil, err
	}
	overlays, err := overlay.NewManager(c.img, opts.WorkDir, opts.KeepOverlays, reg, logger).Protect(ctx, disks)
	if err != nil {
		return nil, err
	}

	// Convert the guest in place on the overlays
	tracker.SetPhase(PhaseConverting)
	res, err := c.convertGuest(ctx, logger, src, overlays)
	if err != nil {
		return nil, err
	}
	report.Caps = res.Caps
	report.Inspection = res.Inspection
	report.Warnings = res.Warnings

	if err := checkGuestFreeSpace(res.Mountpoints); err != nil {
		return nil, err
	}
	firmware, err := chooseFirmware(src, res, c.backend)
	if err != nil {
		return nil, err
	}
	report.Firmware = firmware
	run.Firmware = string(firmware)
	logger.Info("target firmware selected", "firmware", firmware)

	// Plan targets
	tracker.SetPhase(PhasePlanning)
	targets, targetHandles, err := c.prepareTargets(ctx, reg, src, overlays, opts.OutputFormat)
	if err != nil {
		return nil, err
	}

	targets = estimate.Targets(res.Mountpoints, targets)
	for _, t := range targets {
		logger.Info("estimated target size",
			"device", t.Overlay.Device,
			"virtual_size", humanize.IBytes(uint64(t.Overlay.VirtualSize)),
			"estimated", humanize.IBytes(uint64(t.EstimatedSize)),
		)
	}

	if a, ok := c.backend.(output.AllocationAware); ok {
		a.SetAllocation(opts.Allocation)
	}
	if err := c.backend.CheckTargetFreeSpace(ctx, src, targets); err != nil {
		return nil, err
	}

	buses, warnings, err := bus.Assign(src, targets, res.Caps)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logger.Warn(w.String())
	}
	report.BusWarnings = warnings

	// Copy
	devices := make([]string, len(targets))
	sizes := make([]int64, len(targets))
	for i, t := range targets {
		devices[i] = t.Overlay.Device
		sizes[i] = t.Overlay.VirtualSize
	}
	tracker.PlanDisks(devices, sizes)
	tracker.SetPhase(PhaseCopying)

	cp := copier.New(c.img, c.backend, copier.Options{Allocation: opts.Allocation, Compressed: opts.Compressed}, tracker, logger)
	copied, err := cp.Materialize(ctx, targets)
	if err != nil {
		return nil, err
	}
	buses = withTargets(buses, copied)

	// Finalize
	tracker.SetPhase(PhaseFinalizing)
	if err := c.backend.CreateMetadata(ctx, src, copied, buses, res.Caps, firmware); err != nil {
		return nil, fmt.Errorf("creating output metadata: %w", err)
	}

	// The targets are now the user's. Everything left in the registry is
	// scratch.
	for _, h := range targetHandles {
		reg.Revoke(h)
	}
	if cerr := reg.Run(); cerr != nil {
		logger.Warn("could not remove all overlays", "error", cerr)
	}

	report.Targets = copied
	report.Buses = buses
	report.EndTime = time.Now()

	run.Status = store.StatusSuccess
	c.finishRun(logger, run, copied)
	tracker.SetPhase(PhaseComplete)

	logger.Info("conversion complete",
		"duration", report.EndTime.Sub(report.StartTime).Truncate(time.Second).String(),
		"disks", len(copied),
	)
	return report, nil
}

// unpackSources returns src with every compressed local image replaced by
// an unpacked copy in the work directory. A disk whose declared format is an
// image format is left alone. The copies are scratch and go away with the
// overlays.
func (c *Converter) unpackSources(ctx context.Context, logger *slog.Logger, reg *cleanup.Registry, src []model.SourceDisk, opts Options) ([]model.SourceDisk, error) {
	disks := make([]model.SourceDisk, len(src))
	copy(disks, src)
	for i, d := range disks {
		if !copier.IsLocalFile(d.Locator) {
			continue
		}
		format, err := unpack.Detect(d.Locator)
		if err != nil {
			return nil, fmt.Errorf("%w: disk %d: %v", model.ErrUser, d.ID, err)
		}
		if format == unpack.None {
			continue
		}
		// A declared image format wins over the magic; only an undeclared
		// or matching compression is unpacked.
		if d.Format != "" && d.Format != format {
			logger.Debug("not unpacking disk with declared format", "disk", d.ID, "format", d.Format, "magic", format)
			continue
		}
		path, err := unpack.Decompress(ctx, d.Locator, format, opts.WorkDir, logger)
		if err != nil {
			return nil, fmt.Errorf("unpacking disk %d: %w", d.ID, err)
		}
		if !opts.KeepOverlays {
			reg.RegisterPath(cleanup.KindOther, path)
		}
		disks[i].Locator = path
		disks[i].Format = ""
	}
	return disks, nil
}

// convertGuest runs the conversion step and closes its session before the
// overlays are touched again.
func (c *Converter) convertGuest(ctx context.Context, logger *slog.Logger, src *model.Source, overlays []model.Overlay) (*inspect.Result, error) {
	session, err := c.inspector.Open(ctx, overlays)
	if err != nil {
		return nil, fmt.Errorf("opening guest: %w", err)
	}

	res, err := session.Convert(ctx, src, inspect.ConvertOptions{KeepSerialConsole: c.backend.KeepSerialConsole()})
	closeErr := session.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, fmt.Errorf("closing guest: %w", closeErr)
	}

	for _, w := range res.Warnings {
		logger.Warn(w)
	}
	logger.Info("guest converted",
		"root", res.Inspection.Root,
		"type", res.Inspection.Type,
		"distro", res.Inspection.Distro,
		"block_bus", res.Caps.BlockBus,
		"net_bus", res.Caps.NetBus,
	)
	return res, nil
}

// prepareTargets asks the backend where each overlay goes and registers
// every planned target for removal before anything is written to it.
func (c *Converter) prepareTargets(ctx context.Context, reg *cleanup.Registry, src *model.Source, overlays []model.Overlay, format string) ([]model.Target, []cleanup.Handle, error) {
	planned := make([]model.Target, len(overlays))
	for i, ov := range overlays {
		planned[i] = model.Target{Format: format, Overlay: ov}
	}

	targets, err := c.backend.PrepareTargets(ctx, src, planned)
	if err != nil {
		return nil, nil, err
	}
	if len(targets) != len(overlays) {
		return nil, nil, fmt.Errorf("%w: output %s planned %d targets for %d disks", model.ErrInternal, c.backend.Name(), len(targets), len(overlays))
	}

	remover, _ := c.backend.(output.TargetRemover)
	var handles []cleanup.Handle
	byLocator := make(map[string]cleanup.Handle, len(targets))
	for _, t := range targets {
		t := t
		switch {
		case remover != nil:
			h := reg.RegisterFunc(cleanup.KindTarget, t.Locator, func() error {
				return remover.RemoveTarget(t)
			})
			handles = append(handles, h)
			byLocator[t.Locator] = h
		case copier.IsLocalFile(t.Locator):
			handles = append(handles, reg.RegisterPath(cleanup.KindTarget, t.Locator))
		}
	}

	// Committed remote disks go into the journal so `v2v cleanup` can
	// delete them if this process is killed.
	if n, ok := c.backend.(output.CommitNotifier); ok {
		name := c.backend.Name()
		n.OnCommit(func(t model.Target, id string) {
			if h, ok := byLocator[t.Locator]; ok {
				reg.Journal(h, cleanup.KindRemote, output.RemoteRef(name, id))
			}
		})
	}
	return targets, handles, nil
}

func (c *Converter) finishRun(logger *slog.Logger, run *store.ConversionRun, targets []model.Target) {
	if c.store == nil {
		return
	}
	run.EndTime = time.Now()
	if err := c.store.UpdateRun(run); err != nil {
		logger.Error("failed to update conversion run", "error", err)
	}
	if len(targets) == 0 {
		return
	}
	disks := make([]store.RunDisk, len(targets))
	for i, t := range targets {
		disks[i] = store.RunDisk{
			Device:        t.Overlay.Device,
			SourceID:      t.Overlay.Source.ID,
			Locator:       t.Locator,
			Format:        t.Format,
			VirtualSize:   t.Overlay.VirtualSize,
			EstimatedSize: t.EstimatedSize,
			ActualSize:    t.ActualSize,
		}
	}
	if err := c.store.ReplaceRunDisks(run.RunID, disks); err != nil {
		logger.Error("failed to record run disks", "error", err)
	}
}

// withTargets returns buses with each disk slot pointing at the matching
// entry of targets, so metadata sees sizes measured after copying.
func withTargets(buses model.TargetBuses, targets []model.Target) model.TargetBuses {
	byDevice := make(map[string]*model.Target, len(targets))
	for i := range targets {
		byDevice[targets[i].Overlay.Device] = &targets[i]
	}
	remap := func(slots []model.BusSlot) []model.BusSlot {
		if slots == nil {
			return nil
		}
		out := make([]model.BusSlot, len(slots))
		for i, s := range slots {
			if s.Kind == model.SlotDisk {
				if t, ok := byDevice[s.Disk.Overlay.Device]; ok {
					s.Disk = t
				}
			}
			out[i] = s
		}
		return out
	}
	return model.TargetBuses{
		VirtioBlk: remap(buses.VirtioBlk),
		IDE:       remap(buses.IDE),
		SCSI:      remap(buses.SCSI),
		Floppy:    remap(buses.Floppy),
	}
}
