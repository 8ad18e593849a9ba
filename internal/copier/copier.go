// Package copier materializes each overlay into its target, one disk at a
// time.
package copier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/v2v/internal/config"
	"github.com/BadgerOps/v2v/internal/fsstat"
	"github.com/BadgerOps/v2v/internal/model"
	"github.com/BadgerOps/v2v/internal/output"
	"github.com/BadgerOps/v2v/internal/overlay"
	"github.com/BadgerOps/v2v/internal/qemuimg"
)

// Options are the conversion settings that affect how disks are written.
type Options struct {
	Allocation string
	Compressed bool
}

// Progress receives per-disk notifications. Implementations must be safe to
// call from the copying goroutine.
type Progress interface {
	DiskStarted(device string, size int64)
	DiskCompleted(device string, actual int64)
	DiskFailed(device string, err error)
}

// Copier writes overlays into targets through an output backend.
type Copier struct {
	img      *qemuimg.Tool
	backend  output.Backend
	opts     Options
	progress Progress
	logger   *slog.Logger

	// allocated is swapped out in tests.
	allocated func(path string) (int64, error)
}

// New creates a Copier. progress may be nil.
func New(img *qemuimg.Tool, backend output.Backend, opts Options, progress Progress, logger *slog.Logger) *Copier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Copier{
		img:       img,
		backend:   backend,
		opts:      opts,
		progress:  progress,
		logger:    logger,
		allocated: fsstat.Allocated,
	}
}

// CreateOptions returns what DiskCreate is asked for, given the output
// format.
func (c *Copier) CreateOptions(format string) output.DiskCreateOptions {
	var opts output.DiskCreateOptions
	if c.opts.Allocation == config.AllocationPreallocated {
		if format == "qcow2" {
			opts.Preallocation = "metadata"
		} else {
			opts.Preallocation = "falloc"
		}
	}
	if format == "qcow2" {
		opts.Compat = "1.1"
	}
	return opts
}

// Materialize copies every target in order and returns them with
// ActualSize filled in where it can be measured. The first failure stops
// the copy; targets already written are left for the caller's cleanup.
func (c *Copier) Materialize(ctx context.Context, targets []model.Target) ([]model.Target, error) {
	if c.opts.Compressed && hasFormat(targets, "raw") {
		return nil, fmt.Errorf("%w: compressed output is only possible with qcow2", model.ErrUser)
	}

	out := make([]model.Target, len(targets))
	copy(out, targets)
	for i := range out {
		if err := c.copyOne(ctx, &out[i]); err != nil {
			if c.progress != nil {
				c.progress.DiskFailed(out[i].Overlay.Device, err)
			}
			return nil, err
		}
	}
	return out, nil
}

func (c *Copier) copyOne(ctx context.Context, t *model.Target) error {
	ov := t.Overlay
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := overlay.CheckBacking(ctx, c.img, ov); err != nil {
		return err
	}

	if c.progress != nil {
		c.progress.DiskStarted(ov.Device, ov.VirtualSize)
	}
	c.logger.Info("copying disk",
		"device", ov.Device,
		"target", t.Locator,
		"format", t.Format,
		"virtual_size", humanize.IBytes(uint64(ov.VirtualSize)),
	)
	start := time.Now()

	if err := c.backend.DiskCreate(ctx, *t, t.Format, ov.VirtualSize, c.CreateOptions(t.Format)); err != nil {
		return fmt.Errorf("creating target for %s: %w", ov.Device, err)
	}
	if err := c.img.Convert(ctx, ov.Path, "qcow2", t.Locator, t.Format, c.opts.Compressed); err != nil {
		return fmt.Errorf("copying %s: %w", ov.Device, err)
	}

	if IsLocalFile(t.Locator) {
		if n, err := c.allocated(t.Locator); err != nil {
			c.logger.Debug("could not measure target", "target", t.Locator, "error", err)
		} else {
			t.ActualSize = n
		}
	}

	c.logger.Info("disk copied",
		"device", ov.Device,
		"duration", time.Since(start).Truncate(time.Millisecond).String(),
		"estimated", humanize.IBytes(uint64(t.EstimatedSize)),
		"actual", humanize.IBytes(uint64(t.ActualSize)),
	)
	if c.progress != nil {
		c.progress.DiskCompleted(ov.Device, t.ActualSize)
	}
	return nil
}

func hasFormat(targets []model.Target, format string) bool {
	for _, t := range targets {
		if t.Format == format {
			return true
		}
	}
	return false
}

// IsLocalFile reports whether locator is a plain path rather than a qemu
// URI or json: block options.
func IsLocalFile(locator string) bool {
	return locator != "" && !strings.Contains(locator, "://") && !strings.HasPrefix(locator, "json:")
}
