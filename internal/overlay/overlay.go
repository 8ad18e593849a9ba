// Package overlay protects source disks by layering a writable qcow2 file
// over each one. Conversion only ever writes to the overlay.
package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/v2v/internal/cleanup"
	"github.com/BadgerOps/v2v/internal/model"
	"github.com/BadgerOps/v2v/internal/qemuimg"
)

// Manager creates overlays in a work directory.
type Manager struct {
	img     *qemuimg.Tool
	workDir string
	keep    bool
	cleanup *cleanup.Registry
	logger  *slog.Logger
}

// NewManager creates a Manager. With keep set, overlays are not registered
// for deletion, which leaves them behind for debugging.
func NewManager(img *qemuimg.Tool, workDir string, keep bool, reg *cleanup.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		img:     img,
		workDir: workDir,
		keep:    keep,
		cleanup: reg,
		logger:  logger,
	}
}

// Protect creates one overlay per disk, in order. Overlays created before a
// failure stay registered with the cleanup registry.
func (m *Manager) Protect(ctx context.Context, disks []model.SourceDisk) ([]model.Overlay, error) {
	overlays := make([]model.Overlay, 0, len(disks))
	for i, disk := range disks {
		ov, err := m.protect(ctx, disk, model.DeviceName("sd", i))
		if err != nil {
			return nil, err
		}
		overlays = append(overlays, ov)
	}
	return overlays, nil
}

func (m *Manager) protect(ctx context.Context, disk model.SourceDisk, device string) (model.Overlay, error) {
	format := disk.Format
	if format == "" {
		info, err := m.img.Info(ctx, disk.Locator)
		if err != nil {
			return model.Overlay{}, fmt.Errorf("probing format of disk %d: %w", disk.ID, err)
		}
		format = info.Format
		m.logger.Debug("probed source format", "disk", disk.ID, "format", format)
	}

	f, err := os.CreateTemp(m.workDir, "v2vovl*.qcow2")
	if err != nil {
		return model.Overlay{}, fmt.Errorf("creating overlay file: %w", err)
	}
	path := f.Name()
	f.Close()

	if m.keep {
		m.logger.Info("keeping overlay after run", "path", path)
	} else if m.cleanup != nil {
		m.cleanup.RegisterPath(cleanup.KindOverlay, path)
	}

	if err := m.img.CreateOverlay(ctx, path, disk.Locator, format); err != nil {
		return model.Overlay{}, err
	}

	info, err := m.img.Info(ctx, path)
	if err != nil {
		return model.Overlay{}, fmt.Errorf("reading overlay %s: %w", path, err)
	}
	if !info.HasBacking() {
		return model.Overlay{}, fmt.Errorf("%w: qemu-img created overlay %s without a backing file for %s", model.ErrInternal, path, disk.Locator)
	}

	m.logger.Info("created overlay",
		"disk", disk.ID,
		"device", device,
		"overlay", path,
		"virtual_size", humanize.IBytes(uint64(info.VirtualSize)),
	)

	return model.Overlay{
		Path:        path,
		Source:      disk,
		VirtualSize: info.VirtualSize,
		Device:      device,
	}, nil
}

// CheckBacking re-reads ov and fails if it no longer references its source.
// A copy tool killed mid-write can leave a qcow2 header without the backing
// pointer, and copying that would silently produce a disk with no data.
func CheckBacking(ctx context.Context, img *qemuimg.Tool, ov model.Overlay) error {
	info, err := img.Info(ctx, ov.Path)
	if err != nil {
		return fmt.Errorf("reading overlay %s: %w", ov.Path, err)
	}
	if !info.HasBacking() {
		return fmt.Errorf("%w: overlay %s (%s) lost its backing file reference to %s", model.ErrInternal, ov.Path, ov.Device, ov.Source.Locator)
	}
	return nil
}
