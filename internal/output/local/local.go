// Package local writes converted disks and a YAML guest description into a
// directory on the host.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/v2v/internal/config"
	"github.com/BadgerOps/v2v/internal/fsstat"
	"github.com/BadgerOps/v2v/internal/model"
	"github.com/BadgerOps/v2v/internal/output"
	"github.com/BadgerOps/v2v/internal/qemuimg"
	"github.com/BadgerOps/v2v/internal/safety"
)

// Name is the registry key of this backend.
const Name = "local"

// Backend implements output.Backend for a local directory.
type Backend struct {
	name      string
	img       *qemuimg.Tool
	outputDir  string
	reserve    int64
	allocation string
	logger     *slog.Logger

	// statfs is swapped out in tests.
	statfs func(dir string) (fsstat.Info, error)
}

// NewBackend creates a local backend that creates disks with img.
func NewBackend(img *qemuimg.Tool, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		name:   Name,
		img:    img,
		logger: logger,
		statfs: fsstat.FSBytes,
	}
}

// Name returns the backend identifier
func (b *Backend) Name() string { return b.name }

// SetName overrides the backend name (used when the config key differs)
func (b *Backend) SetName(name string) { b.name = name }

// Configure parses the backend section of the config.
func (b *Backend) Configure(raw output.BackendConfig) error {
	cfg, err := config.ParseBackendConfig[config.LocalBackendConfig](raw)
	if err != nil {
		return err
	}
	if cfg.OutputDir != "" {
		b.outputDir = cfg.OutputDir
	}
	if cfg.Reserve != "" {
		reserve, err := config.ParseSize(cfg.Reserve)
		if err != nil {
			return fmt.Errorf("local backend reserve: %w", err)
		}
		b.reserve = reserve
	}
	return nil
}

// SetOutputDir overrides the configured directory, e.g. from a CLI flag.
func (b *Backend) SetOutputDir(dir string) { b.outputDir = dir }

// SetAllocation sets the allocation mode the targets will be written with.
func (b *Backend) SetAllocation(allocation string) { b.allocation = allocation }

// OutputDir returns the directory disks are written to.
func (b *Backend) OutputDir() string { return b.outputDir }

func (b *Backend) diskPath(src *model.Source, t model.Target) (string, error) {
	return safety.OutputPath(b.outputDir, src.Name, "-"+t.Overlay.Device)
}

func (b *Backend) metadataPath(src *model.Source) (string, error) {
	return safety.OutputPath(b.outputDir, src.Name, ".yaml")
}

// PrepareTargets assigns <output_dir>/<name>-<device> to each target and
// refuses to overwrite anything already there.
func (b *Backend) PrepareTargets(ctx context.Context, src *model.Source, targets []model.Target) ([]model.Target, error) {
	if b.outputDir == "" {
		return nil, fmt.Errorf("%w: local output requires an output directory", model.ErrUser)
	}
	fi, err := os.Stat(b.outputDir)
	if err != nil {
		return nil, fmt.Errorf("%w: output directory: %v", model.ErrUser, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: output directory %s is not a directory", model.ErrUser, b.outputDir)
	}

	mdPath, err := b.metadataPath(src)
	if err != nil {
		return nil, fmt.Errorf("%w: guest name: %v", model.ErrUser, err)
	}
	paths := []string{mdPath}

	out := make([]model.Target, len(targets))
	for i, t := range targets {
		p, err := b.diskPath(src, t)
		if err != nil {
			return nil, fmt.Errorf("%w: guest name: %v", model.ErrUser, err)
		}
		t.Locator = p
		out[i] = t
		paths = append(paths, p)
	}

	for _, p := range paths {
		if _, err := os.Lstat(p); err == nil {
			return nil, fmt.Errorf("%w: %s already exists; remove it or choose another guest name", model.ErrUser, p)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("checking %s: %w", p, err)
		}
	}
	return out, nil
}

// CheckTargetFreeSpace compares the estimated sizes plus the reserve with
// the space available in the output directory. Preallocated targets take
// their full virtual size.
func (b *Backend) CheckTargetFreeSpace(ctx context.Context, src *model.Source, targets []model.Target) error {
	info, err := b.statfs(b.outputDir)
	if err != nil {
		return err
	}

	var need uint64
	for _, t := range targets {
		size := t.EstimatedSize
		if b.allocation == config.AllocationPreallocated && t.Overlay.VirtualSize > size {
			size = t.Overlay.VirtualSize
		}
		if size > 0 {
			need += uint64(size)
		}
	}
	need += uint64(b.reserve)

	b.logger.Debug("output free space",
		"dir", b.outputDir,
		"available", humanize.IBytes(info.Available),
		"needed", humanize.IBytes(need),
	)
	if info.Available < need {
		return fmt.Errorf("%w: not enough free space in %s: %s available, about %s needed",
			model.ErrUser, b.outputDir, humanize.IBytes(info.Available), humanize.IBytes(need))
	}
	return nil
}

// DiskCreate creates the empty target disk with qemu-img.
func (b *Backend) DiskCreate(ctx context.Context, target model.Target, format string, size int64, opts output.DiskCreateOptions) error {
	return b.img.Create(ctx, target.Locator, format, size, qemuimg.CreateOptions{
		Preallocation: opts.Preallocation,
		Compat:        opts.Compat,
	})
}

// CreateMetadata writes <output_dir>/<name>.yaml.
func (b *Backend) CreateMetadata(ctx context.Context, src *model.Source, targets []model.Target, buses model.TargetBuses, caps model.GuestCaps, firmware model.Firmware) error {
	path, err := b.metadataPath(src)
	if err != nil {
		return err
	}
	if err := output.WriteMetadata(path, output.BuildMetadata(src, buses, caps, firmware)); err != nil {
		return err
	}
	b.logger.Info("wrote guest metadata", "path", path)
	return nil
}

// MetadataPath returns where CreateMetadata writes for src.
func (b *Backend) MetadataPath(src *model.Source) (string, error) { return b.metadataPath(src) }

// SupportedFirmware lists both firmware types; the YAML consumer decides how
// to boot.
func (b *Backend) SupportedFirmware() []model.Firmware {
	return []model.Firmware{model.FirmwareBIOS, model.FirmwareUEFI}
}

// KeepSerialConsole is true for local output.
func (b *Backend) KeepSerialConsole() bool { return true }
