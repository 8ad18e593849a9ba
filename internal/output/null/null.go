// Package null is an output backend that throws the converted data away.
// It exercises the whole pipeline without needing target storage.
package null

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BadgerOps/v2v/internal/model"
	"github.com/BadgerOps/v2v/internal/output"
)

// Name is the registry key of this backend.
const Name = "null"

// Backend implements output.Backend using qemu's null-co block driver.
type Backend struct {
	name   string
	logger *slog.Logger
}

// NewBackend creates a null backend.
func NewBackend(logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{name: Name, logger: logger}
}

func (b *Backend) Name() string        { return b.name }
func (b *Backend) SetName(name string) { b.name = name }

// Configure accepts and ignores any settings.
func (b *Backend) Configure(raw output.BackendConfig) error { return nil }

// Locator returns the qemu json: block options for a null device of the given size.
func Locator(size int64) string {
	return fmt.Sprintf(`json:{"file.driver":"null-co","file.size":"%d"}`, size)
}

// ForcedFormat is raw, since null-co has no image format of its own.
func (b *Backend) ForcedFormat() string { return "raw" }

// PrepareTargets points every target at a null device.
func (b *Backend) PrepareTargets(ctx context.Context, src *model.Source, targets []model.Target) ([]model.Target, error) {
	out := make([]model.Target, len(targets))
	for i, t := range targets {
		t.Locator = Locator(t.Overlay.VirtualSize)
		t.Format = b.ForcedFormat()
		out[i] = t
	}
	return out, nil
}

func (b *Backend) CheckTargetFreeSpace(ctx context.Context, src *model.Source, targets []model.Target) error {
	return nil
}

func (b *Backend) DiskCreate(ctx context.Context, target model.Target, format string, size int64, opts output.DiskCreateOptions) error {
	return nil
}

// RemoveTarget has nothing to remove.
func (b *Backend) RemoveTarget(target model.Target) error { return nil }

func (b *Backend) CreateMetadata(ctx context.Context, src *model.Source, targets []model.Target, buses model.TargetBuses, caps model.GuestCaps, firmware model.Firmware) error {
	b.logger.Debug("discarding guest metadata", "name", src.Name, "disks", len(targets), "firmware", firmware.String())
	return nil
}

func (b *Backend) SupportedFirmware() []model.Firmware {
	return []model.Firmware{model.FirmwareBIOS, model.FirmwareUEFI}
}

func (b *Backend) KeepSerialConsole() bool { return false }
