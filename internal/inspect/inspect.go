// Package inspect defines the guest inspection and conversion step that runs
// between overlay creation and copying, plus an implementation that drives
// an external helper program.
package inspect

import (
	"context"

	"github.com/BadgerOps/v2v/internal/model"
)

// ConvertOptions are passed through to the conversion step.
type ConvertOptions struct {
	KeepSerialConsole bool `json:"keep_serial_console"`
}

// Result is everything the pipeline needs back from the conversion step.
type Result struct {
	Caps        model.GuestCaps        `json:"caps"`
	Mountpoints []model.MountpointStat `json:"mountpoints"`
	Inspection  model.Inspection       `json:"inspection"`

	// Warnings are non-fatal problems such as a non-root filesystem that
	// failed to mount or could not be trimmed.
	Warnings []string `json:"warnings,omitempty"`
}

// Inspector opens sessions over a set of overlays.
type Inspector interface {
	Open(ctx context.Context, overlays []model.Overlay) (Session, error)
}

// Session is one open inspection of the guest. It must be closed before the
// overlays are copied.
type Session interface {
	Convert(ctx context.Context, src *model.Source, opts ConvertOptions) (*Result, error)
	Close() error
}
