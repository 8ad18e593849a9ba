package model

import "errors"

// Error kinds. Wrap them with fmt.Errorf("%w: ...") so callers can tell a
// bad input apart from a defect with errors.Is.
var (
	// ErrUser marks problems with the input or environment that the user can
	// fix: no disks, unsupported output format, name collisions, not enough
	// space.
	ErrUser = errors.New("v2v")

	// ErrInternal marks violated invariants and tools that silently failed.
	ErrInternal = errors.New("v2v internal error")
)
