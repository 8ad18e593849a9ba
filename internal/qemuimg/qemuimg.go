// Package qemuimg drives the qemu-img tool: creating overlays and target
// disks, reading image metadata and copying data between images.
package qemuimg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/BadgerOps/v2v/internal/supervise"
)

// DefaultBinary is used when no path is configured.
const DefaultBinary = "qemu-img"

// Runner executes a command and returns its stdout. A non-zero exit must be
// reported as an error that includes stderr.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ImageInfo is the subset of `qemu-img info --output=json` used here.
type ImageInfo struct {
	Filename            string `json:"filename"`
	Format              string `json:"format"`
	VirtualSize         int64  `json:"virtual-size"`
	ActualSize          int64  `json:"actual-size"`
	BackingFilename     string `json:"backing-filename,omitempty"`
	FullBackingFilename string `json:"full-backing-filename,omitempty"`
	BackingFormat       string `json:"backing-filename-format,omitempty"`
}

// HasBacking reports whether the image references a backing file.
func (i *ImageInfo) HasBacking() bool {
	return i.BackingFilename != "" || i.FullBackingFilename != ""
}

// CreateOptions controls `qemu-img create` for target disks.
type CreateOptions struct {
	// Preallocation is passed as -o preallocation=...; empty means default.
	Preallocation string
	// Compat is the qcow2 compatibility level; ignored for other formats.
	Compat string
}

// Tool runs qemu-img.
type Tool struct {
	binary string
	run    Runner
	logger *slog.Logger
}

// New creates a Tool. An empty binary selects DefaultBinary; a nil runner
// executes the real binary.
func New(binary string, run Runner, logger *slog.Logger) *Tool {
	if binary == "" {
		binary = DefaultBinary
	}
	if run == nil {
		run = ExecRunner
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{binary: binary, run: run, logger: logger}
}

// ExecRunner runs the command as a child process that dies with v2v.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	supervise.SetParentDeathSignal(cmd)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, firstArg(args), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Info returns metadata for the image at locator.
func (t *Tool) Info(ctx context.Context, locator string) (*ImageInfo, error) {
	out, err := t.run(ctx, t.binary, "info", "--output=json", locator)
	if err != nil {
		return nil, fmt.Errorf("error running qemu-img info: %w", err)
	}

	var info ImageInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("error parsing qemu-img info output: %w", err)
	}
	return &info, nil
}

// CreateOverlay creates a qcow2 file at path backed by backing. compat=1.1 is
// required so that discarded blocks can be stored as zero clusters.
func (t *Tool) CreateOverlay(ctx context.Context, path, backing, backingFormat string) error {
	args := []string{"create", "-q", "-f", "qcow2", "-o", "compat=1.1", "-b", backing}
	if backingFormat != "" {
		args = append(args, "-F", backingFormat)
	}
	args = append(args, path)

	t.logger.Debug("creating overlay", "path", path, "backing", backing, "backing_format", backingFormat)
	if _, err := t.run(ctx, t.binary, args...); err != nil {
		return fmt.Errorf("creating overlay for %s: %w", backing, err)
	}
	return nil
}

// Create creates an empty disk image of the given virtual size.
func (t *Tool) Create(ctx context.Context, path, format string, size int64, opts CreateOptions) error {
	args := []string{"create", "-q", "-f", format}
	if o := opts.encode(format); o != "" {
		args = append(args, "-o", o)
	}
	args = append(args, path, strconv.FormatInt(size, 10))

	t.logger.Debug("creating disk", "path", path, "format", format, "size", size)
	if _, err := t.run(ctx, t.binary, args...); err != nil {
		return fmt.Errorf("creating %s disk %s: %w", format, path, err)
	}
	return nil
}

// Convert copies src into an existing dst. dst must already exist (-n) since
// output backends own its creation.
func (t *Tool) Convert(ctx context.Context, src, srcFormat, dst, dstFormat string, compressed bool) error {
	args := []string{"convert", "-n", "-f", srcFormat, "-O", dstFormat}
	if compressed {
		args = append(args, "-c")
	}
	args = append(args, src, dst)

	t.logger.Debug("qemu-img convert", "args", strings.Join(args, " "))
	if _, err := t.run(ctx, t.binary, args...); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return nil
}

func (o CreateOptions) encode(format string) string {
	var parts []string
	if o.Preallocation != "" {
		parts = append(parts, "preallocation="+o.Preallocation)
	}
	if format == "qcow2" && o.Compat != "" {
		parts = append(parts, "compat="+o.Compat)
	}
	return strings.Join(parts, ",")
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
