package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/BadgerOps/v2v/internal/model"
	"github.com/BadgerOps/v2v/internal/supervise"
)

// Command runs an external helper for each conversion. The helper receives
// the overlay paths as trailing arguments and a request document on stdin,
// and prints a Result as JSON on stdout. A non-zero exit means the guest
// could not be converted, e.g. because its root filesystem failed to mount.
type Command struct {
	Path   string
	Args   []string
	Logger *slog.Logger
}

// Request is the document written to the helper's stdin.
type Request struct {
	Source   *model.Source    `json:"source"`
	Overlays []RequestOverlay `json:"overlays"`
	Options  ConvertOptions   `json:"options"`
}

// RequestOverlay tells the helper where each disk is and what the guest
// will call it.
type RequestOverlay struct {
	Path   string `json:"path"`
	Format string `json:"format"`
	Device string `json:"device"`
	DiskID int    `json:"disk_id"`
}

// NewCommand returns an Inspector that runs path with args.
func NewCommand(path string, args []string, logger *slog.Logger) *Command {
	if logger == nil {
		logger = slog.Default()
	}
	return &Command{Path: path, Args: args, Logger: logger}
}

// Open checks the helper can be found and returns a session bound to the
// given overlays.
func (c *Command) Open(ctx context.Context, overlays []model.Overlay) (Session, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("%w: no inspector command configured", model.ErrUser)
	}
	if _, err := exec.LookPath(c.Path); err != nil {
		return nil, fmt.Errorf("%w: inspector command %q: %v", model.ErrUser, c.Path, err)
	}
	if len(overlays) == 0 {
		return nil, fmt.Errorf("%w: inspection session opened without disks", model.ErrInternal)
	}
	c.Logger.Debug("opening inspection session", "command", c.Path, "disks", len(overlays))
	return &commandSession{cmd: c, overlays: overlays}, nil
}

type commandSession struct {
	cmd      *Command
	overlays []model.Overlay
	closed   bool
}

func (s *commandSession) Convert(ctx context.Context, src *model.Source, opts ConvertOptions) (*Result, error) {
	if s.closed {
		return nil, fmt.Errorf("%w: convert on closed inspection session", model.ErrInternal)
	}

	req := Request{Source: src, Options: opts}
	args := append([]string(nil), s.cmd.Args...)
	for _, ov := range s.overlays {
		req.Overlays = append(req.Overlays, RequestOverlay{
			Path:   ov.Path,
			Format: "qcow2",
			Device: ov.Device,
			DiskID: ov.Source.ID,
		})
		args = append(args, ov.Path)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding inspector request: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.cmd.Path, args...)
	supervise.SetParentDeathSignal(cmd)
	cmd.Stdin = bytes.NewReader(body)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	s.cmd.Logger.Info("inspecting and converting guest", "command", s.cmd.Path)
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && msg != "" {
			return nil, fmt.Errorf("guest conversion failed: %s", msg)
		}
		return nil, fmt.Errorf("running inspector %s: %w", s.cmd.Path, err)
	}

	var res Result
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("parsing inspector output: %w", err)
	}
	switch res.Caps.BlockBus {
	case model.BlockVirtioBlk, model.BlockVirtioSCSI, model.BlockIDE:
	case "":
		return nil, fmt.Errorf("inspector reported no block bus for the converted guest")
	default:
		return nil, fmt.Errorf("inspector reported unsupported block bus %q", res.Caps.BlockBus)
	}
	return &res, nil
}

func (s *commandSession) Close() error {
	s.closed = true
	return nil
}
