// Package upload streams converted disks to remote storage through one
// helper process per disk. Each helper serves an NBD unix socket that
// qemu-img writes into, signals readiness by creating a file, and reports
// the identifier of the finished disk in another file once the data has
// been committed.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/BadgerOps/v2v/internal/config"
	"github.com/BadgerOps/v2v/internal/model"
	"github.com/BadgerOps/v2v/internal/output"
	"github.com/BadgerOps/v2v/internal/safety"
	"github.com/BadgerOps/v2v/internal/supervise"
)

// Name is the registry key of this backend.
const Name = "upload"

const (
	defaultStartupTimeout  = 5 * time.Minute
	defaultFinalizeTimeout = 30 * time.Minute
	defaultDeleteTimeout   = 5 * time.Minute
	stopGrace              = 10 * time.Second
)

// Backend implements output.Backend with supervised upload helpers.
type Backend struct {
	name    string
	workDir string
	logger  *slog.Logger

	helper          []string
	startupTimeout  time.Duration
	finalizeTimeout time.Duration
	pollInterval    time.Duration
	metadataDir     string
	deleteHelper    []string
	deleteTimeout   time.Duration

	mu         sync.Mutex
	sessionDir string
	guest      string
	disks      map[string]*disk
	onCommit   func(target model.Target, id string)
}

// disk is the rendezvous state of one helper, keyed by target locator.
type disk struct {
	device string
	socket string
	ready  string
	idFile string
	log    string
	proc   *supervise.Process
}

// NewBackend creates an upload backend that keeps sockets and helper logs
// under workDir.
func NewBackend(workDir string, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		name:            Name,
		workDir:         workDir,
		logger:          logger,
		startupTimeout:  defaultStartupTimeout,
		finalizeTimeout: defaultFinalizeTimeout,
		deleteTimeout:   defaultDeleteTimeout,
		pollInterval:    supervise.DefaultPollInterval,
		disks:           make(map[string]*disk),
	}
}

func (b *Backend) Name() string        { return b.name }
func (b *Backend) SetName(name string) { b.name = name }

// Configure parses the helper commands, timeouts and metadata directory.
func (b *Backend) Configure(raw output.BackendConfig) error {
	cfg, err := config.ParseBackendConfig[config.UploadBackendConfig](raw)
	if err != nil {
		return err
	}
	if len(cfg.Helper) > 0 {
		b.helper = cfg.Helper
	}
	if cfg.MetadataDir != "" {
		b.metadataDir = cfg.MetadataDir
	}
	if b.startupTimeout, err = config.ParseDuration(cfg.StartupTimeout, defaultStartupTimeout); err != nil {
		return fmt.Errorf("upload backend startup_timeout: %w", err)
	}
	if b.finalizeTimeout, err = config.ParseDuration(cfg.FinalizeTimeout, defaultFinalizeTimeout); err != nil {
		return fmt.Errorf("upload backend finalize_timeout: %w", err)
	}
	if len(cfg.DeleteHelper) > 0 {
		b.deleteHelper = cfg.DeleteHelper
	}
	if b.deleteTimeout, err = config.ParseDuration(cfg.DeleteTimeout, defaultDeleteTimeout); err != nil {
		return fmt.Errorf("upload backend delete_timeout: %w", err)
	}
	return nil
}

// OnCommit sets the function told about every disk id read in
// CreateMetadata.
func (b *Backend) OnCommit(fn func(target model.Target, id string)) {
	b.mu.Lock()
	b.onCommit = fn
	b.mu.Unlock()
}

// SetMetadataDir overrides the configured metadata directory.
func (b *Backend) SetMetadataDir(dir string) { b.metadataDir = dir }

// Locator is the qemu NBD URI of a unix socket.
func Locator(socket string) string {
	return "nbd+unix:///?socket=" + socket
}

// PrepareTargets allocates a socket per disk in a private directory. No
// helper is started until DiskCreate.
func (b *Backend) PrepareTargets(ctx context.Context, src *model.Source, targets []model.Target) ([]model.Target, error) {
	if len(b.helper) == 0 {
		return nil, fmt.Errorf("%w: upload backend has no helper command configured", model.ErrUser)
	}
	if b.metadataDir == "" {
		return nil, fmt.Errorf("%w: upload backend requires metadata_dir", model.ErrUser)
	}
	mdPath, err := safety.OutputPath(b.metadataDir, src.Name, ".yaml")
	if err != nil {
		return nil, fmt.Errorf("%w: guest name: %v", model.ErrUser, err)
	}
	if _, err := os.Lstat(mdPath); err == nil {
		return nil, fmt.Errorf("%w: %s already exists", model.ErrUser, mdPath)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sessionDir == "" {
		dir, err := os.MkdirTemp(b.workDir, "v2vupload")
		if err != nil {
			return nil, fmt.Errorf("creating upload directory: %w", err)
		}
		b.sessionDir = dir
	}
	b.guest = src.Name

	out := make([]model.Target, len(targets))
	for i, t := range targets {
		base := filepath.Join(b.sessionDir, t.Overlay.Device)
		d := &disk{
			device: t.Overlay.Device,
			socket: base + ".sock",
			ready:  base + ".ready",
			idFile: base + ".id",
			log:    base + ".log",
		}
		t.Locator = Locator(d.socket)
		b.disks[t.Locator] = d
		out[i] = t
	}
	return out, nil
}

// CheckTargetFreeSpace cannot see remote storage; the helper reports a
// shortage when it is started.
func (b *Backend) CheckTargetFreeSpace(ctx context.Context, src *model.Source, targets []model.Target) error {
	return nil
}

// DiskCreate starts the helper for target and waits for it to be ready.
func (b *Backend) DiskCreate(ctx context.Context, target model.Target, format string, size int64, opts output.DiskCreateOptions) error {
	b.mu.Lock()
	d, ok := b.disks[target.Locator]
	guest := b.guest
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: upload target %s was never prepared", model.ErrInternal, target.Locator)
	}

	r := strings.NewReplacer(
		"{socket}", d.socket,
		"{ready}", d.ready,
		"{id}", d.idFile,
		"{size}", strconv.FormatInt(size, 10),
		"{format}", format,
		"{name}", guest,
		"{device}", d.device,
	)
	argv := make([]string, len(b.helper))
	for i, a := range b.helper {
		argv[i] = r.Replace(a)
	}

	proc, err := supervise.Start(ctx, "upload helper "+d.device, argv, d.log, b.logger)
	if err != nil {
		return err
	}
	b.mu.Lock()
	d.proc = proc
	b.mu.Unlock()

	if err := supervise.WaitForFile(ctx, d.ready, b.startupTimeout, b.pollInterval, proc); err != nil {
		_ = proc.Stop(stopGrace)
		return fmt.Errorf("upload helper for %s did not start: %w", d.device, err)
	}
	b.logger.Info("upload helper ready", "device", d.device, "socket", d.socket)
	return nil
}

// RemoveTarget stops the helper for target, which makes it discard a
// partial upload. A disk the helper already committed is deleted with the
// delete helper.
func (b *Backend) RemoveTarget(target model.Target) error {
	b.mu.Lock()
	d, ok := b.disks[target.Locator]
	delete(b.disks, target.Locator)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	var result error
	if err := b.stop(d); err != nil {
		result = multierror.Append(result, err)
	}
	if id := committedID(d); id != "" {
		if err := b.DeleteRemote(context.Background(), id); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", d.device, err))
		}
	}
	return result
}

// committedID returns the id the helper reported, or "" if it never
// committed the disk.
func committedID(d *disk) string {
	data, err := os.ReadFile(d.idFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// DeleteRemote runs the delete helper for a committed disk.
func (b *Backend) DeleteRemote(ctx context.Context, id string) error {
	if len(b.deleteHelper) == 0 {
		return fmt.Errorf("committed upload %s cannot be removed: no delete_helper configured", id)
	}
	argv := make([]string, len(b.deleteHelper))
	for i, a := range b.deleteHelper {
		argv[i] = strings.ReplaceAll(a, "{id}", id)
	}

	ctx, cancel := context.WithTimeout(ctx, b.deleteTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	supervise.SetParentDeathSignal(cmd)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("deleting upload %s: %w: %s", id, err, msg)
		}
		return fmt.Errorf("deleting upload %s: %w", id, err)
	}
	b.logger.Info("deleted committed upload", "id", id)
	return nil
}

func (b *Backend) stop(d *disk) error {
	var result error
	if d.proc != nil {
		if err := d.proc.Stop(stopGrace); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, p := range []string{d.socket, d.ready} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// CreateMetadata waits for every helper to report its disk identifier and
// then writes <metadata_dir>/<name>.yaml.
func (b *Backend) CreateMetadata(ctx context.Context, src *model.Source, targets []model.Target, buses model.TargetBuses, caps model.GuestCaps, firmware model.Firmware) error {
	ids := make(map[string]string, len(targets))
	for _, t := range targets {
		b.mu.Lock()
		d, ok := b.disks[t.Locator]
		b.mu.Unlock()
		if !ok || d.proc == nil {
			return fmt.Errorf("%w: no upload helper for %s", model.ErrInternal, t.Locator)
		}

		if err := supervise.WaitForFile(ctx, d.idFile, b.finalizeTimeout, b.pollInterval, d.proc); err != nil {
			return fmt.Errorf("upload of %s did not finish: %w", d.device, err)
		}
		data, err := os.ReadFile(d.idFile)
		if err != nil {
			return fmt.Errorf("reading upload id for %s: %w", d.device, err)
		}
		id := strings.TrimSpace(string(data))
		if id == "" {
			return fmt.Errorf("upload helper for %s wrote an empty disk id; see %s", d.device, d.log)
		}
		ids[d.device] = id
		b.logger.Info("disk uploaded", "device", d.device, "id", id)

		b.mu.Lock()
		notify := b.onCommit
		b.mu.Unlock()
		if notify != nil {
			notify(t, id)
		}
	}

	md := output.BuildMetadata(src, buses, caps, firmware)
	for i := range md.Disks {
		md.Disks[i].UploadID = ids[md.Disks[i].Device]
	}
	path, err := safety.OutputPath(b.metadataDir, src.Name, ".yaml")
	if err != nil {
		return err
	}
	return output.WriteMetadata(path, md)
}

func (b *Backend) SupportedFirmware() []model.Firmware {
	return []model.Firmware{model.FirmwareBIOS, model.FirmwareUEFI}
}

func (b *Backend) KeepSerialConsole() bool { return true }

// Close stops any helpers still running and removes the socket directory,
// unless a helper failed and its log is still needed.
func (b *Backend) Close() error {
	b.mu.Lock()
	disks := b.disks
	b.disks = make(map[string]*disk)
	dir := b.sessionDir
	b.sessionDir = ""
	b.mu.Unlock()

	var result error
	keepLogs := false
	for _, d := range disks {
		if d.proc != nil && d.proc.Exited() && d.proc.Err() != nil {
			keepLogs = true
		}
		if err := b.stop(d); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if dir == "" {
		return result
	}
	if keepLogs {
		b.logger.Warn("keeping upload helper logs", "dir", dir)
		return result
	}
	if err := os.RemoveAll(dir); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}
