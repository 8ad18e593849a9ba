package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BadgerOps/v2v/internal/config"
	"github.com/BadgerOps/v2v/internal/inspect"
	"github.com/BadgerOps/v2v/internal/model"
	"github.com/BadgerOps/v2v/internal/output"
	"github.com/BadgerOps/v2v/internal/output/local"
	"github.com/BadgerOps/v2v/internal/output/null"
	"github.com/BadgerOps/v2v/internal/qemuimg"
	"github.com/BadgerOps/v2v/internal/qemuimg/qemuimgtest"
	"github.com/BadgerOps/v2v/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeInspector returns a canned result and records how it was used.
type fakeInspector struct {
	result   inspect.Result
	openErr  error
	convErr  error
	closed   bool
	convOpts inspect.ConvertOptions
}

func (f *fakeInspector) Open(ctx context.Context, overlays []model.Overlay) (inspect.Session, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f, nil
}

func (f *fakeInspector) Convert(ctx context.Context, src *model.Source, opts inspect.ConvertOptions) (*inspect.Result, error) {
	f.convOpts = opts
	if f.convErr != nil {
		return nil, f.convErr
	}
	res := f.result
	return &res, nil
}

func (f *fakeInspector) Close() error {
	f.closed = true
	return nil
}

func linuxGuest() inspect.Result {
	return inspect.Result{
		Caps: model.GuestCaps{BlockBus: model.BlockVirtioBlk, NetBus: model.NetVirtio, Video: model.VideoQXL, ACPI: true},
		Mountpoints: []model.MountpointStat{
			// 64 MiB filesystem with 60 MiB free
			{Device: "/dev/sda1", Path: "/", Blocks: 16384, BlocksFree: 15360, BlocksAvail: 14336, BlockSize: 4096, VFSType: "ext4"},
		},
		Inspection: model.Inspection{Root: "/dev/sda1", Type: "linux", Distro: "fedora"},
		Warnings:   []string{"could not trim /data"},
	}
}

type fixture struct {
	fake      *qemuimgtest.Fake
	img       *qemuimg.Tool
	inspector *fakeInspector
	backend   *local.Backend
	store     *store.Store
	work      string
	out       string
	src       *model.Source
}

func newFixture(t *testing.T, disks int) *fixture {
	t.Helper()
	f := &fixture{
		fake:      qemuimgtest.New(),
		inspector: &fakeInspector{result: linuxGuest()},
		work:      t.TempDir(),
		out:       t.TempDir(),
	}
	f.img = qemuimg.New("qemu-img", f.fake.Run, testLogger())
	f.backend = local.NewBackend(f.img, testLogger())
	f.backend.SetOutputDir(f.out)

	st, err := store.New(":memory:", testLogger())
	if err != nil {
		t.Fatalf("store.New() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	f.store = st

	srcDir := t.TempDir()
	f.src = &model.Source{
		Name:       "guest",
		Hypervisor: "vmware",
		Removables: []model.Removable{{Type: model.CDROM}},
	}
	for i := 0; i < disks; i++ {
		path := filepath.Join(srcDir, "disk"+string(rune('0'+i))+".img")
		if err := os.WriteFile(path, []byte("source data"), 0o644); err != nil {
			t.Fatal(err)
		}
		f.fake.AddImage(path, "raw", 32<<20)
		f.src.Disks = append(f.src.Disks, model.SourceDisk{ID: i, Locator: path, Format: "raw"})
	}
	return f
}

func (f *fixture) converter(backend output.Backend) *Converter {
	if backend == nil {
		backend = f.backend
	}
	return NewConverter(f.img, f.inspector, backend, f.store, testLogger())
}

func defaultOptions(work string) Options {
	return Options{WorkDir: work, OutputFormat: "raw", Allocation: config.AllocationSparse}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// assertSourcesUntouched checks every source disk still holds its data.
func (f *fixture) assertSourcesUntouched(t *testing.T) {
	t.Helper()
	for _, d := range f.src.Disks {
		data, err := os.ReadFile(d.Locator)
		if err != nil {
			t.Fatalf("source %s: %v", d.Locator, err)
		}
		if string(data) != "source data" {
			t.Errorf("source %s modified: %q", d.Locator, data)
		}
	}
}

func TestRunSuccess(t *testing.T) {
	f := newFixture(t, 2)
	tracker := NewTracker("guest")
	opts := defaultOptions(f.work)
	opts.Tracker = tracker

	report, err := f.converter(nil).Run(context.Background(), f.src, opts)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(report.Targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(report.Targets))
	}
	for _, tg := range report.Targets {
		data, err := os.ReadFile(tg.Locator)
		if err != nil {
			t.Fatalf("target %s missing: %v", tg.Locator, err)
		}
		if !strings.HasPrefix(string(data), "converted from ") {
			t.Errorf("target %s content = %q", tg.Locator, data)
		}
		if tg.EstimatedSize <= 0 || tg.EstimatedSize > tg.Overlay.VirtualSize {
			t.Errorf("estimate %d out of range for %s", tg.EstimatedSize, tg.Overlay.Device)
		}
	}

	if report.Firmware != model.FirmwareBIOS {
		t.Errorf("Firmware = %s, want bios", report.Firmware)
	}
	if len(report.Buses.VirtioBlk) != 2 || len(report.Buses.IDE) != 1 {
		t.Errorf("unexpected buses: %+v", report.Buses)
	}
	if len(report.Warnings) != 1 {
		t.Errorf("expected inspection warning to be reported, got %v", report.Warnings)
	}

	// Overlays are gone, only the targets and metadata remain
	if left := listDir(t, f.work); len(left) != 0 {
		t.Errorf("work dir not cleaned: %v", left)
	}
	want := []string{"guest-sda", "guest-sdb", "guest.yaml"}
	if got := listDir(t, f.out); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("output dir = %v, want %v", got, want)
	}
	f.assertSourcesUntouched(t)

	md, err := output.ReadMetadata(filepath.Join(f.out, "guest.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(md.Disks) != 2 || md.Disks[0].Bus != "virtio-blk" {
		t.Errorf("metadata disks = %+v", md.Disks)
	}

	if !f.inspector.closed {
		t.Error("inspection session not closed")
	}
	if !f.inspector.convOpts.KeepSerialConsole {
		t.Error("local output keeps the serial console")
	}

	snap := tracker.Snapshot()
	if snap.Phase != PhaseComplete || snap.CompletedDisks != 2 || snap.Percent != 100 {
		t.Errorf("tracker snapshot = %+v", snap)
	}

	run, err := f.store.GetRun(report.RunID)
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if run.Status != store.StatusSuccess || run.Firmware != "bios" || run.EndTime.IsZero() {
		t.Errorf("run record = %+v", run)
	}
	disks, err := f.store.ListRunDisks(report.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(disks) != 2 || disks[0].EstimatedSize == 0 {
		t.Errorf("run disks = %+v", disks)
	}
	artifacts, err := f.store.ListArtifacts(report.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 0 {
		t.Errorf("journal not empty after success: %+v", artifacts)
	}
}

func TestRunKeepOverlays(t *testing.T) {
	f := newFixture(t, 1)
	opts := defaultOptions(f.work)
	opts.KeepOverlays = true

	if _, err := f.converter(nil).Run(context.Background(), f.src, opts); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if left := listDir(t, f.work); len(left) != 1 {
		t.Errorf("expected the overlay to be kept, work dir = %v", left)
	}
}

// TestRunCleanupOnCopyFailure tests that a failed copy removes every
// overlay and target and leaves the sources alone.
func TestRunCleanupOnCopyFailure(t *testing.T) {
	f := newFixture(t, 3)
	f.fake.FailConvertAfter = 1
	tracker := NewTracker("guest")
	opts := defaultOptions(f.work)
	opts.Tracker = tracker

	report, err := f.converter(nil).Run(context.Background(), f.src, opts)
	if err == nil {
		t.Fatal("expected error")
	}
	if report != nil {
		t.Error("report returned with error")
	}

	if left := listDir(t, f.work); len(left) != 0 {
		t.Errorf("overlays left behind: %v", left)
	}
	if left := listDir(t, f.out); len(left) != 0 {
		t.Errorf("targets left behind: %v", left)
	}
	f.assertSourcesUntouched(t)

	if tracker.Phase() != PhaseFailed {
		t.Errorf("tracker phase = %s", tracker.Phase())
	}

	runs, err := f.store.ListRuns("guest", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != store.StatusFailed || runs[0].ErrorMessage == "" {
		t.Errorf("runs = %+v", runs)
	}
	artifacts, err := f.store.ListArtifacts("")
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 0 {
		t.Errorf("journal not empty after cleanup: %+v", artifacts)
	}
}

// hookInspector wraps an inspector and calls hook after conversion.
type hookInspector struct {
	hook func()
	next *fakeInspector
}

func (h *hookInspector) Open(ctx context.Context, overlays []model.Overlay) (inspect.Session, error) {
	if _, err := h.next.Open(ctx, overlays); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *hookInspector) Convert(ctx context.Context, src *model.Source, opts inspect.ConvertOptions) (*inspect.Result, error) {
	res, err := h.next.Convert(ctx, src, opts)
	h.hook()
	return res, err
}

func (h *hookInspector) Close() error { return h.next.Close() }

func TestRunCleanupOnLostBacking(t *testing.T) {
	f := newFixture(t, 1)
	c := f.converter(nil)
	// The overlay loses its backing file reference during conversion.
	c.inspector = &hookInspector{hook: func() { f.fake.DropBacking = true }, next: f.inspector}

	_, err := c.Run(context.Background(), f.src, defaultOptions(f.work))
	if !errors.Is(err, model.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if left := listDir(t, f.out); len(left) != 0 {
		t.Errorf("targets left behind: %v", left)
	}
	if left := listDir(t, f.work); len(left) != 0 {
		t.Errorf("overlays left behind: %v", left)
	}
	if len(f.fake.CallsTo("convert")) != 0 {
		t.Error("copied an overlay without backing file")
	}
}

func TestRunConversionFailure(t *testing.T) {
	f := newFixture(t, 2)
	f.inspector.convErr = errors.New("no root filesystem found")

	_, err := f.converter(nil).Run(context.Background(), f.src, defaultOptions(f.work))
	if err == nil || !strings.Contains(err.Error(), "no root filesystem") {
		t.Fatalf("expected conversion error, got %v", err)
	}
	if !f.inspector.closed {
		t.Error("session not closed after failed conversion")
	}
	if left := listDir(t, f.work); len(left) != 0 {
		t.Errorf("overlays left behind: %v", left)
	}
	if len(f.fake.CallsTo("convert")) != 0 {
		t.Error("copy ran after failed conversion")
	}
}

func TestRunNoDisks(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.converter(nil).Run(context.Background(), f.src, defaultOptions(f.work))
	if !errors.Is(err, model.ErrUser) {
		t.Fatalf("expected user error, got %v", err)
	}
	if len(f.fake.Calls()) != 0 {
		t.Error("qemu-img ran for a source without disks")
	}
	runs, _ := f.store.ListRuns("", 0)
	if len(runs) != 0 {
		t.Errorf("run recorded for invalid input: %+v", runs)
	}
}

func TestRunInvalidOptions(t *testing.T) {
	f := newFixture(t, 1)
	opts := defaultOptions(f.work)
	opts.Compressed = true

	if _, err := f.converter(nil).Run(context.Background(), f.src, opts); !errors.Is(err, model.ErrUser) {
		t.Fatalf("expected user error, got %v", err)
	}
	if len(f.fake.Calls()) != 0 {
		t.Error("work started with invalid options")
	}
}

func TestRunGuestTooFull(t *testing.T) {
	f := newFixture(t, 1)
	f.inspector.result.Mountpoints = []model.MountpointStat{
		{Device: "/dev/sda1", Path: "/boot", Blocks: 1000, BlocksFree: 10, BlockSize: 4096, VFSType: "xfs"},
	}

	_, err := f.converter(nil).Run(context.Background(), f.src, defaultOptions(f.work))
	if !errors.Is(err, model.ErrUser) || !strings.Contains(err.Error(), "/boot") {
		t.Fatalf("expected user error about /boot, got %v", err)
	}
	if left := listDir(t, f.work); len(left) != 0 {
		t.Errorf("overlays left behind: %v", left)
	}
}

func TestRunNameCollision(t *testing.T) {
	f := newFixture(t, 1)
	existing := filepath.Join(f.out, "guest-sda")
	if err := os.WriteFile(existing, []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := f.converter(nil).Run(context.Background(), f.src, defaultOptions(f.work))
	if !errors.Is(err, model.ErrUser) {
		t.Fatalf("expected user error, got %v", err)
	}
	data, err := os.ReadFile(existing)
	if err != nil || string(data) != "keep me" {
		t.Errorf("existing file clobbered: %q, %v", data, err)
	}
}

func TestRunNotEnoughOutputSpace(t *testing.T) {
	f := newFixture(t, 1)
	if err := f.backend.Configure(output.BackendConfig{"reserve": "100000TB"}); err != nil {
		t.Fatal(err)
	}

	_, err := f.converter(nil).Run(context.Background(), f.src, defaultOptions(f.work))
	if !errors.Is(err, model.ErrUser) {
		t.Fatalf("expected user error, got %v", err)
	}
	if len(f.fake.CallsTo("convert")) != 0 {
		t.Error("copy started without enough space")
	}
}

func TestRunNullBackend(t *testing.T) {
	f := newFixture(t, 1)
	nb := null.NewBackend(testLogger())

	report, err := f.converter(nb).Run(context.Background(), f.src, defaultOptions(f.work))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !strings.HasPrefix(report.Targets[0].Locator, "json:") {
		t.Errorf("Locator = %q", report.Targets[0].Locator)
	}
	if f.inspector.convOpts.KeepSerialConsole {
		t.Error("null output does not keep the serial console")
	}
	if left := listDir(t, f.out); len(left) != 0 {
		t.Errorf("null output wrote files: %v", left)
	}
}

func TestRunWithoutStore(t *testing.T) {
	f := newFixture(t, 1)
	c := NewConverter(f.img, f.inspector, f.backend, nil, testLogger())

	if _, err := c.Run(context.Background(), f.src, defaultOptions(f.work)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.converter(nil).Run(ctx, f.src, defaultOptions(f.work))
	if err == nil {
		t.Fatal("expected error from cancelled run")
	}
	if left := listDir(t, f.work); len(left) != 0 {
		t.Errorf("overlays left behind: %v", left)
	}
	if left := listDir(t, f.out); len(left) != 0 {
		t.Errorf("targets left behind: %v", left)
	}
}

func TestRunOpenFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.inspector.openErr = errors.New("helper not found")

	_, err := f.converter(nil).Run(context.Background(), f.src, defaultOptions(f.work))
	if err == nil || !strings.Contains(err.Error(), "opening guest") {
		t.Fatalf("expected open error, got %v", err)
	}
	if left := listDir(t, f.work); len(left) != 0 {
		t.Errorf("overlays left behind: %v", left)
	}
}

func TestRunCompressedSource(t *testing.T) {
	f := newFixture(t, 0)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(bytes.Repeat([]byte("sector"), 4096))
	zw.Close()
	path := filepath.Join(t.TempDir(), "cloud.img.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0o444); err != nil {
		t.Fatal(err)
	}
	f.src.Disks = []model.SourceDisk{{ID: 0, Locator: path}}

	report, err := f.converter(nil).Run(context.Background(), f.src, defaultOptions(f.work))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	backing := report.Targets[0].Overlay.Source.Locator
	if backing == path || filepath.Dir(backing) != f.work {
		t.Errorf("overlay backed by %s, want an unpacked copy in %s", backing, f.work)
	}
	if report.Targets[0].Overlay.VirtualSize != 6*4096 {
		t.Errorf("VirtualSize = %d", report.Targets[0].Overlay.VirtualSize)
	}
	if left := listDir(t, f.work); len(left) != 0 {
		t.Errorf("unpacked image left behind: %v", left)
	}
	if data, _ := os.ReadFile(path); !bytes.Equal(data, buf.Bytes()) {
		t.Error("compressed source modified")
	}
}

// committingBackend writes local files but reports the first disk as
// committed to remote storage before failing to finalize the rest.
type committingBackend struct {
	*local.Backend
	notify  func(model.Target, string)
	removed []string
}

func (b *committingBackend) Name() string { return "remote" }

func (b *committingBackend) OnCommit(fn func(model.Target, string)) { b.notify = fn }

func (b *committingBackend) CreateMetadata(ctx context.Context, src *model.Source, targets []model.Target, buses model.TargetBuses, caps model.GuestCaps, firmware model.Firmware) error {
	b.notify(targets[0], "vol-"+targets[0].Overlay.Device)
	return errors.New("sdb: helper exited before committing")
}

func (b *committingBackend) RemoveTarget(t model.Target) error {
	b.removed = append(b.removed, t.Overlay.Device)
	os.Remove(t.Locator)
	if t.Overlay.Device == "sda" {
		return errors.New("remote store unreachable")
	}
	return nil
}

func TestRunJournalsCommittedRemoteDisk(t *testing.T) {
	f := newFixture(t, 2)
	b := &committingBackend{Backend: f.backend}

	_, err := f.converter(b).Run(context.Background(), f.src, defaultOptions(f.work))
	if err == nil {
		t.Fatal("expected finalize error")
	}
	if strings.Join(b.removed, ",") != "sdb,sda" {
		t.Errorf("removed = %v, want [sdb sda]", b.removed)
	}

	artifacts, err := f.store.ListArtifacts("")
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 1 || artifacts[0].Kind != "remote" || artifacts[0].Path != "remote:vol-sda" {
		t.Errorf("journal = %+v, want only remote:vol-sda", artifacts)
	}
}

func TestRunNullBackendCompressed(t *testing.T) {
	f := newFixture(t, 1)
	opts := defaultOptions(f.work)
	opts.OutputFormat = "qcow2"
	opts.Compressed = true

	_, err := f.converter(null.NewBackend(testLogger())).Run(context.Background(), f.src, opts)
	if !errors.Is(err, model.ErrUser) || !strings.Contains(err.Error(), "null backend") {
		t.Fatalf("expected user error naming the null backend, got %v", err)
	}
	if len(f.fake.Calls()) != 0 {
		t.Error("overlays created before the options were rejected")
	}
	if left := listDir(t, f.work); len(left) != 0 {
		t.Errorf("work dir = %v", left)
	}
}

func TestRunCompressedSourceDeclaredFormat(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(bytes.Repeat([]byte("sector"), 4096))
	zw.Close()

	tests := []struct {
		format   string
		unpacked bool
	}{
		{"raw", false},
		{"gzip", true},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			f := newFixture(t, 0)
			path := filepath.Join(t.TempDir(), "disk.img")
			if err := os.WriteFile(path, buf.Bytes(), 0o444); err != nil {
				t.Fatal(err)
			}
			f.src.Disks = []model.SourceDisk{{ID: 0, Locator: path, Format: tt.format}}

			report, err := f.converter(nil).Run(context.Background(), f.src, defaultOptions(f.work))
			if err != nil {
				t.Fatalf("Run() error: %v", err)
			}

			ov := report.Targets[0].Overlay
			if got := ov.Source.Locator != path; got != tt.unpacked {
				t.Errorf("overlay backed by %s, unpacked = %v, want %v", ov.Source.Locator, got, tt.unpacked)
			}
			want := int64(buf.Len())
			if tt.unpacked {
				want = 6 * 4096
			}
			if ov.VirtualSize != want {
				t.Errorf("VirtualSize = %d, want %d", ov.VirtualSize, want)
			}
		})
	}
}

// allocationRecorder remembers the allocation mode it was given before the
// free space check.
type allocationRecorder struct {
	*local.Backend
	atCheck string
	current string
}

func (b *allocationRecorder) SetAllocation(a string) {
	b.current = a
	b.Backend.SetAllocation(a)
}

func (b *allocationRecorder) CheckTargetFreeSpace(ctx context.Context, src *model.Source, targets []model.Target) error {
	b.atCheck = b.current
	return b.Backend.CheckTargetFreeSpace(ctx, src, targets)
}

func TestRunPassesAllocationToBackend(t *testing.T) {
	f := newFixture(t, 1)
	b := &allocationRecorder{Backend: f.backend}
	opts := defaultOptions(f.work)
	opts.Allocation = config.AllocationPreallocated

	if _, err := f.converter(b).Run(context.Background(), f.src, opts); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if b.atCheck != config.AllocationPreallocated {
		t.Errorf("allocation at free space check = %q", b.atCheck)
	}
}
