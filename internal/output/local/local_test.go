package local

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BadgerOps/v2v/internal/config"
	"github.com/BadgerOps/v2v/internal/fsstat"
	"github.com/BadgerOps/v2v/internal/model"
	"github.com/BadgerOps/v2v/internal/output"
	"github.com/BadgerOps/v2v/internal/qemuimg"
	"github.com/BadgerOps/v2v/internal/qemuimg/qemuimgtest"
)

var _ output.AllocationAware = (*Backend)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBackend(t *testing.T) (*Backend, *qemuimgtest.Fake, string) {
	t.Helper()
	fake := qemuimgtest.New()
	b := NewBackend(qemuimg.New("qemu-img", fake.Run, testLogger()), testLogger())
	dir := t.TempDir()
	b.SetOutputDir(dir)
	return b, fake, dir
}

func planned(n int) []model.Target {
	out := make([]model.Target, n)
	for i := range out {
		out[i] = model.Target{
			Format:  "raw",
			Overlay: model.Overlay{Device: model.DeviceName("sd", i), VirtualSize: 1 << 30},
		}
	}
	return out
}

func TestConfigure(t *testing.T) {
	b := NewBackend(nil, nil)
	err := b.Configure(output.BackendConfig{"output_dir": "/srv/vms", "reserve": "2GiB"})
	if err != nil {
		t.Fatalf("Configure() error: %v", err)
	}
	if b.OutputDir() != "/srv/vms" {
		t.Errorf("OutputDir() = %q", b.OutputDir())
	}
	if b.reserve != 2<<30 {
		t.Errorf("reserve = %d", b.reserve)
	}

	if err := b.Configure(output.BackendConfig{"reserve": "lots"}); err == nil {
		t.Error("Configure() accepted a bad reserve")
	}
}

func TestPrepareTargets(t *testing.T) {
	b, _, dir := newTestBackend(t)
	src := &model.Source{Name: "fedora"}

	targets, err := b.PrepareTargets(context.Background(), src, planned(2))
	if err != nil {
		t.Fatalf("PrepareTargets() error: %v", err)
	}
	if targets[0].Locator != filepath.Join(dir, "fedora-sda") || targets[1].Locator != filepath.Join(dir, "fedora-sdb") {
		t.Errorf("locators = %s, %s", targets[0].Locator, targets[1].Locator)
	}
	if targets[1].Overlay.Device != "sdb" {
		t.Error("overlay not carried over")
	}

	// Nothing is created at this stage.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("PrepareTargets created files: %v", entries)
	}
}

func TestPrepareTargetsCollision(t *testing.T) {
	tests := []struct {
		name     string
		existing string
	}{
		{"disk", "fedora-sdb"},
		{"metadata", "fedora.yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _, dir := newTestBackend(t)
			if err := os.WriteFile(filepath.Join(dir, tt.existing), []byte("x"), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := b.PrepareTargets(context.Background(), &model.Source{Name: "fedora"}, planned(2))
			if !errors.Is(err, model.ErrUser) {
				t.Fatalf("expected user error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.existing) {
				t.Errorf("error does not name the file: %v", err)
			}
		})
	}
}

func TestPrepareTargetsBadInput(t *testing.T) {
	b, _, dir := newTestBackend(t)

	if _, err := b.PrepareTargets(context.Background(), &model.Source{Name: "../etc"}, planned(1)); !errors.Is(err, model.ErrUser) {
		t.Errorf("unsafe name: expected user error, got %v", err)
	}

	b.SetOutputDir(filepath.Join(dir, "missing"))
	if _, err := b.PrepareTargets(context.Background(), &model.Source{Name: "g"}, planned(1)); !errors.Is(err, model.ErrUser) {
		t.Errorf("missing dir: expected user error, got %v", err)
	}

	b.SetOutputDir("")
	if _, err := b.PrepareTargets(context.Background(), &model.Source{Name: "g"}, planned(1)); !errors.Is(err, model.ErrUser) {
		t.Errorf("no dir: expected user error, got %v", err)
	}
}

func TestCheckTargetFreeSpace(t *testing.T) {
	tests := []struct {
		name      string
		available uint64
		reserve   int64
		wantErr   bool
	}{
		{"plenty", 10 << 30, 0, false},
		{"exact", 3 << 30, 1 << 30, false},
		{"short", 2 << 30, 0, true},
		{"reserve tips it over", 3 << 30, 2 << 30, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _, _ := newTestBackend(t)
			b.reserve = tt.reserve
			b.statfs = func(string) (fsstat.Info, error) {
				return fsstat.Info{Total: 100 << 30, Available: tt.available}, nil
			}
			targets := planned(2)
			targets[0].EstimatedSize = 1 << 30
			targets[1].EstimatedSize = 1 << 30

			err := b.CheckTargetFreeSpace(context.Background(), &model.Source{Name: "g"}, targets)
			if tt.wantErr {
				if !errors.Is(err, model.ErrUser) {
					t.Errorf("expected user error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestCheckTargetFreeSpacePreallocated(t *testing.T) {
	tests := []struct {
		allocation string
		wantErr    bool
	}{
		{config.AllocationSparse, false},
		{config.AllocationPreallocated, true},
	}

	for _, tt := range tests {
		t.Run(tt.allocation, func(t *testing.T) {
			b, _, _ := newTestBackend(t)
			b.SetAllocation(tt.allocation)
			b.statfs = func(string) (fsstat.Info, error) {
				return fsstat.Info{Total: 100 << 30, Available: 1 << 30}, nil
			}
			// 2 GiB of virtual disk holding 512 MiB of data.
			targets := planned(2)
			targets[0].EstimatedSize = 256 << 20
			targets[1].EstimatedSize = 256 << 20

			err := b.CheckTargetFreeSpace(context.Background(), &model.Source{Name: "g"}, targets)
			if tt.wantErr {
				if !errors.Is(err, model.ErrUser) || !strings.Contains(err.Error(), "2.0 GiB") {
					t.Errorf("expected user error asking for 2.0 GiB, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestCheckTargetFreeSpaceRealDir(t *testing.T) {
	b, _, _ := newTestBackend(t)
	if err := b.CheckTargetFreeSpace(context.Background(), &model.Source{Name: "g"}, planned(1)); err != nil {
		t.Errorf("zero estimates should fit anywhere: %v", err)
	}
}

func TestDiskCreate(t *testing.T) {
	b, fake, dir := newTestBackend(t)
	target := model.Target{Locator: filepath.Join(dir, "g-sda"), Format: "qcow2"}

	err := b.DiskCreate(context.Background(), target, "qcow2", 1<<30, output.DiskCreateOptions{Preallocation: "metadata", Compat: "1.1"})
	if err != nil {
		t.Fatalf("DiskCreate() error: %v", err)
	}
	img, ok := fake.Image(target.Locator)
	if !ok || img.Format != "qcow2" || img.VirtualSize != 1<<30 {
		t.Errorf("created image = %+v", img)
	}
	got := strings.Join(fake.CallsTo("create")[0], " ")
	if !strings.Contains(got, "preallocation=metadata,compat=1.1") {
		t.Errorf("create args = %s", got)
	}
}

func TestCreateMetadata(t *testing.T) {
	b, _, dir := newTestBackend(t)
	src := &model.Source{Name: "g"}
	disk := &model.Target{Locator: filepath.Join(dir, "g-sda"), Format: "raw", Overlay: model.Overlay{Device: "sda"}}
	buses := model.TargetBuses{VirtioBlk: []model.BusSlot{{Kind: model.SlotDisk, Disk: disk}}}

	err := b.CreateMetadata(context.Background(), src, []model.Target{*disk}, buses, model.GuestCaps{BlockBus: model.BlockVirtioBlk}, model.FirmwareBIOS)
	if err != nil {
		t.Fatalf("CreateMetadata() error: %v", err)
	}

	path, _ := b.MetadataPath(src)
	md, err := output.ReadMetadata(path)
	if err != nil {
		t.Fatal(err)
	}
	if md.Firmware != model.FirmwareBIOS || len(md.Disks) != 1 || md.Disks[0].Locator != disk.Locator {
		t.Errorf("metadata = %+v", md)
	}
}
