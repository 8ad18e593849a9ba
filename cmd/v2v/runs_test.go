package main

import (
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/v2v/internal/store"
)

func mustCreateRun(t *testing.T, st *store.Store, runID, source, status string, pid int, start time.Time) *store.ConversionRun {
	t.Helper()
	run := &store.ConversionRun{
		RunID:        runID,
		SourceName:   source,
		Backend:      "local",
		OutputFormat: "raw",
		PID:          pid,
		StartTime:    start,
		Status:       status,
	}
	if err := st.CreateRun(run); err != nil {
		t.Fatalf("CreateRun(%s) failed: %v", runID, err)
	}
	return run
}

func useStore(t *testing.T, st *store.Store) {
	t.Helper()
	orig := globalStore
	globalStore = st
	t.Cleanup(func() { globalStore = orig })
}

func TestRunsListRun_Empty(t *testing.T) {
	useStore(t, newTestStore(t))
	runsSource, runsLimit = "", 20

	out := captureStdout(t, func() {
		if err := runsListRun(nil, nil); err != nil {
			t.Fatalf("runsListRun returned error: %v", err)
		}
	})

	if !strings.Contains(out, "No conversion runs recorded.") {
		t.Fatalf("expected empty message, got: %s", out)
	}
}

func TestRunsListRun_FiltersBySource(t *testing.T) {
	st := newTestStore(t)
	useStore(t, st)
	now := time.Now()
	mustCreateRun(t, st, "run-web", "web01", store.StatusSuccess, 1, now.Add(-time.Hour))
	mustCreateRun(t, st, "run-db", "db01", store.StatusFailed, 1, now)

	runsSource, runsLimit = "web01", 20
	t.Cleanup(func() { runsSource = "" })

	out := captureStdout(t, func() {
		if err := runsListRun(nil, nil); err != nil {
			t.Fatalf("runsListRun returned error: %v", err)
		}
	})

	if !strings.Contains(out, "run-web") || !strings.Contains(out, "success") {
		t.Fatalf("expected web01 run in output, got: %s", out)
	}
	if strings.Contains(out, "run-db") {
		t.Fatalf("db01 run should be filtered out, got: %s", out)
	}
}

func TestRunsShowRun(t *testing.T) {
	st := newTestStore(t)
	useStore(t, st)
	run := mustCreateRun(t, st, "run-1", "web01", store.StatusRunning, 1, time.Now().Add(-time.Minute))
	run.Status = store.StatusSuccess
	run.Firmware = "uefi"
	run.EndTime = time.Now()
	run.Disks = 2
	if err := st.UpdateRun(run); err != nil {
		t.Fatal(err)
	}
	disks := []store.RunDisk{
		{Device: "sda", Locator: "/out/web01-sda", Format: "raw", VirtualSize: 10 << 30, EstimatedSize: 3 << 30, ActualSize: 2 << 30},
		{Device: "sdb", SourceID: 1, Locator: "/out/web01-sdb", Format: "raw", VirtualSize: 1 << 30, EstimatedSize: 1 << 20},
	}
	if err := st.ReplaceRunDisks("run-1", disks); err != nil {
		t.Fatal(err)
	}

	out := captureStdout(t, func() {
		if err := runsShowRun(nil, []string{"run-1"}); err != nil {
			t.Fatalf("runsShowRun returned error: %v", err)
		}
	})

	for _, want := range []string{"web01", "uefi", "success", "10 GiB", "3.0 GiB", "2.0 GiB", "/out/web01-sdb"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunsShowRun_NotFound(t *testing.T) {
	useStore(t, newTestStore(t))
	if err := runsShowRun(nil, []string{"missing"}); err == nil {
		t.Fatal("expected error for unknown run")
	}
}
