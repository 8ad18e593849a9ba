package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/v2v/internal/cleanup"
	"github.com/BadgerOps/v2v/internal/output"
	"github.com/BadgerOps/v2v/internal/store"
	"github.com/BadgerOps/v2v/internal/supervise"
)

var cleanupDryRun bool

// processAlive is swapped out in tests.
var processAlive = supervise.Alive

func newCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove overlays and targets left behind by interrupted runs",
		Long: `Remove the files recorded in the run journal by runs that did not get
to clean up after themselves, for example because the process was killed.

Disks committed to a remote store by the upload backend are deleted with its
configured delete_helper.

Files that belong to a run whose process is still alive are left alone. Runs
that were still marked running but whose process is gone are marked failed.`,
		Example: `  v2v cleanup --dry-run
  v2v cleanup`,
		Args: cobra.NoArgs,
		RunE: cleanupRun,
	}

	cmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "list stale files without removing them")

	return cmd
}

func cleanupRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	artifacts, err := globalStore.ListArtifacts("")
	if err != nil {
		return fmt.Errorf("listing artifacts: %w", err)
	}

	var stale []store.Artifact
	for _, a := range artifacts {
		if isStale(a) {
			stale = append(stale, a)
		}
	}

	if len(stale) == 0 {
		fmt.Println("Nothing to clean up.")
		return markInterruptedRuns(log)
	}

	fmt.Printf("%-36s %-8s %s\n", "Run", "Kind", "Path")
	fmt.Println(strings.Repeat("-", 90))
	for _, a := range stale {
		fmt.Printf("%-36s %-8s %s\n", a.RunID, a.Kind, a.Path)
	}
	fmt.Println("")

	if cleanupDryRun {
		fmt.Printf("%d file(s) would be removed\n", len(stale))
		return nil
	}

	ctx := context.Background()
	if cmd != nil && cmd.Context() != nil {
		ctx = cmd.Context()
	}

	var result *multierror.Error
	removed := 0
	for _, a := range stale {
		if err := removeArtifact(ctx, a); err != nil {
			log.Error("failed to remove artifact", "run_id", a.RunID, "path", a.Path, "error", err)
			result = multierror.Append(result, fmt.Errorf("removing %s: %w", a.Path, err))
			continue
		}
		if err := globalStore.ForgetArtifact(a.RunID, a.Path); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		removed++
	}
	fmt.Printf("%d file(s) removed\n", removed)

	if err := markInterruptedRuns(log); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// removeArtifact deletes a journaled file, or a remote disk through the
// backend that committed it.
func removeArtifact(ctx context.Context, a store.Artifact) error {
	if a.Kind != string(cleanup.KindRemote) {
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	name, id, ok := output.ParseRemoteRef(a.Path)
	if !ok {
		return fmt.Errorf("malformed remote reference %q", a.Path)
	}
	if globalBackends == nil {
		return fmt.Errorf("backends not initialized")
	}
	b, ok := globalBackends.Get(name)
	if !ok {
		return fmt.Errorf("unknown backend %q", name)
	}
	d, ok := b.(output.RemoteDeleter)
	if !ok {
		return fmt.Errorf("backend %s cannot delete remote disks", name)
	}
	return d.DeleteRemote(ctx, id)
}

// isStale reports whether an artifact's owner can no longer remove it.
func isStale(a store.Artifact) bool {
	if a.RunStatus != store.StatusRunning {
		return true
	}
	return !processAlive(a.RunPID)
}

// markInterruptedRuns fails runs still marked running whose process is gone.
func markInterruptedRuns(log *slog.Logger) error {
	if cleanupDryRun {
		return nil
	}
	runs, err := globalStore.ListRuns("", 0)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	for i := range runs {
		r := &runs[i]
		if r.Status != store.StatusRunning || processAlive(r.PID) {
			continue
		}
		r.Status = store.StatusFailed
		r.ErrorMessage = "interrupted"
		r.EndTime = time.Now()
		if err := globalStore.UpdateRun(r); err != nil {
			return err
		}
		log.Info("marked interrupted run as failed", "run_id", r.RunID, "pid", r.PID)
	}
	return nil
}
