// Package cleanup tracks artifacts that must be removed if a conversion does
// not complete: overlay files, target files and backend resources.
//
// Entries are run in reverse registration order. A revoked entry is never
// run. The pipeline runs the registry from its deferred error path when a
// conversion fails or its context is cancelled. The registry is safe for
// concurrent use.
package cleanup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Kind labels an entry for logs and the run journal.
type Kind string

const (
	KindOverlay Kind = "overlay"
	KindTarget  Kind = "target"
	KindRemote  Kind = "remote"
	KindOther   Kind = "other"
)

// Handle identifies a registered entry.
type Handle int

// Journal persists registrations so that artifacts of a killed process can be
// found again. The store implements it.
type Journal interface {
	RecordArtifact(runID string, kind, path string) error
	ForgetArtifact(runID string, path string) error
}

type entry struct {
	kind    Kind
	desc    string
	path    string
	ref     string // journal key; the path for files
	fn      func() error
	revoked bool
	done    bool
}

// Registry holds pending cleanup actions for one run.
type Registry struct {
	mu      sync.Mutex
	runID   string
	entries []*entry
	journal Journal
	logger  *slog.Logger
}

// New creates an empty registry. journal may be nil.
func New(runID string, journal Journal, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		runID:   runID,
		journal: journal,
		logger:  logger,
	}
}

// RegisterPath schedules removal of a local file.
func (r *Registry) RegisterPath(kind Kind, path string) Handle {
	return r.register(&entry{
		kind: kind,
		desc: path,
		path: path,
		ref:  path,
		fn:   func() error { return removeFile(path) },
	})
}

// RegisterFunc schedules an arbitrary action, e.g. deleting a remote volume.
func (r *Registry) RegisterFunc(kind Kind, desc string, fn func() error) Handle {
	return r.register(&entry{kind: kind, desc: desc, fn: fn})
}

func (r *Registry) register(e *entry) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, e)
	r.record(e.kind, e.ref)
	r.logger.Debug("registered for cleanup", "kind", e.kind, "what", e.desc)
	return Handle(len(r.entries) - 1)
}

// Journal records ref for an existing entry, e.g. the id of a remote disk
// that only exists once an upload commits. The reference is forgotten when
// the entry runs successfully or is revoked.
func (r *Registry) Journal(h Handle, kind Kind, ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if int(h) < 0 || int(h) >= len(r.entries) || ref == "" {
		return
	}
	e := r.entries[h]
	if e.revoked || e.done || e.ref != "" {
		return
	}
	e.ref = ref
	r.record(kind, ref)
}

// record must be called with r.mu held.
func (r *Registry) record(kind Kind, ref string) {
	if r.journal == nil || ref == "" {
		return
	}
	if err := r.journal.RecordArtifact(r.runID, string(kind), ref); err != nil {
		r.logger.Warn("failed to journal artifact", "ref", ref, "error", err)
	}
}

// Revoke cancels a registration. The artifact is kept.
func (r *Registry) Revoke(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if int(h) < 0 || int(h) >= len(r.entries) {
		return
	}
	e := r.entries[h]
	if e.revoked || e.done {
		return
	}
	e.revoked = true
	r.forget(e)
}

// Pending returns the number of entries that would run.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if !e.revoked && !e.done {
			n++
		}
	}
	return n
}

// Run executes every pending entry, newest first. Entries run at most once.
// All failures are collected; Run never stops early.
func (r *Registry) Run() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result *multierror.Error
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if e.revoked || e.done {
			continue
		}
		e.done = true
		if err := e.fn(); err != nil {
			r.logger.Warn("cleanup failed", "kind", e.kind, "what", e.desc, "error", err)
			result = multierror.Append(result, fmt.Errorf("removing %s %s: %w", e.kind, e.desc, err))
			continue
		}
		r.logger.Debug("cleaned up", "kind", e.kind, "what", e.desc)
		r.forget(e)
	}
	return result.ErrorOrNil()
}

// forget must be called with r.mu held.
func (r *Registry) forget(e *entry) {
	if r.journal == nil || e.ref == "" {
		return
	}
	if err := r.journal.ForgetArtifact(r.runID, e.ref); err != nil {
		r.logger.Warn("failed to update artifact journal", "ref", e.ref, "error", err)
	}
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
