package output

import (
	"context"
	"sort"
	"strings"

	"github.com/BadgerOps/v2v/internal/config"
	"github.com/BadgerOps/v2v/internal/model"
)

// DiskCreateOptions controls how a backend allocates a target disk.
type DiskCreateOptions struct {
	// Preallocation is the qemu-img preallocation mode; empty means sparse.
	Preallocation string
	// Compat is the qcow2 compatibility level, ignored for raw.
	Compat string
}

// BackendConfig is an alias for config.BackendConfig so backends only need
// to import this package.
type BackendConfig = config.BackendConfig

// TargetRemover is an optional interface for backends whose targets are not
// plain local files. The pipeline uses it to delete a planned target after
// a failure.
type TargetRemover interface {
	RemoveTarget(target model.Target) error
}

// RemoteDeleter is an optional interface for backends whose targets become
// remote objects once committed. DeleteRemote removes one by its id.
type RemoteDeleter interface {
	DeleteRemote(ctx context.Context, id string) error
}

// CommitNotifier is an optional interface for backends that learn the id of
// a committed remote target before the run finishes. fn is called once per
// committed target.
type CommitNotifier interface {
	OnCommit(fn func(target model.Target, id string))
}

// RemoteRef is the run journal reference of a committed remote object.
func RemoteRef(backend, id string) string {
	return backend + ":" + id
}

// ParseRemoteRef splits a reference made by RemoteRef.
func ParseRemoteRef(ref string) (backend, id string, ok bool) {
	backend, id, ok = strings.Cut(ref, ":")
	return backend, id, ok && backend != "" && id != ""
}

// FormatForcer is an optional interface for backends that write every
// target in one format regardless of the requested output format.
type FormatForcer interface {
	ForcedFormat() string
}

// AllocationAware is an optional interface for backends whose space needs
// depend on the allocation mode of the copy. The pipeline calls
// SetAllocation before CheckTargetFreeSpace.
type AllocationAware interface {
	SetAllocation(allocation string)
}

// NameSetter is an optional interface that backends can implement to allow
// their name to be overridden with the user-chosen config name.
type NameSetter interface {
	SetName(name string)
}

// Backend is where converted disks and guest metadata end up.
type Backend interface {
	// Name returns the backend identifier (e.g., "local", "null")
	Name() string

	// Configure loads backend-specific settings from the unified config
	Configure(cfg BackendConfig) error

	// PrepareTargets fills in the Locator of each target. It must not
	// create anything; it fails if a target would overwrite existing data.
	PrepareTargets(ctx context.Context, src *model.Source, targets []model.Target) ([]model.Target, error)

	// CheckTargetFreeSpace fails if the estimated sizes will not fit.
	CheckTargetFreeSpace(ctx context.Context, src *model.Source, targets []model.Target) error

	// DiskCreate creates an empty disk at target.Locator so that
	// `qemu-img convert -n` can write into it.
	DiskCreate(ctx context.Context, target model.Target, format string, size int64, opts DiskCreateOptions) error

	// CreateMetadata writes the description of the converted guest once
	// every disk has been copied.
	CreateMetadata(ctx context.Context, src *model.Source, targets []model.Target, buses model.TargetBuses, caps model.GuestCaps, firmware model.Firmware) error

	// SupportedFirmware lists the firmware types the target can boot.
	SupportedFirmware() []model.Firmware

	// KeepSerialConsole reports whether the guest's serial console should be
	// kept during conversion.
	KeepSerialConsole() bool
}

// Registry holds all registered backends
type Registry struct {
	backends map[string]Backend
}

// NewRegistry creates a new backend registry
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend to the registry using its Name().
func (r *Registry) Register(b Backend) {
	r.backends[b.Name()] = b
}

// RegisterAs adds a backend under an explicit name, overriding b.Name().
// If the backend implements NameSetter, its internal name is also updated
// so that logs and the run ledger use the config name consistently.
func (r *Registry) RegisterAs(name string, b Backend) {
	if ns, ok := b.(NameSetter); ok {
		ns.SetName(name)
	}
	r.backends[name] = b
}

// Get returns a backend by name
func (r *Registry) Get(name string) (Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// Names returns all registered backend names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SupportsFirmware reports whether fw is in b's supported list.
func SupportsFirmware(b Backend, fw model.Firmware) bool {
	for _, f := range b.SupportedFirmware() {
		if f == fw {
			return true
		}
	}
	return false
}
