// Package source reads the description of the guest to convert.
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/v2v/internal/model"
	"github.com/BadgerOps/v2v/internal/safety"
)

// Load reads a YAML source descriptor. Relative disk locators are resolved
// against the descriptor's directory.
func Load(path string) (*model.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading source descriptor: %v", model.ErrUser, err)
	}

	var src model.Source
	if err := yaml.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("%w: parsing source descriptor %s: %v", model.ErrUser, path, err)
	}

	base := filepath.Dir(path)
	for i := range src.Disks {
		loc := src.Disks[i].Locator
		if loc != "" && !filepath.IsAbs(loc) && !strings.Contains(loc, "://") {
			src.Disks[i].Locator = filepath.Join(base, loc)
		}
	}

	if err := Validate(&src); err != nil {
		return nil, err
	}
	return &src, nil
}

// FromDisks builds a source from bare disk images, numbered in order. The
// guest name defaults to the first image's base name without extension.
func FromDisks(name string, paths []string) (*model.Source, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no disks given", model.ErrUser)
	}
	if name == "" {
		base := filepath.Base(paths[0])
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	src := &model.Source{Name: name, Hypervisor: "disk"}
	for i, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("%w: disk %s: %v", model.ErrUser, p, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("%w: disk %s: %v", model.ErrUser, p, err)
		}
		src.Disks = append(src.Disks, model.SourceDisk{ID: i, Locator: abs})
	}

	if err := Validate(src); err != nil {
		return nil, err
	}
	return src, nil
}

// Validate checks the parts of a source the pipeline relies on. An empty
// disk list is accepted here and rejected when conversion starts.
func Validate(src *model.Source) error {
	if err := safety.ValidateName(src.Name); err != nil {
		return fmt.Errorf("%w: guest name: %v", model.ErrUser, err)
	}
	if src.MemoryBytes < 0 || src.VCPUs < 0 {
		return fmt.Errorf("%w: memory and vcpus must not be negative", model.ErrUser)
	}
	switch src.Firmware {
	case model.FirmwareUnknown, model.FirmwareBIOS, model.FirmwareUEFI:
	default:
		return fmt.Errorf("%w: unknown firmware %q", model.ErrUser, src.Firmware)
	}

	seen := make(map[int]bool, len(src.Disks))
	for _, d := range src.Disks {
		if d.Locator == "" {
			return fmt.Errorf("%w: disk %d has no locator", model.ErrUser, d.ID)
		}
		if seen[d.ID] {
			return fmt.Errorf("%w: duplicate disk id %d", model.ErrUser, d.ID)
		}
		seen[d.ID] = true
		if !d.Controller.Valid() {
			return fmt.Errorf("%w: disk %d: unknown controller %q", model.ErrUser, d.ID, d.Controller)
		}
	}

	for i, r := range src.Removables {
		switch r.Type {
		case model.CDROM, model.Floppy:
		default:
			return fmt.Errorf("%w: removable %d: unknown type %q", model.ErrUser, i, r.Type)
		}
		if !r.Controller.Valid() {
			return fmt.Errorf("%w: removable %d: unknown controller %q", model.ErrUser, i, r.Controller)
		}
		if r.Slot != nil && *r.Slot < 0 {
			return fmt.Errorf("%w: removable %d: negative slot", model.ErrUser, i)
		}
	}
	return nil
}
