package output

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/v2v/internal/model"
)

// Metadata is the guest description written by file-based backends.
type Metadata struct {
	Name       string          `yaml:"name"`
	SourceHV   string          `yaml:"source_hypervisor,omitempty"`
	Memory     int64           `yaml:"memory,omitempty"`
	VCPUs      int             `yaml:"vcpus,omitempty"`
	Firmware   model.Firmware  `yaml:"firmware"`
	Caps       model.GuestCaps `yaml:"caps"`
	Disks      []MetadataDisk  `yaml:"disks"`
	Removables []MetadataMedia `yaml:"removables,omitempty"`
}

// MetadataDisk is one fixed disk and where it sits on the target.
type MetadataDisk struct {
	Bus           string `yaml:"bus"`
	Slot          int    `yaml:"slot"`
	Device        string `yaml:"device"`
	Locator       string `yaml:"locator"`
	Format        string `yaml:"format"`
	VirtualSize   int64  `yaml:"virtual_size"`
	EstimatedSize int64  `yaml:"estimated_size,omitempty"`
	ActualSize    int64  `yaml:"actual_size,omitempty"`
	SourceID      int    `yaml:"source_id"`
	UploadID      string `yaml:"upload_id,omitempty"`
}

// MetadataMedia is one removable drive on the target.
type MetadataMedia struct {
	Type model.RemovableType `yaml:"type"`
	Bus  string              `yaml:"bus"`
	Slot int                 `yaml:"slot"`
}

// BuildMetadata walks the bus layout in a fixed order (virtio-blk, ide,
// scsi, floppy) so the document is stable for identical layouts.
func BuildMetadata(src *model.Source, buses model.TargetBuses, caps model.GuestCaps, firmware model.Firmware) Metadata {
	md := Metadata{
		Name:     src.Name,
		SourceHV: src.Hypervisor,
		Memory:   src.MemoryBytes,
		VCPUs:    src.VCPUs,
		Firmware: firmware,
		Caps:     caps,
	}

	walk := func(bus string, slots []model.BusSlot) {
		for i, s := range slots {
			switch s.Kind {
			case model.SlotDisk:
				md.Disks = append(md.Disks, MetadataDisk{
					Bus:           bus,
					Slot:          i,
					Device:        s.Disk.Overlay.Device,
					Locator:       s.Disk.Locator,
					Format:        s.Disk.Format,
					VirtualSize:   s.Disk.Overlay.VirtualSize,
					EstimatedSize: s.Disk.EstimatedSize,
					ActualSize:    s.Disk.ActualSize,
					SourceID:      s.Disk.Overlay.Source.ID,
				})
			case model.SlotRemovable:
				md.Removables = append(md.Removables, MetadataMedia{Type: s.Removable.Type, Bus: bus, Slot: i})
			}
		}
	}
	walk("virtio-blk", buses.VirtioBlk)
	walk("ide", buses.IDE)
	walk("scsi", buses.SCSI)
	walk("floppy", buses.Floppy)
	return md
}

// WriteMetadata writes md as YAML to path via a temporary file and rename, so
// a crash never leaves a truncated document behind.
func WriteMetadata(path string, md Metadata) error {
	data, err := yaml.Marshal(md)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".v2v-meta-*")
	if err != nil {
		return fmt.Errorf("creating metadata file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("installing metadata %s: %w", path, err)
	}
	return nil
}

// ReadMetadata loads a document written by WriteMetadata.
func ReadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	var md Metadata
	if err := yaml.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parsing metadata %s: %w", path, err)
	}
	return &md, nil
}
