package model

import "fmt"

// Controller is the kind of bus a source device was attached to.
type Controller string

const (
	ControllerNone       Controller = ""
	ControllerIDE        Controller = "ide"
	ControllerSATA       Controller = "sata"
	ControllerSCSI       Controller = "scsi"
	ControllerVirtioBlk  Controller = "virtio-blk"
	ControllerVirtioSCSI Controller = "virtio-scsi"
)

// Valid reports whether c is a known controller kind. The empty value means
// "not recorded" and is valid.
func (c Controller) Valid() bool {
	switch c {
	case ControllerNone, ControllerIDE, ControllerSATA, ControllerSCSI,
		ControllerVirtioBlk, ControllerVirtioSCSI:
		return true
	}
	return false
}

// RemovableType distinguishes CD-ROM drives from floppy drives.
type RemovableType string

const (
	CDROM  RemovableType = "cdrom"
	Floppy RemovableType = "floppy"
)

// Firmware is the boot firmware of a guest.
type Firmware string

const (
	FirmwareUnknown Firmware = ""
	FirmwareBIOS    Firmware = "bios"
	FirmwareUEFI    Firmware = "uefi"
)

func (f Firmware) String() string {
	if f == FirmwareUnknown {
		return "unknown"
	}
	return string(f)
}

// SourceDisk is a fixed disk as read from the source metadata.
type SourceDisk struct {
	ID         int        `yaml:"id" json:"id"`
	Locator    string     `yaml:"locator" json:"locator"`
	Format     string     `yaml:"format,omitempty" json:"format,omitempty"`
	Controller Controller `yaml:"controller,omitempty" json:"controller,omitempty"`
}

// Removable is a CD-ROM or floppy drive. Slot is the original index on its
// controller, if the source recorded one.
type Removable struct {
	Type       RemovableType `yaml:"type" json:"type"`
	Controller Controller    `yaml:"controller,omitempty" json:"controller,omitempty"`
	Slot       *int          `yaml:"slot,omitempty" json:"slot,omitempty"`
}

func (r Removable) String() string {
	if r.Slot == nil {
		return string(r.Type)
	}
	return fmt.Sprintf("%s (slot %d)", r.Type, *r.Slot)
}

// Source describes the guest being converted.
type Source struct {
	Name        string       `yaml:"name" json:"name"`
	Hypervisor  string       `yaml:"hypervisor,omitempty" json:"hypervisor,omitempty"`
	MemoryBytes int64        `yaml:"memory,omitempty" json:"memory,omitempty"`
	VCPUs       int          `yaml:"vcpus,omitempty" json:"vcpus,omitempty"`
	Firmware    Firmware     `yaml:"firmware,omitempty" json:"firmware,omitempty"`
	Disks       []SourceDisk `yaml:"disks" json:"disks"`
	Removables  []Removable  `yaml:"removables,omitempty" json:"removables,omitempty"`
}
