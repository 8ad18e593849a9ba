package model

// SlotKind tells what occupies a bus slot.
type SlotKind int

const (
	SlotEmpty SlotKind = iota
	SlotDisk
	SlotRemovable
)

// BusSlot is one position on a target bus.
type BusSlot struct {
	Kind      SlotKind
	Disk      *Target
	Removable *Removable
}

// Empty reports whether nothing occupies the slot.
func (s BusSlot) Empty() bool { return s.Kind == SlotEmpty }

// TargetBuses is the device layout handed to metadata generation. Each array
// ends at its highest occupied index.
type TargetBuses struct {
	VirtioBlk []BusSlot
	IDE       []BusSlot
	SCSI      []BusSlot
	Floppy    []BusSlot
}
