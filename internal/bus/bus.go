// Package bus lays out fixed disks and removable media on the target's
// virtual buses.
//
// Fixed disks keep their order on whichever bus the converted guest can
// drive. Removable media go to IDE (CD-ROMs) or the floppy bus regardless of
// that choice. This does not model legacy floppy addressing and never puts
// CD-ROMs on SCSI even when the disks are there; both are known limitations.
package bus

import (
	"fmt"

	"github.com/BadgerOps/v2v/internal/model"
)

// Warning reports a removable device that could not keep its original slot.
type Warning struct {
	Type         model.RemovableType
	OriginalSlot int
	NewSlot      int
}

func (w Warning) String() string {
	return fmt.Sprintf("%s at original slot %d was moved to slot %d; it may appear under a different device name in the guest",
		w.Type, w.OriginalSlot, w.NewSlot)
}

// Assign computes the bus layout. Identical inputs give identical layouts.
// The returned error is only ever an internal invariant violation.
func Assign(src *model.Source, targets []model.Target, caps model.GuestCaps) (model.TargetBuses, []Warning, error) {
	var b builder

	fixed, err := b.fixedBus(caps.BlockBus)
	if err != nil {
		return model.TargetBuses{}, nil, err
	}
	for i := range targets {
		t := targets[i]
		if err := fixed.insert(i, model.BusSlot{Kind: model.SlotDisk, Disk: &t}); err != nil {
			return model.TargetBuses{}, nil, err
		}
	}

	// Devices that remember a slot go first so they are more likely to get
	// it; a moved CD-ROM changes its drive letter inside the guest.
	var withSlot, withoutSlot []int
	for i, r := range src.Removables {
		if r.Slot != nil {
			withSlot = append(withSlot, i)
		} else {
			withoutSlot = append(withoutSlot, i)
		}
	}

	for _, i := range append(withSlot, withoutSlot...) {
		r := src.Removables[i]
		arr := b.removableBus(r.Type)

		desired := 0
		if r.Slot != nil {
			desired = *r.Slot
		}
		slot, err := arr.insertFirstFit(desired, model.BusSlot{Kind: model.SlotRemovable, Removable: &r})
		if err != nil {
			return model.TargetBuses{}, nil, err
		}
		if r.Slot != nil && slot != desired {
			b.warnings = append(b.warnings, Warning{Type: r.Type, OriginalSlot: desired, NewSlot: slot})
		}
	}

	return b.buses(), b.warnings, nil
}

// builder owns the bus arrays while they are being filled in.
type builder struct {
	virtioBlk slots
	ide       slots
	scsi      slots
	floppy    slots
	warnings  []Warning
}

func (b *builder) fixedBus(bus model.BlockBus) (*slots, error) {
	switch bus {
	case model.BlockVirtioBlk:
		return &b.virtioBlk, nil
	case model.BlockIDE:
		return &b.ide, nil
	case model.BlockVirtioSCSI:
		return &b.scsi, nil
	}
	return nil, fmt.Errorf("%w: unknown block bus %q in guest capabilities", model.ErrInternal, bus)
}

func (b *builder) removableBus(t model.RemovableType) *slots {
	if t == model.Floppy {
		return &b.floppy
	}
	return &b.ide
}

func (b *builder) buses() model.TargetBuses {
	return model.TargetBuses{
		VirtioBlk: b.virtioBlk.trimmed(),
		IDE:       b.ide.trimmed(),
		SCSI:      b.scsi.trimmed(),
		Floppy:    b.floppy.trimmed(),
	}
}

type slots []model.BusSlot

// insert places v at exactly index i, growing with empty slots as needed.
func (s *slots) insert(i int, v model.BusSlot) error {
	if i < 0 {
		return fmt.Errorf("%w: negative bus slot %d", model.ErrInternal, i)
	}
	for len(*s) <= i {
		*s = append(*s, model.BusSlot{})
	}
	if !(*s)[i].Empty() {
		return fmt.Errorf("%w: bus slot %d is already occupied", model.ErrInternal, i)
	}
	(*s)[i] = v
	return nil
}

// insertFirstFit places v at the first empty index >= from and returns it.
func (s *slots) insertFirstFit(from int, v model.BusSlot) (int, error) {
	if from < 0 {
		from = 0
	}
	i := from
	for i < len(*s) && !(*s)[i].Empty() {
		i++
	}
	return i, s.insert(i, v)
}

// trimmed copies s without trailing empty slots.
func (s slots) trimmed() []model.BusSlot {
	n := len(s)
	for n > 0 && s[n-1].Empty() {
		n--
	}
	if n == 0 {
		return nil
	}
	out := make([]model.BusSlot, n)
	copy(out, s[:n])
	return out
}
