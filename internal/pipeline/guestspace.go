package pipeline

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/v2v/internal/model"
)

// Free space conversion needs inside the guest, per mountpoint.
const (
	rootFreeMin    = 20 * 1000 * 1000
	bootFreeMin    = 50 * 1000 * 1000
	defaultFreeMin = 10 * 1000 * 1000
)

func requiredFree(mountpoint string) uint64 {
	switch mountpoint {
	case "/":
		return rootFreeMin
	case "/boot":
		return bootFreeMin
	}
	return defaultFreeMin
}

// checkGuestFreeSpace fails if a guest filesystem is too full for the
// conversion to install drivers and rebuild the initrd. Filesystems that
// report no size are skipped.
func checkGuestFreeSpace(mountpoints []model.MountpointStat) error {
	for _, mp := range mountpoints {
		if mp.Size() == 0 {
			continue
		}
		need := requiredFree(mp.Path)
		if free := mp.Free(); free < need {
			return fmt.Errorf("%w: not enough free space for conversion on filesystem %s: %s free, at least %s needed",
				model.ErrUser, mp, humanize.Bytes(free), humanize.Bytes(need))
		}
	}
	return nil
}
