// Package estimate guesses how large each converted disk will be.
//
// The guess assumes the guest will trim free space in filesystems that
// support it, and that the saving is spread across disks in proportion to
// their virtual size. It is used for logging and for the output backend's
// free-space check; it never rejects a disk.
package estimate

import (
	"math"

	"github.com/BadgerOps/v2v/internal/model"
)

// trimmable lists filesystems where fstrim reliably releases free blocks.
// NTFS and everything else count as zero savings.
var trimmable = map[string]bool{
	"ext2": true,
	"ext3": true,
	"ext4": true,
	"xfs":  true,
}

// Targets returns a copy of targets with EstimatedSize filled in. It reads
// nothing but its arguments.
func Targets(mountpoints []model.MountpointStat, targets []model.Target) []model.Target {
	out := make([]model.Target, len(targets))
	copy(out, targets)

	var fsTotal float64
	var recoverable float64
	for _, mp := range mountpoints {
		fsTotal += float64(mp.Size())
		if trimmable[mp.VFSType] {
			recoverable += float64(mp.Free())
		}
	}

	var srcTotal int64
	for _, t := range targets {
		srcTotal += t.Overlay.VirtualSize
	}
	if srcTotal == 0 {
		return out
	}

	// Fraction of the virtual disks that is actually backed by a filesystem.
	ratio := fsTotal / float64(srcTotal)
	scaledSaving := recoverable * ratio

	for i := range out {
		vsize := out[i].Overlay.VirtualSize
		proportion := float64(vsize) / float64(srcTotal)
		saving := int64(math.Round(proportion * scaledSaving))
		out[i].EstimatedSize = clamp(vsize-saving, 0, vsize)
	}
	return out
}

// Trimmable reports whether free space on vfsType counts towards the saving.
func Trimmable(vfsType string) bool { return trimmable[vfsType] }

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
