package model

import "fmt"

// Overlay is a temporary qcow2 file layered over one SourceDisk. All writes
// made during conversion land here.
type Overlay struct {
	Path        string
	Source      SourceDisk
	VirtualSize int64
	Device      string
}

// Target is the planned destination of one overlay.
type Target struct {
	// Locator is a file path or an opaque URI understood by qemu-img.
	Locator string
	Format  string

	// EstimatedSize and ActualSize are informational; zero means unknown.
	EstimatedSize int64
	ActualSize    int64

	Overlay Overlay
}

// DeviceName returns the Linux-style name for the disk at index i on a bus
// with the given prefix: 0 -> "sda", 25 -> "sdz", 26 -> "sdaa".
func DeviceName(prefix string, i int) string {
	const base = 26
	name := ""
	for i >= 0 {
		name = string(rune('a'+i%base)) + name
		i = i/base - 1
	}
	return prefix + name
}

// MountpointStat is a statvfs snapshot of one filesystem inside the guest.
type MountpointStat struct {
	Device      string `json:"device"`
	Path        string `json:"path"`
	Blocks      uint64 `json:"blocks"`
	BlocksFree  uint64 `json:"bfree"`
	BlocksAvail uint64 `json:"bavail"`
	BlockSize   uint64 `json:"bsize"`
	VFSType     string `json:"vfs_type"`
}

// Size returns the filesystem size in bytes.
func (m MountpointStat) Size() uint64 { return m.Blocks * m.BlockSize }

// Free returns the free bytes, including blocks reserved for root.
func (m MountpointStat) Free() uint64 { return m.BlocksFree * m.BlockSize }

func (m MountpointStat) String() string {
	return fmt.Sprintf("%s on %s (%s)", m.Device, m.Path, m.VFSType)
}
