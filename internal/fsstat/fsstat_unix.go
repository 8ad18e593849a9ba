//go:build unix

package fsstat

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FSBytes returns the size of the filesystem holding dir and the bytes
// available to unprivileged users.
func FSBytes(dir string) (Info, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return Info{}, fmt.Errorf("statfs %s: %w", dir, err)
	}

	// Most of Statfs_t fields are number of blocks, and block size is Bsize.
	return Info{
		Total:     stat.Blocks * uint64(stat.Bsize),
		Available: stat.Bavail * uint64(stat.Bsize),
	}, nil
}

// Allocated returns the bytes actually allocated to path. For sparse files
// this is less than the apparent size.
func Allocated(path string) (int64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	// st_blocks is always in 512-byte units.
	return int64(st.Blocks) * 512, nil
}
