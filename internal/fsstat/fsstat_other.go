//go:build !unix

package fsstat

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("fsstat: not supported on this platform")

func FSBytes(dir string) (Info, error) {
	return Info{}, errUnsupported
}

// Allocated falls back to the apparent size.
func Allocated(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
