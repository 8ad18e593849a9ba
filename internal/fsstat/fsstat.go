// Package fsstat answers the two storage questions the pipeline asks of the
// host: how much room a directory has, and how many bytes a file occupies.
package fsstat

// Info describes the filesystem holding a directory.
type Info struct {
	Total     uint64
	Available uint64
}
