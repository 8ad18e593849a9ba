//go:build !linux

package supervise

import (
	"os"
	"os/exec"
)

// SetParentDeathSignal is a no-op where the kernel has no parent-death signal.
func SetParentDeathSignal(cmd *exec.Cmd) {}

// Alive reports whether a process with the given pid can be found. Where
// that cannot be decided the process is assumed alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
