//go:build linux

package supervise

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// SetParentDeathSignal makes the kernel send SIGTERM to the child when v2v
// dies, so helpers and copy tools never outlive a killed conversion.
func SetParentDeathSignal(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Pdeathsig = unix.SIGTERM
}

// Alive reports whether a process with the given pid exists. EPERM means it
// exists but belongs to someone else.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
