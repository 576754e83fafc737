//go:build unix && !linux

package ptyhost

import (
	"os/exec"
	"syscall"
)

// SetProcGroup configures the command to run in its own process group.
// This allows us to kill all child processes together.
func SetProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// KillProcessGroup kills the entire process group for the given PID.
// Returns nil if successful, or an error if the kill failed.
func KillProcessGroup(pid int) error {
	// Kill the entire process group by using negative PID
	return syscall.Kill(-pid, syscall.SIGKILL)
}
