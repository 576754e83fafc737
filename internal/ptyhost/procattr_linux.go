//go:build linux

package ptyhost

import (
	"os/exec"
	"syscall"
)

// SetProcGroup configures the command to run in its own process group.
// This allows us to kill all child processes together.
// On Linux, we also set Pdeathsig to ensure the child is killed if the parent dies
// unexpectedly (SIGKILL, crash, etc.) without calling Stop().
func SetProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// KillProcessGroup kills the entire process group for the given PID.
// Returns nil if successful, or an error if the kill failed.
func KillProcessGroup(pid int) error {
	// Kill the entire process group by using negative PID
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// TerminateProcessGroup sends SIGTERM to the entire process group for graceful shutdown.
func TerminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}
