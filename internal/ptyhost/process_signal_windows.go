//go:build windows

package ptyhost

import (
	"os"
	"os/exec"
)

// TerminateProcess kills the process on Windows.
// Windows does not support SIGTERM; process termination is immediate.
func TerminateProcess(p *os.Process) error {
	return p.Kill()
}

// WaitProcess waits for the PTY process to exit and returns exit info.
// On Windows, uses cmd.Process.Wait() since the process may have been started
// via ConPTY rather than cmd.Start().
func WaitProcess(cmd *exec.Cmd, _ Handle) (exitCode int, signalName string, err error) {
	state, err := cmd.Process.Wait()
	if err != nil {
		return 1, "", err
	}
	code := state.ExitCode()
	if code != 0 {
		return code, "", &exec.ExitError{ProcessState: state}
	}
	return 0, "", nil
}
