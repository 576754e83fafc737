//go:build !windows

package ptyhost

import (
	"os"
	"os/exec"
)

// defaultShellCommand returns the command and args for starting an interactive login shell.
// On Unix, uses preferredShell if it resolves to an executable, otherwise
// $SHELL (or /bin/sh), with the -l (login) flag.
func defaultShellCommand(preferredShell string) []string {
	shell := preferredShell
	if shell != "" {
		if _, err := exec.LookPath(shell); err != nil {
			shell = ""
		}
	}
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	return []string{shell, "-l"}
}

// shellExecArgs returns the program and arguments needed to execute a command
// string through the system shell.
// On Unix: sh -lc "command"
func shellExecArgs(command string) (prog string, args []string) {
	return "sh", []string{"-lc", command}
}
