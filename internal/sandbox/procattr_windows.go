//go:build windows

package sandbox

import (
	"os"
	"os/exec"
)

// setProcessGroup is a no-op on Windows; process tree teardown uses
// cmd.Process.Kill, which only terminates the direct child.
func setProcessGroup(_ *exec.Cmd) {}

func signalProcessGroup(pid int, _ bool) error {
	return killProcessGroup(pid)
}

func killProcessGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
