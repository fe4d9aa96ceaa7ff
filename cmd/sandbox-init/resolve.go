package main

import "os/exec"

// resolveBinary resolves name to an absolute path via PATH lookup, since
// syscall.Exec requires one (unlike exec.Command, which resolves it for
// you).
func resolveBinary(name string) (string, error) {
	return exec.LookPath(name)
}
