// Command sandbox-init is the re-exec target the fork Sandbox backend
// starts in place of the real agent binary. It reads its Capability from
// the environment and applies it in order — network namespace denial
// first (while still carrying the orchestrator's privileges), then the
// drop to the workspace's uid/gid, then the Landlock filesystem
// allowlist — and finally execs the original argv in place so the
// restrictions carry over but no extra process remains in the tree.
package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/agentharbor/core/internal/sandbox"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "sandbox-init: no command given")
		os.Exit(1)
	}

	encoded := os.Getenv(sandbox.CapabilityEnvVar())
	if encoded == "" {
		fmt.Fprintln(os.Stderr, "sandbox-init: missing capability environment variable")
		os.Exit(1)
	}

	cap, err := sandbox.DecodeCapability(encoded)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-init: decode capability: %v\n", err)
		os.Exit(1)
	}

	if err := sandbox.ApplyRestrictions(cap); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-init: apply restrictions: %v\n", err)
		os.Exit(1)
	}

	argv := os.Args[1:]
	binary, err := resolveBinary(argv[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-init: resolve binary: %v\n", err)
		os.Exit(1)
	}

	env := os.Environ()
	if err := syscall.Exec(binary, argv, env); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-init: exec %s: %v\n", binary, err)
		os.Exit(1)
	}
}
