// Package sandbox runs an agent process under the constraints the
// orchestrator computed for it: a dedicated uid/gid, a filesystem
// allowlist, and network/credential gates. Two backends exist behind one
// interface, selected by config — a fork backend that drops privileges and
// applies a Landlock filesystem allowlist in the child before exec, and an
// optional container backend for stronger isolation.
package sandbox

import (
	"context"
	"io"
)

// Capability is what SessionManager computes for a single agent invocation:
// the identity it runs as and the filesystem/network/credential rights it
// gets. It is the sandbox-facing projection of a Worktree's
// InternetAccess/DenyGitCredentialsAccess flags plus the owning Workspace's
// allocated uid/gid.
type Capability struct {
	UID int
	GID int

	// WorkDir is the cwd the process starts in — typically the worktree's
	// checkout path — and is always granted read-write.
	WorkDir string

	// ReadOnlyPaths and ReadWritePaths are additional filesystem grants
	// beyond WorkDir (package manager caches, the workspace home dir for
	// provider credentials, etc).
	ReadOnlyPaths  []string
	ReadWritePaths []string

	// AllowNetwork gates outbound network access. When false the fork
	// backend denies it by unsharing the network namespace; the docker
	// backend attaches no network.
	AllowNetwork bool

	// DenyGitCredentialsAccess, when true, excludes the workspace's git
	// credential helper socket/file from the allowlist entirely — the
	// agent process simply never sees a path that would let it read
	// credentials, rather than being told not to use them.
	DenyGitCredentialsAccess bool

	// Env is the environment the process receives, already filtered to
	// exclude ambient secrets that don't belong to this capability.
	Env []string
}

// Process is a handle to a running sandboxed process.
type Process interface {
	// PID returns the process id of the (possibly re-exec'd) leader.
	PID() int
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	// Wait blocks until the process exits and returns its error, if any.
	Wait() error
	// Signal sends a termination signal to the whole process group.
	Signal(terminate bool) error
	// Kill forcibly terminates the process group.
	Kill() error
}

// Sandbox starts a process under a Capability.
type Sandbox interface {
	Start(ctx context.Context, cap Capability, argv []string) (Process, error)
}
