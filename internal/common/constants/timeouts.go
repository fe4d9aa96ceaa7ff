// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// AgentWakeupDefault is how long SessionManager waits for a lazily
	// started AgentClient to reach "ready" before giving up, unless the
	// caller overrides it (up to AgentWakeupMax).
	AgentWakeupDefault = 15 * time.Second

	// AgentWakeupMax is the largest wakeup timeout a caller may request.
	AgentWakeupMax = 60 * time.Second

	// PermissionResponseTimeout bounds how long a pending permission
	// request waits for a client response before auto-resolving.
	PermissionResponseTimeout = 5 * time.Minute

	// ShutdownGrace is the cooperative-shutdown grace period before a
	// SIGTERM is sent to an AgentClient's process group.
	ShutdownGrace = 5 * time.Second

	// ShutdownForceGrace is the additional grace period after SIGTERM
	// before SIGKILL is sent.
	ShutdownForceGrace = 5 * time.Second

	// HandoffTokenMaxTTL is the hard ceiling on handoff-token lifetime.
	HandoffTokenMaxTTL = 60 * time.Second

	// DiffDebounceWindow is the default coalescing window for the
	// per-session repo_diff broadcast after a turn completes.
	DiffDebounceWindow = 500 * time.Millisecond
)
