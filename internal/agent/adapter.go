package agent

import (
	"context"
	"strings"

	"github.com/agentharbor/core/internal/sandbox"
)

// Variant names the two supported wire protocols.
type Variant string

const (
	// VariantJSONRPC is a persistent child process speaking newline-framed
	// JSON-RPC 2.0 over stdio.
	VariantJSONRPC Variant = "jsonrpc"
	// VariantJSONL is a per-turn child process emitting a JSONL record
	// stream on stdout.
	VariantJSONL Variant = "jsonl"
)

// Spawner launches the provider CLI under the worktree's sandbox
// capability. SessionManager builds one per (session, worktree) closing
// over the computed Capability; extraArgv extends the provider's base argv
// (the JSONL variant appends per-turn arguments).
type Spawner interface {
	Spawn(ctx context.Context, extraArgv ...string) (sandbox.Process, error)
}

// SpawnerFunc adapts a closure to the Spawner interface.
type SpawnerFunc func(ctx context.Context, extraArgv ...string) (sandbox.Process, error)

func (f SpawnerFunc) Spawn(ctx context.Context, extraArgv ...string) (sandbox.Process, error) {
	return f(ctx, extraArgv...)
}

// Adapter is the protocol-specific half of an AgentClient. Implementations
// push Events on the channel returned by Events(); the Client stamps ids
// and applies the lifecycle state machine on top.
//
// SendTurn returns once the turn is accepted by the CLI (the adapter has
// emitted turn_started); completion arrives asynchronously as a
// turn_completed event carrying the same turnID.
type Adapter interface {
	// Start brings the adapter to the point where SendTurn may be called:
	// for the JSON-RPC variant this spawns the process and completes the
	// init handshake; for the JSONL variant it is cheap validation only.
	Start(ctx context.Context) error

	// Stop tears the adapter down. graceful allows a cooperative shutdown
	// window before the process group is killed.
	Stop(ctx context.Context, graceful bool) error

	// SendTurn issues one user turn under the server-generated turnID.
	SendTurn(ctx context.Context, turnID, text string) error

	// Interrupt cancels the in-flight turn. Idempotent; unknown turn ids
	// are a no-op.
	Interrupt(ctx context.Context, turnID string) error

	SetModel(ctx context.Context, model, reasoningEffort string) error
	ListModels(ctx context.Context, cursor string, pageSize int) ([]ModelInfo, string, error)

	// ThreadID is the conversation id assigned by the CLI on first turn
	// (or synthesized server-side for CLIs that have none). SetThreadID
	// seeds it for forked worktrees, which inherit the source's thread.
	ThreadID() string
	SetThreadID(id string)

	Events() <-chan Event
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
