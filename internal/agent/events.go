// Package agent supervises the external CLI processes that power worktrees.
// Each worktree owns one Client: a state machine wrapping an Adapter that
// speaks one of the two supported wire protocols (newline-framed JSON-RPC
// over a persistent process, or a JSONL stream from a per-turn process) and
// translates it into the uniform internal event stream consumed by
// SessionManager and the Broadcaster.
package agent

import (
	"time"

	"github.com/agentharbor/core/internal/apperr"
)

// EventType discriminates the internal event sum. The names match the
// server frame types on the WebSocket surface so no re-mapping happens
// between here and the wire.
type EventType string

const (
	EventReady                     EventType = "ready"
	EventTurnStarted               EventType = "turn_started"
	EventTurnCompleted             EventType = "turn_completed"
	EventTurnError                 EventType = "turn_error"
	EventAssistantDelta            EventType = "assistant_delta"
	EventAssistantMessage          EventType = "assistant_message"
	EventItemStarted               EventType = "item_started"
	EventCommandExecutionDelta     EventType = "command_execution_delta"
	EventCommandExecutionCompleted EventType = "command_execution_completed"
	EventToolResult                EventType = "tool_result"
	EventExit                      EventType = "exit"
	EventRPCLog                    EventType = "rpc_log"
)

// Event is one element of the uniform internal stream. SessionID and
// WorktreeID are stamped by the owning Client before the event leaves the
// package; adapters fill everything else.
type Event struct {
	Type       EventType `json:"type"`
	SessionID  string    `json:"sessionId,omitempty"`
	WorktreeID string    `json:"worktreeId,omitempty"`
	TurnID     string    `json:"turnId,omitempty"`
	ThreadID   string    `json:"threadId,omitempty"`

	// Text is the delta or full message text for assistant events, the
	// raw protocol line for rpc_log events, and the output delta for
	// command execution events.
	Text string `json:"text,omitempty"`

	// Command describes the command or tool being executed.
	Command  string `json:"command,omitempty"`
	ItemID   string `json:"itemId,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`

	ToolName    string `json:"toolName,omitempty"`
	ToolOutput  string `json:"toolOutput,omitempty"`
	ToolErrored bool   `json:"toolErrored,omitempty"`

	// Cancelled is set on turn_completed when the turn was interrupted.
	Cancelled bool `json:"cancelled,omitempty"`

	// Err carries the classified failure for turn_completed/turn_error.
	Err *apperr.Error `json:"error,omitempty"`

	// Signal is set on exit events when the process died from a signal.
	Signal string `json:"signal,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// ModelInfo is one entry of a provider's selectable model list.
type ModelInfo struct {
	ID              string   `json:"id"`
	DisplayName     string   `json:"displayName,omitempty"`
	ReasoningLevels []string `json:"reasoningLevels,omitempty"`
	Default         bool     `json:"default,omitempty"`
}

// classifyTurnError maps provider-specific failure text onto the uniform
// turn_completed error kinds.
func classifyTurnError(message string) *apperr.Error {
	switch {
	case containsFold(message, "usage limit"), containsFold(message, "quota"):
		return apperr.AgentError(apperr.CodeAgentUsageLimit, message)
	case containsFold(message, "rate limit"), containsFold(message, "too many requests"), containsFold(message, "overloaded"):
		return apperr.AgentError(apperr.CodeAgentRateLimited, message)
	case containsFold(message, "network"), containsFold(message, "connection"), containsFold(message, "timeout"), containsFold(message, "dns"):
		return apperr.AgentError(apperr.CodeAgentNetwork, message)
	default:
		return apperr.AgentError(apperr.CodeAgentInternal, message)
	}
}
