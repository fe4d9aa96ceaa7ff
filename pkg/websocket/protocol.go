// Package websocket defines the wire protocol spoken on /ws: the client
// frame vocabulary and the server frame type names. Server frames are a
// tagged sum — a type discriminator plus a per-session sequence number,
// with the payload spread flat into the object.
package websocket

import "encoding/json"

// Client frame types. The first frame on a connection MUST be an auth
// frame; anything else (or silence for the auth timeout) closes the
// connection.
const (
	ClientAuth         = "auth"
	ClientPing         = "ping"
	ClientSyncMessages = "sync_messages"
	ClientSubscribe    = "subscribe"
)

// Server frame types.
const (
	ServerPong                       = "pong"
	ServerStatus                     = "status"
	ServerReady                      = "ready"
	ServerRepoDiff                   = "repo_diff"
	ServerTurnStarted                = "turn_started"
	ServerTurnCompleted              = "turn_completed"
	ServerTurnError                  = "turn_error"
	ServerAssistantDelta             = "assistant_delta"
	ServerAssistantMessage           = "assistant_message"
	ServerCommandExecutionDelta      = "command_execution_delta"
	ServerCommandExecutionCompleted  = "command_execution_completed"
	ServerToolResult                 = "tool_result"
	ServerWorktreeCreated            = "worktree_created"
	ServerWorktreeReady              = "worktree_ready"
	ServerWorktreeStatus             = "worktree_status"
	ServerWorktreeRemoved            = "worktree_removed"
	ServerWorktreeRenamed            = "worktree_renamed"
	ServerWorktreesList              = "worktrees_list"
	ServerWorktreeMessagesSync       = "worktree_messages_sync"
	ServerWorktreeDiff               = "worktree_diff"
	ServerMessagesSync               = "messages_sync"
	ServerProviderSwitched           = "provider_switched"
	ServerAccountLoginCompleted      = "account_login_completed"
	ServerRPCLog                     = "rpc_log"
)

// ClientFrame is the uniform decode target for inbound frames.
type ClientFrame struct {
	Type string `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// subscribe
	SessionID  string `json:"sessionId,omitempty"`
	WorktreeID string `json:"worktreeId,omitempty"`

	// sync_messages
	LastSeenMessageID int64 `json:"lastSeenMessageId,omitempty"`
}

// Decode parses one inbound frame.
func Decode(data []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
