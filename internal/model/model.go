// Package model holds the entities shared across store backends and
// components: Workspace, Session, Worktree, Message, RefreshToken and
// HandoffToken.
package model

import "time"

// ProviderCredentialKind distinguishes the shape of a stored provider
// credential blob. The bytes themselves are always opaque to this system;
// no expiry is ever synthesized for them; expiry is the provider's concern.
type ProviderCredentialKind string

const (
	CredentialAPIKey      ProviderCredentialKind = "api_key"
	CredentialAuthJSONB64 ProviderCredentialKind = "auth_json_b64"
	CredentialSetupToken  ProviderCredentialKind = "setup_token"
)

// ProviderConfig is one entry in a Workspace's providers map.
type ProviderConfig struct {
	Enabled        bool                   `json:"enabled"`
	CredentialKind ProviderCredentialKind `json:"credentialKind,omitempty"`
	Credential     []byte                 `json:"-"`
}

// Workspace is a tenant. Identity is a 25-character id matching
// w[0-9a-f]{24}, minted once at creation.
type Workspace struct {
	ID         string                    `json:"id" db:"id"`
	SecretHash string                    `json:"-" db:"secret_hash"`
	UID        int                       `json:"uid" db:"uid"`
	GID        int                       `json:"gid" db:"gid"`
	Providers  map[string]ProviderConfig `json:"providers" db:"-"`
	CreatedAt  time.Time                 `json:"createdAt" db:"created_at"`
}

// Session is a cloned repository bound to one workspace.
type Session struct {
	ID                              string    `json:"id" db:"id"`
	WorkspaceID                     string    `json:"workspaceId" db:"workspace_id"`
	RepoURL                         string    `json:"repoUrl" db:"repo_url"`
	Name                            string    `json:"name" db:"name"`
	CreatedAt                       time.Time `json:"createdAt" db:"created_at"`
	LastActivityAt                  time.Time `json:"lastActivityAt" db:"last_activity_at"`
	DefaultInternetAccess           bool      `json:"defaultInternetAccess" db:"default_internet_access"`
	DefaultDenyGitCredentialsAccess bool      `json:"defaultDenyGitCredentialsAccess" db:"default_deny_git_credentials_access"`
	ActiveProvider                  string    `json:"activeProvider" db:"active_provider"`
	EnabledProviders                []string  `json:"enabledProviders" db:"-"`
	GitDir                          string    `json:"-" db:"git_dir"`
	RepoDir                         string    `json:"-" db:"repo_dir"`
	AttachmentsDir                  string    `json:"-" db:"attachments_dir"`
	Backlog                         string    `json:"backlog,omitempty" db:"backlog"`
}

// WorktreeStatus is the lifecycle status of a Worktree.
type WorktreeStatus string

const (
	WorktreeCreating   WorktreeStatus = "creating"
	WorktreeReady      WorktreeStatus = "ready"
	WorktreeProcessing WorktreeStatus = "processing"
	WorktreeStopped    WorktreeStatus = "stopped"
	WorktreeError      WorktreeStatus = "error"
)

// WorktreeContext distinguishes a fresh worktree from a forked one.
type WorktreeContext string

const (
	ContextNew  WorktreeContext = "new"
	ContextFork WorktreeContext = "fork"
)

// Worktree is a branch workspace attached to a session. ID "main" is the
// primary clone; other ids match w[0-9a-f]{12}.
type Worktree struct {
	ID                       string          `json:"id" db:"id"`
	SessionID                string          `json:"sessionId" db:"session_id"`
	BranchName               string          `json:"branchName" db:"branch_name"`
	Name                     string          `json:"name" db:"name"`
	Provider                 string          `json:"provider" db:"provider"`
	Context                  WorktreeContext `json:"context" db:"context"`
	SourceWorktreeID         string          `json:"sourceWorktreeId,omitempty" db:"source_worktree_id"`
	Model                    string          `json:"model,omitempty" db:"model"`
	ReasoningEffort          string          `json:"reasoningEffort,omitempty" db:"reasoning_effort"`
	InternetAccess           bool            `json:"internetAccess" db:"internet_access"`
	DenyGitCredentialsAccess bool            `json:"denyGitCredentialsAccess" db:"deny_git_credentials_access"`
	Status                   WorktreeStatus  `json:"status" db:"status"`
	Color                    string          `json:"color" db:"color"`
	ThreadID                 string          `json:"threadId,omitempty" db:"thread_id"`
	CurrentTurnID            string          `json:"currentTurnId,omitempty" db:"-"`
	CreatedAt                time.Time       `json:"createdAt" db:"created_at"`
}

// MessageRole enumerates the kinds of participant in a Message.
type MessageRole string

const (
	RoleUser             MessageRole = "user"
	RoleAssistant        MessageRole = "assistant"
	RoleCommandExecution MessageRole = "commandExecution"
	RoleToolResult       MessageRole = "tool_result"
)

// Attachment references a file under a session's attachments directory.
type Attachment struct {
	Path     string `json:"path"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
}

// ToolResult carries the structured outcome of a tool invocation.
type ToolResult struct {
	ToolName string `json:"toolName"`
	Status   string `json:"status"`
	Output   string `json:"output,omitempty"`
}

// Message is an append-only record scoped to (session, worktree). Ids are
// unique within a worktree and monotonic in insertion order.
type Message struct {
	ID          int64        `json:"id" db:"id"`
	SessionID   string       `json:"sessionId" db:"session_id"`
	WorktreeID  string       `json:"worktreeId" db:"worktree_id"`
	Role        MessageRole  `json:"role" db:"role"`
	Text        string       `json:"text" db:"text"`
	Attachments []Attachment `json:"attachments,omitempty" db:"-"`
	ToolResult  *ToolResult  `json:"toolResult,omitempty" db:"-"`
	CreatedAt   time.Time    `json:"createdAt" db:"created_at"`
}

// RefreshToken is stored hashed; a rotation consumes it exactly once.
type RefreshToken struct {
	Hash        string     `json:"-" db:"hash"`
	WorkspaceID string     `json:"workspaceId" db:"workspace_id"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	ExpiresAt   time.Time  `json:"expiresAt" db:"expires_at"`
	UsedAt      *time.Time `json:"usedAt,omitempty" db:"used_at"`
}

// HandoffToken is process-memory only: single-use, short-lived, carries a
// workspace and optionally a session to hand off.
type HandoffToken struct {
	Token       string
	WorkspaceID string
	SessionID   string
	ExpiresAt   time.Time
}
