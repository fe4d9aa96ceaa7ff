// Package store defines the durable persistence contract shared by the
// embedded (SQLite) and external (NATS JetStream KV) backends: workspaces,
// sessions, worktrees, messages, and refresh tokens. Both backends serialize
// writes per key and expose the same operations so SessionManager, AuthService
// and WorkspaceFS never know which one is active.
package store

import (
	"context"
	"time"

	"github.com/agentharbor/core/internal/model"
)

// Store is the durable KV contract. All operations are idempotent on
// identity; concurrency guarantees are documented per backend.
type Store interface {
	PutWorkspace(ctx context.Context, ws *model.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*model.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*model.Workspace, error)

	SaveSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, workspaceID string) ([]*model.Session, error)
	DeleteSession(ctx context.Context, id string) error

	SaveWorktree(ctx context.Context, w *model.Worktree) error
	GetWorktree(ctx context.Context, sessionID, worktreeID string) (*model.Worktree, error)
	ListWorktrees(ctx context.Context, sessionID string) ([]*model.Worktree, error)
	DeleteWorktree(ctx context.Context, sessionID, worktreeID string) error

	AppendMessage(ctx context.Context, m *model.Message) (int64, error)
	ListMessages(ctx context.Context, sessionID, worktreeID string, limit int, beforeID int64) ([]*model.Message, error)
	ClearMessages(ctx context.Context, sessionID, worktreeID string) error

	PutRefreshToken(ctx context.Context, rt *model.RefreshToken) error
	// ConsumeRefreshToken atomically verifies, marks consumed, and replaces a
	// refresh token with a fresh one in a single call, returning the
	// consumed row (for workspaceId/expiry checks by the caller) alongside
	// the freshly minted replacement. A second, concurrent call for the
	// same hash must fail with apperr.RefreshUsed().
	ConsumeRefreshToken(ctx context.Context, hash string, next *model.RefreshToken) (*model.RefreshToken, error)

	PurgeExpired(ctx context.Context, now time.Time) error

	Close() error
}
