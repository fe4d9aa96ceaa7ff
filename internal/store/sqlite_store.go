package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	csqlite "github.com/agentharbor/core/internal/common/sqlite"
	kdb "github.com/agentharbor/core/internal/db"
	"github.com/agentharbor/core/internal/model"
)

// schema creates every table the SQLite backend needs. Run once at startup;
// CREATE TABLE IF NOT EXISTS makes it safe to re-run on every boot.
const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	id TEXT PRIMARY KEY,
	secret_hash TEXT NOT NULL,
	uid INTEGER NOT NULL,
	gid INTEGER NOT NULL,
	providers TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	repo_url TEXT NOT NULL,
	name TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	last_activity_at DATETIME NOT NULL,
	default_internet_access INTEGER NOT NULL DEFAULT 0,
	default_deny_git_credentials_access INTEGER NOT NULL DEFAULT 0,
	active_provider TEXT NOT NULL DEFAULT '',
	enabled_providers TEXT NOT NULL DEFAULT '[]',
	git_dir TEXT NOT NULL DEFAULT '',
	repo_dir TEXT NOT NULL DEFAULT '',
	attachments_dir TEXT NOT NULL DEFAULT '',
	backlog TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id);

CREATE TABLE IF NOT EXISTS worktrees (
	id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	branch_name TEXT NOT NULL,
	name TEXT NOT NULL,
	provider TEXT NOT NULL,
	context TEXT NOT NULL,
	source_worktree_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	reasoning_effort TEXT NOT NULL DEFAULT '',
	internet_access INTEGER NOT NULL DEFAULT 0,
	deny_git_credentials_access INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	color TEXT NOT NULL DEFAULT '',
	thread_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	worktree_id TEXT NOT NULL,
	role TEXT NOT NULL,
	text TEXT NOT NULL,
	attachments TEXT NOT NULL DEFAULT '[]',
	tool_result TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_worktree ON messages(session_id, worktree_id, id);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	hash TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	used_at DATETIME
);
`

// SQLiteStore is the embedded Store backend: a single-writer/multi-reader
// SQLite database in WAL mode with an explicit busy_timeout.
type SQLiteStore struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// OpenSQLiteStore opens (and migrates) the embedded backend at dbPath.
func OpenSQLiteStore(dbPath string, busyTimeout time.Duration) (*SQLiteStore, error) {
	writerDB, err := kdb.OpenSQLite(dbPath, busyTimeout)
	if err != nil {
		return nil, err
	}
	readerDB, err := kdb.OpenSQLiteReader(dbPath, busyTimeout)
	if err != nil {
		writerDB.Close()
		return nil, err
	}
	writer := sqlx.NewDb(writerDB, "sqlite3")
	reader := sqlx.NewDb(readerDB, "sqlite3")
	if _, err := writer.Exec(schema); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	// Columns added after the initial schema shipped; no-ops on fresh DBs.
	if err := csqlite.EnsureColumn(writerDB, "sessions", "backlog", "TEXT NOT NULL DEFAULT ''"); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("migrate sessions.backlog: %w", err)
	}
	if err := csqlite.EnsureColumn(writerDB, "worktrees", "reasoning_effort", "TEXT NOT NULL DEFAULT ''"); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("migrate worktrees.reasoning_effort: %w", err)
	}
	return &SQLiteStore{writer: writer, reader: reader}, nil
}

func (s *SQLiteStore) Close() error {
	err1 := s.writer.Close()
	err2 := s.reader.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

type workspaceRow struct {
	ID         string    `db:"id"`
	SecretHash string    `db:"secret_hash"`
	UID        int       `db:"uid"`
	GID        int       `db:"gid"`
	Providers  string    `db:"providers"`
	CreatedAt  time.Time `db:"created_at"`
}

func (s *SQLiteStore) PutWorkspace(ctx context.Context, ws *model.Workspace) error {
	providersJSON, err := json.Marshal(ws.Providers)
	if err != nil {
		return fmt.Errorf("marshal providers: %w", err)
	}
	_, err = s.writer.ExecContext(ctx, `
		INSERT INTO workspaces (id, secret_hash, uid, gid, providers, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET secret_hash=excluded.secret_hash,
			uid=excluded.uid, gid=excluded.gid, providers=excluded.providers`,
		ws.ID, ws.SecretHash, ws.UID, ws.GID, string(providersJSON), ws.CreatedAt)
	return err
}

func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	var row workspaceRow
	err := s.reader.GetContext(ctx, &row, `SELECT id, secret_hash, uid, gid, providers, created_at FROM workspaces WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rowToWorkspace(row)
}

func (s *SQLiteStore) ListWorkspaces(ctx context.Context) ([]*model.Workspace, error) {
	var rows []workspaceRow
	if err := s.reader.SelectContext(ctx, &rows, `SELECT id, secret_hash, uid, gid, providers, created_at FROM workspaces`); err != nil {
		return nil, err
	}
	out := make([]*model.Workspace, 0, len(rows))
	for _, r := range rows {
		ws, err := rowToWorkspace(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, nil
}

func rowToWorkspace(row workspaceRow) (*model.Workspace, error) {
	var providers map[string]model.ProviderConfig
	if err := json.Unmarshal([]byte(row.Providers), &providers); err != nil {
		return nil, fmt.Errorf("unmarshal providers: %w", err)
	}
	return &model.Workspace{
		ID:         row.ID,
		SecretHash: row.SecretHash,
		UID:        row.UID,
		GID:        row.GID,
		Providers:  providers,
		CreatedAt:  row.CreatedAt,
	}, nil
}

type sessionRow struct {
	ID                              string    `db:"id"`
	WorkspaceID                     string    `db:"workspace_id"`
	RepoURL                         string    `db:"repo_url"`
	Name                            string    `db:"name"`
	CreatedAt                       time.Time `db:"created_at"`
	LastActivityAt                  time.Time `db:"last_activity_at"`
	DefaultInternetAccess           int       `db:"default_internet_access"`
	DefaultDenyGitCredentialsAccess int       `db:"default_deny_git_credentials_access"`
	ActiveProvider                  string    `db:"active_provider"`
	EnabledProviders                string    `db:"enabled_providers"`
	GitDir                          string    `db:"git_dir"`
	RepoDir                         string    `db:"repo_dir"`
	AttachmentsDir                  string    `db:"attachments_dir"`
	Backlog                         string    `db:"backlog"`
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess *model.Session) error {
	providersJSON, err := json.Marshal(sess.EnabledProviders)
	if err != nil {
		return err
	}
	_, err = s.writer.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_id, repo_url, name, created_at, last_activity_at,
			default_internet_access, default_deny_git_credentials_access, active_provider,
			enabled_providers, git_dir, repo_dir, attachments_dir, backlog)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, last_activity_at=excluded.last_activity_at,
			default_internet_access=excluded.default_internet_access,
			default_deny_git_credentials_access=excluded.default_deny_git_credentials_access,
			active_provider=excluded.active_provider, enabled_providers=excluded.enabled_providers,
			backlog=excluded.backlog`,
		sess.ID, sess.WorkspaceID, sess.RepoURL, sess.Name, sess.CreatedAt, sess.LastActivityAt,
		csqlite.BoolToInt(sess.DefaultInternetAccess), csqlite.BoolToInt(sess.DefaultDenyGitCredentialsAccess),
		sess.ActiveProvider, string(providersJSON), sess.GitDir, sess.RepoDir, sess.AttachmentsDir, sess.Backlog)
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var row sessionRow
	err := s.reader.GetContext(ctx, &row, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rowToSession(row)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, workspaceID string) ([]*model.Session, error) {
	var rows []sessionRow
	if err := s.reader.SelectContext(ctx, &rows, `SELECT * FROM sessions WHERE workspace_id = ? ORDER BY created_at`, workspaceID); err != nil {
		return nil, err
	}
	out := make([]*model.Session, 0, len(rows))
	for _, r := range rows {
		sess, err := rowToSession(r)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM worktrees WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func rowToSession(row sessionRow) (*model.Session, error) {
	var enabled []string
	if err := json.Unmarshal([]byte(row.EnabledProviders), &enabled); err != nil {
		return nil, err
	}
	return &model.Session{
		ID:                              row.ID,
		WorkspaceID:                     row.WorkspaceID,
		RepoURL:                         row.RepoURL,
		Name:                            row.Name,
		CreatedAt:                       row.CreatedAt,
		LastActivityAt:                  row.LastActivityAt,
		DefaultInternetAccess:           row.DefaultInternetAccess != 0,
		DefaultDenyGitCredentialsAccess: row.DefaultDenyGitCredentialsAccess != 0,
		ActiveProvider:                  row.ActiveProvider,
		EnabledProviders:                enabled,
		GitDir:                          row.GitDir,
		RepoDir:                         row.RepoDir,
		AttachmentsDir:                  row.AttachmentsDir,
		Backlog:                         row.Backlog,
	}, nil
}

type worktreeRow struct {
	ID                       string    `db:"id"`
	SessionID                string    `db:"session_id"`
	BranchName               string    `db:"branch_name"`
	Name                     string    `db:"name"`
	Provider                 string    `db:"provider"`
	Context                  string    `db:"context"`
	SourceWorktreeID         string    `db:"source_worktree_id"`
	Model                    string    `db:"model"`
	ReasoningEffort          string    `db:"reasoning_effort"`
	InternetAccess           int       `db:"internet_access"`
	DenyGitCredentialsAccess int       `db:"deny_git_credentials_access"`
	Status                   string    `db:"status"`
	Color                    string    `db:"color"`
	ThreadID                 string    `db:"thread_id"`
	CreatedAt                time.Time `db:"created_at"`
}

func (s *SQLiteStore) SaveWorktree(ctx context.Context, w *model.Worktree) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO worktrees (id, session_id, branch_name, name, provider, context,
			source_worktree_id, model, reasoning_effort, internet_access,
			deny_git_credentials_access, status, color, thread_id, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(session_id, id) DO UPDATE SET name=excluded.name, status=excluded.status,
			model=excluded.model, reasoning_effort=excluded.reasoning_effort,
			internet_access=excluded.internet_access,
			deny_git_credentials_access=excluded.deny_git_credentials_access,
			thread_id=excluded.thread_id`,
		w.ID, w.SessionID, w.BranchName, w.Name, w.Provider, string(w.Context),
		w.SourceWorktreeID, w.Model, w.ReasoningEffort, csqlite.BoolToInt(w.InternetAccess),
		csqlite.BoolToInt(w.DenyGitCredentialsAccess), string(w.Status), w.Color, w.ThreadID, w.CreatedAt)
	return err
}

func (s *SQLiteStore) GetWorktree(ctx context.Context, sessionID, worktreeID string) (*model.Worktree, error) {
	var row worktreeRow
	err := s.reader.GetContext(ctx, &row, `SELECT * FROM worktrees WHERE session_id = ? AND id = ?`, sessionID, worktreeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rowToWorktree(row), nil
}

func (s *SQLiteStore) ListWorktrees(ctx context.Context, sessionID string) ([]*model.Worktree, error) {
	var rows []worktreeRow
	if err := s.reader.SelectContext(ctx, &rows, `SELECT * FROM worktrees WHERE session_id = ? ORDER BY created_at`, sessionID); err != nil {
		return nil, err
	}
	out := make([]*model.Worktree, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToWorktree(r))
	}
	return out, nil
}

func (s *SQLiteStore) DeleteWorktree(ctx context.Context, sessionID, worktreeID string) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM worktrees WHERE session_id = ? AND id = ?`, sessionID, worktreeID)
	return err
}

func rowToWorktree(row worktreeRow) *model.Worktree {
	return &model.Worktree{
		ID:                       row.ID,
		SessionID:                row.SessionID,
		BranchName:               row.BranchName,
		Name:                     row.Name,
		Provider:                 row.Provider,
		Context:                  model.WorktreeContext(row.Context),
		SourceWorktreeID:         row.SourceWorktreeID,
		Model:                    row.Model,
		ReasoningEffort:          row.ReasoningEffort,
		InternetAccess:           row.InternetAccess != 0,
		DenyGitCredentialsAccess: row.DenyGitCredentialsAccess != 0,
		Status:                   model.WorktreeStatus(row.Status),
		Color:                    row.Color,
		ThreadID:                 row.ThreadID,
		CreatedAt:                row.CreatedAt,
	}
}

type messageRow struct {
	ID          int64     `db:"id"`
	SessionID   string    `db:"session_id"`
	WorktreeID  string    `db:"worktree_id"`
	Role        string    `db:"role"`
	Text        string    `db:"text"`
	Attachments string    `db:"attachments"`
	ToolResult  string    `db:"tool_result"`
	CreatedAt   time.Time `db:"created_at"`
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m *model.Message) (int64, error) {
	attJSON, err := json.Marshal(m.Attachments)
	if err != nil {
		return 0, err
	}
	var toolResultJSON string
	if m.ToolResult != nil {
		b, err := json.Marshal(m.ToolResult)
		if err != nil {
			return 0, err
		}
		toolResultJSON = string(b)
	}
	res, err := s.writer.ExecContext(ctx, `
		INSERT INTO messages (session_id, worktree_id, role, text, attachments, tool_result, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		m.SessionID, m.WorktreeID, string(m.Role), m.Text, string(attJSON), toolResultJSON, m.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID, worktreeID string, limit int, beforeID int64) ([]*model.Message, error) {
	query := `SELECT * FROM messages WHERE session_id = ? AND worktree_id = ?`
	args := []interface{}{sessionID, worktreeID}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []messageRow
	if err := s.reader.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	// Rows come newest first; return them oldest first.
	out := make([]*model.Message, len(rows))
	for i, r := range rows {
		msg, err := rowToMessage(r)
		if err != nil {
			return nil, err
		}
		out[len(rows)-1-i] = msg
	}
	return out, nil
}

func (s *SQLiteStore) ClearMessages(ctx context.Context, sessionID, worktreeID string) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ? AND worktree_id = ?`, sessionID, worktreeID)
	return err
}

func rowToMessage(row messageRow) (*model.Message, error) {
	var atts []model.Attachment
	if err := json.Unmarshal([]byte(row.Attachments), &atts); err != nil {
		return nil, err
	}
	var toolResult *model.ToolResult
	if strings.TrimSpace(row.ToolResult) != "" {
		toolResult = &model.ToolResult{}
		if err := json.Unmarshal([]byte(row.ToolResult), toolResult); err != nil {
			return nil, err
		}
	}
	return &model.Message{
		ID:          row.ID,
		SessionID:   row.SessionID,
		WorktreeID:  row.WorktreeID,
		Role:        model.MessageRole(row.Role),
		Text:        row.Text,
		Attachments: atts,
		ToolResult:  toolResult,
		CreatedAt:   row.CreatedAt,
	}, nil
}

func (s *SQLiteStore) PutRefreshToken(ctx context.Context, rt *model.RefreshToken) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO refresh_tokens (hash, workspace_id, created_at, expires_at, used_at)
		VALUES (?,?,?,?,?)`,
		rt.Hash, rt.WorkspaceID, rt.CreatedAt, rt.ExpiresAt, rt.UsedAt)
	return err
}

// ConsumeRefreshToken uses a single SQL transaction as the atomicity boundary:
// the single-writer connection (SetMaxOpenConns(1)) already serializes
// concurrent rotate() calls, so the UPDATE ... WHERE used_at IS NULL guard
// plus RowsAffected is sufficient to guarantee exactly-once consumption.
func (s *SQLiteStore) ConsumeRefreshToken(ctx context.Context, hash string, next *model.RefreshToken) (*model.RefreshToken, error) {
	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	var row struct {
		Hash        string     `db:"hash"`
		WorkspaceID string     `db:"workspace_id"`
		CreatedAt   time.Time  `db:"created_at"`
		ExpiresAt   time.Time  `db:"expires_at"`
		UsedAt      *time.Time `db:"used_at"`
	}
	err = tx.GetContext(ctx, &row, `SELECT hash, workspace_id, created_at, expires_at, used_at FROM refresh_tokens WHERE hash = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefreshNotFound
	}
	if err != nil {
		return nil, err
	}
	if row.UsedAt != nil {
		return nil, ErrRefreshUsed
	}

	res, err := tx.ExecContext(ctx, `UPDATE refresh_tokens SET used_at = ? WHERE hash = ? AND used_at IS NULL`, time.Now().UTC(), hash)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrRefreshUsed
	}

	if next.WorkspaceID == "" {
		next.WorkspaceID = row.WorkspaceID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (hash, workspace_id, created_at, expires_at, used_at)
		VALUES (?,?,?,?,NULL)`, next.Hash, next.WorkspaceID, next.CreatedAt, next.ExpiresAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &model.RefreshToken{
		Hash:        row.Hash,
		WorkspaceID: row.WorkspaceID,
		CreatedAt:   row.CreatedAt,
		ExpiresAt:   row.ExpiresAt,
	}, nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < ?`, now)
	return err
}

// ErrRefreshNotFound/ErrRefreshUsed are backend-agnostic sentinels the
// AuthService maps onto apperr.RefreshInvalid()/RefreshUsed().
var (
	ErrRefreshNotFound = fmt.Errorf("refresh token not found")
	ErrRefreshUsed     = fmt.Errorf("refresh token already used")
)
