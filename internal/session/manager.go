// Package session implements the session lifecycle and the parallel
// worktree scheduler: cloning repositories once per session, carving out
// git worktrees, owning the per-worktree agent clients, routing messages
// and events, and garbage-collecting idle sessions.
package session

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentharbor/core/internal/agent"
	"github.com/agentharbor/core/internal/apperr"
	"github.com/agentharbor/core/internal/broadcast"
	"github.com/agentharbor/core/internal/common/config"
	"github.com/agentharbor/core/internal/common/logger"
	"github.com/agentharbor/core/internal/model"
	"github.com/agentharbor/core/internal/repoclone"
	"github.com/agentharbor/core/internal/sandbox"
	"github.com/agentharbor/core/internal/store"
	"github.com/agentharbor/core/internal/workspacefs"
)

// rpcLogEntry is one element of the bounded per-session protocol log.
type rpcLogEntry struct {
	WorktreeID string    `json:"worktreeId"`
	Line       string    `json:"line"`
	At         time.Time `json:"at"`
}

// sessionRuntime is the non-persisted half of a session: agent clients,
// route-loop cancellation, diff debouncing, the rpc log ring. Persistent
// state lives in the Store; runtime state is keyed by the same ids and
// holds no back-pointers; cross-references are always ids.
type sessionRuntime struct {
	mu sync.Mutex // guards worktree creation, branch minting, diff scheduling

	clients     map[string]*agent.Client // worktreeID -> client
	routeCancel map[string]context.CancelFunc

	diffTimer   *time.Timer
	diffPending map[string]bool // worktree ids with a pending diff broadcast

	rpcLog []rpcLogEntry // ring, capped at cfg.RPCLogBufferSize
}

// Manager creates, serves and destroys sessions and their worktrees.
type Manager struct {
	st        store.Store
	fs        *workspacefs.WorkspaceFS
	sbx       sandbox.Sandbox
	bc        *broadcast.Broadcaster
	cfg       config.SessionConfig
	providers map[string]agent.ProviderSpec
	logger    *logger.Logger

	mu       sync.Mutex
	runtimes map[string]*sessionRuntime

	// newAdapter is the adapter construction seam; tests substitute fakes.
	newAdapter func(spec agent.ProviderSpec, spawner agent.Spawner, log *logger.Logger) (agent.Adapter, error)

	// stop is closed by Shutdown; background work (diff flushes) hangs off
	// it instead of a request context.
	stop chan struct{}

	gcCancel context.CancelFunc
	gcDone   chan struct{}
}

// NewManager wires the session manager. Call StartGC to begin the idle
// sweep and Shutdown to cascade-stop all agents on process exit.
func NewManager(st store.Store, fs *workspacefs.WorkspaceFS, sbx sandbox.Sandbox, bc *broadcast.Broadcaster, cfg config.SessionConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		st:        st,
		fs:        fs,
		sbx:       sbx,
		bc:        bc,
		cfg:       cfg,
		providers: agent.BuiltinProviders(),
		logger:     log.WithFields(zap.String("component", "session-manager")),
		runtimes:   make(map[string]*sessionRuntime),
		newAdapter: agent.NewAdapter,
		stop:       make(chan struct{}),
	}
}

// Broadcaster exposes the fan-out registry for the WebSocket layer.
func (m *Manager) Broadcaster() *broadcast.Broadcaster { return m.bc }

// SetAdapterFactory overrides how wire adapters are built. Tests inject
// fakes; production keeps the default.
func (m *Manager) SetAdapterFactory(f func(spec agent.ProviderSpec, spawner agent.Spawner, log *logger.Logger) (agent.Adapter, error)) {
	m.newAdapter = f
}

// CloneAuth is transient credential material for a single clone.
type CloneAuth struct {
	Username   string
	Password   string
	SSHKey     string
}

// CreateOptions carries the optional knobs of session creation.
type CreateOptions struct {
	Name                    string
	Provider                string
	InternetAccess          *bool
	DenyGitCredentialsAccess *bool
}

// mintSessionID returns an opaque 32-hex session id.
func mintSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateSession clones the repository into a fresh per-session directory
// and persists the session row plus its main worktree. Partial state is
// removed on any failure.
func (m *Manager) CreateSession(ctx context.Context, workspaceID, repoURL string, auth *CloneAuth, opts CreateOptions) (*model.Session, error) {
	repoURL = resolveRepoShorthand(repoURL)
	if err := validateRepoURL(repoURL); err != nil {
		return nil, err
	}
	ws, err := m.st.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load workspace")
	}
	if ws == nil {
		return nil, apperr.NotFound("workspace %s not found", workspaceID)
	}

	provider := opts.Provider
	if provider == "" {
		provider = agent.DefaultProvider
	}
	if p, ok := ws.Providers[provider]; !ok || !p.Enabled {
		return nil, apperr.Validation("provider %q is not enabled for this workspace", provider)
	}

	sessionID := mintSessionID()
	sessionDir, err := m.fs.SessionDir(workspaceID, sessionID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to provision session directory")
	}
	repoDir := filepath.Join(sessionDir, "repo")
	gitDir := filepath.Join(sessionDir, "git")
	attachmentsDir := filepath.Join(sessionDir, "attachments")
	tmpDir := filepath.Join(sessionDir, "tmp")
	for _, dir := range []string{attachmentsDir, tmpDir} {
		if err := os.MkdirAll(dir, 0o2750); err != nil {
			_ = os.RemoveAll(sessionDir)
			return nil, apperr.Internal(err, "failed to create session subdirectories")
		}
	}

	cap := m.capability(ws, sessionDir, sessionDir, true, false)
	cloneEnv := append([]string(nil), cap.Env...)
	cloneEnv = append(cloneEnv, "GIT_TERMINAL_PROMPT=0")
	if auth != nil {
		var cleanup func()
		cloneEnv, cleanup, err = m.writeCloneAuth(ws, tmpDir, auth, cloneEnv)
		if err != nil {
			_ = os.RemoveAll(sessionDir)
			return nil, err
		}
		defer cleanup()
	}
	cap.Env = cloneEnv

	// Clone is network-bound and unbounded by design; progress is in the
	// child's stderr, failures are classified below.
	res, err := m.run(ctx, cap, "git", "clone", "--separate-git-dir", gitDir, repoURL, repoDir)
	if err != nil || res.exitCode != 0 {
		_ = os.RemoveAll(sessionDir)
		return nil, classifyCloneError(res.stderr, err)
	}

	branch := strings.TrimSpace(m.mustOutput(ctx, ws, repoDir, "git", "rev-parse", "--abbrev-ref", "HEAD"))
	if branch == "" {
		branch = "main"
	}

	now := time.Now().UTC()
	internet := true
	if opts.InternetAccess != nil {
		internet = *opts.InternetAccess
	}
	denyCreds := false
	if opts.DenyGitCredentialsAccess != nil {
		denyCreds = *opts.DenyGitCredentialsAccess
	}

	var enabled []string
	for name, p := range ws.Providers {
		if p.Enabled {
			enabled = append(enabled, name)
		}
	}

	sess := &model.Session{
		ID:                              sessionID,
		WorkspaceID:                     workspaceID,
		RepoURL:                         repoURL,
		Name:                            firstNonEmpty(opts.Name, repoName(repoURL)),
		CreatedAt:                       now,
		LastActivityAt:                  now,
		DefaultInternetAccess:           internet,
		DefaultDenyGitCredentialsAccess: denyCreds,
		ActiveProvider:                  provider,
		EnabledProviders:                enabled,
		GitDir:                          gitDir,
		RepoDir:                         repoDir,
		AttachmentsDir:                  attachmentsDir,
	}
	if err := m.st.SaveSession(ctx, sess); err != nil {
		_ = os.RemoveAll(sessionDir)
		return nil, apperr.Internal(err, "failed to persist session")
	}

	main := &model.Worktree{
		ID:                       "main",
		SessionID:                sessionID,
		BranchName:               branch,
		Name:                     "main",
		Provider:                 provider,
		Context:                  model.ContextNew,
		InternetAccess:           internet,
		DenyGitCredentialsAccess: denyCreds,
		Status:                   model.WorktreeReady,
		Color:                    worktreeColor(0),
		CreatedAt:                now,
	}
	if err := m.st.SaveWorktree(ctx, main); err != nil {
		_ = m.st.DeleteSession(ctx, sessionID)
		_ = os.RemoveAll(sessionDir)
		return nil, apperr.Internal(err, "failed to persist main worktree")
	}

	m.runtime(sessionID) // materialize
	m.logger.Info("session created",
		zap.String("session_id", sessionID), zap.String("workspace_id", workspaceID), zap.String("repo", repoURL))
	return sess, nil
}

// writeCloneAuth materializes transient auth for one clone into the
// session tmp dir, owned by the workspace user, and wires git to use it.
// The returned cleanup removes the material as soon as the clone finished.
func (m *Manager) writeCloneAuth(ws *model.Workspace, tmpDir string, auth *CloneAuth, env []string) ([]string, func(), error) {
	var paths []string
	cleanup := func() {
		for _, p := range paths {
			_ = os.Remove(p)
		}
	}

	if auth.SSHKey != "" {
		keyPath := filepath.Join(tmpDir, "clone_key")
		if err := os.WriteFile(keyPath, []byte(auth.SSHKey), 0o600); err != nil {
			return nil, nil, apperr.Internal(err, "failed to write ssh key")
		}
		paths = append(paths, keyPath)
		env = append(env, fmt.Sprintf("GIT_SSH_COMMAND=ssh -i %s -o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new", keyPath))
	}
	if auth.Username != "" || auth.Password != "" {
		askPath := filepath.Join(tmpDir, "clone_askpass")
		script := fmt.Sprintf("#!/bin/sh\ncase \"$1\" in\nUsername*) echo '%s' ;;\nPassword*) echo '%s' ;;\nesac\n",
			strings.ReplaceAll(auth.Username, "'", ""), strings.ReplaceAll(auth.Password, "'", ""))
		if err := os.WriteFile(askPath, []byte(script), 0o700); err != nil {
			cleanup()
			return nil, nil, apperr.Internal(err, "failed to write credential helper")
		}
		paths = append(paths, askPath)
		env = append(env, "GIT_ASKPASS="+askPath)
	}

	for _, p := range paths {
		if alloc := m.fs.Get(ws.ID); alloc != nil {
			_ = os.Chown(p, alloc.UID, alloc.GID)
		}
	}
	return env, cleanup, nil
}

// GetSession loads a session, scoped to a workspace.
func (m *Manager) GetSession(ctx context.Context, workspaceID, sessionID string) (*model.Session, error) {
	sess, err := m.st.GetSession(ctx, sessionID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load session")
	}
	if sess == nil || sess.WorkspaceID != workspaceID {
		return nil, apperr.NotFound("session %s not found", sessionID)
	}
	return sess, nil
}

// ListSessions lists a workspace's sessions.
func (m *Manager) ListSessions(ctx context.Context, workspaceID string) ([]*model.Session, error) {
	sessions, err := m.st.ListSessions(ctx, workspaceID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to list sessions")
	}
	return sessions, nil
}

// Touch advances lastActivityAt monotonically and persists.
func (m *Manager) Touch(ctx context.Context, sess *model.Session) {
	now := time.Now().UTC()
	if now.After(sess.LastActivityAt) {
		sess.LastActivityAt = now
		if err := m.st.SaveSession(ctx, sess); err != nil {
			m.logger.Warn("failed to persist session activity", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
}

// SetBacklog persists the session's backlog text.
func (m *Manager) SetBacklog(ctx context.Context, workspaceID, sessionID, backlog string) (*model.Session, error) {
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Backlog = backlog
	m.Touch(ctx, sess)
	if err := m.st.SaveSession(ctx, sess); err != nil {
		return nil, apperr.Internal(err, "failed to persist backlog")
	}
	return sess, nil
}

// ClearMessages wipes a worktree's conversation log.
func (m *Manager) ClearMessages(ctx context.Context, workspaceID, sessionID, worktreeID string) error {
	if _, err := m.GetSession(ctx, workspaceID, sessionID); err != nil {
		return err
	}
	if err := m.st.ClearMessages(ctx, sessionID, worktreeID); err != nil {
		return apperr.Internal(err, "failed to clear messages")
	}
	return nil
}

// ListMessages pages a worktree's conversation log.
func (m *Manager) ListMessages(ctx context.Context, workspaceID, sessionID, worktreeID string, limit int, beforeID int64) ([]*model.Message, error) {
	if _, err := m.GetSession(ctx, workspaceID, sessionID); err != nil {
		return nil, err
	}
	msgs, err := m.st.ListMessages(ctx, sessionID, worktreeID, limit, beforeID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to list messages")
	}
	return msgs, nil
}

// MessagesAfter returns messages with id strictly greater than afterID, in
// insertion order — the sync_messages catch-up read.
func (m *Manager) MessagesAfter(ctx context.Context, sessionID, worktreeID string, afterID int64) ([]*model.Message, error) {
	msgs, err := m.st.ListMessages(ctx, sessionID, worktreeID, 0, 0)
	if err != nil {
		return nil, apperr.Internal(err, "failed to read message log")
	}
	out := msgs[:0]
	for _, msg := range msgs {
		if msg.ID > afterID {
			out = append(out, msg)
		}
	}
	return out, nil
}

// DestroySession stops all agents, removes the session directory tree, and
// deletes the persistent rows. Subscribers get a termination frame.
func (m *Manager) DestroySession(ctx context.Context, workspaceID, sessionID, reason string) error {
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return err
	}
	m.stopSessionClients(ctx, sessionID)

	sessionDir := filepath.Dir(sess.RepoDir)
	if err := os.RemoveAll(sessionDir); err != nil {
		m.logger.Warn("failed to remove session directory", zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := m.st.DeleteSession(ctx, sessionID); err != nil {
		return apperr.Internal(err, "failed to delete session rows")
	}

	m.mu.Lock()
	delete(m.runtimes, sessionID)
	m.mu.Unlock()

	m.bc.CloseSession(sessionID, &broadcast.Event{
		Type:      "status",
		SessionID: sessionID,
		Payload:   map[string]any{"status": "terminated", "reason": reason},
	})
	m.fs.AppendAuditLog(workspaceID, "session_destroyed", fmt.Sprintf("session=%s reason=%s", sessionID, reason))
	m.logger.Info("session destroyed", zap.String("session_id", sessionID), zap.String("reason", reason))
	return nil
}

// stopSessionClients cascades shutdown over a session's agent clients:
// cooperative first, SIGTERM/SIGKILL escalation inside the adapters.
func (m *Manager) stopSessionClients(ctx context.Context, sessionID string) {
	rt := m.runtime(sessionID)
	rt.mu.Lock()
	clients := make([]*agent.Client, 0, len(rt.clients))
	for _, c := range rt.clients {
		clients = append(clients, c)
	}
	cancels := make([]context.CancelFunc, 0, len(rt.routeCancel))
	for _, cancel := range rt.routeCancel {
		cancels = append(cancels, cancel)
	}
	rt.clients = make(map[string]*agent.Client)
	rt.routeCancel = make(map[string]context.CancelFunc)
	rt.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *agent.Client) {
			defer wg.Done()
			c.Close(ctx)
		}(c)
	}
	wg.Wait()
	for _, cancel := range cancels {
		cancel()
	}
}

// ClientCount reports the number of live agent clients across sessions.
func (m *Manager) ClientCount() int {
	m.mu.Lock()
	runtimes := make([]*sessionRuntime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		runtimes = append(runtimes, rt)
	}
	m.mu.Unlock()

	count := 0
	for _, rt := range runtimes {
		rt.mu.Lock()
		count += len(rt.clients)
		rt.mu.Unlock()
	}
	return count
}

// runtime returns (creating if needed) the runtime arena entry for a
// session.
func (m *Manager) runtime(sessionID string) *sessionRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := m.runtimes[sessionID]
	if rt == nil {
		rt = &sessionRuntime{
			clients:     make(map[string]*agent.Client),
			routeCancel: make(map[string]context.CancelFunc),
			diffPending: make(map[string]bool),
		}
		m.runtimes[sessionID] = rt
	}
	return rt
}

// capability computes the sandbox rights for work done on a session's
// behalf.
func (m *Manager) capability(ws *model.Workspace, workDir, sessionDir string, allowNetwork, denyGitCreds bool) sandbox.Capability {
	alloc := m.fs.Get(ws.ID)
	homeDir := ""
	if alloc != nil {
		homeDir = alloc.HomeDir
	}
	cap := sandbox.Capability{
		UID:                      ws.UID,
		GID:                      ws.GID,
		WorkDir:                  workDir,
		ReadWritePaths:           []string{sessionDir},
		AllowNetwork:             allowNetwork,
		DenyGitCredentialsAccess: denyGitCreds,
		Env: []string{
			"PATH=/usr/local/bin:/usr/bin:/bin",
			"TERM=dumb",
		},
	}
	if homeDir != "" {
		if denyGitCreds {
			// The filesystem allowlist is allow-only, so credential
			// hiding works by granting the home dir entry-by-entry and
			// simply never granting the credential paths: the child sees
			// ENOENT where ~/.git-credentials and ~/.ssh would be.
			cap.ReadWritePaths = append(cap.ReadWritePaths, homeEntriesSansCredentials(homeDir)...)
		} else {
			cap.ReadWritePaths = append(cap.ReadWritePaths, homeDir)
		}
		cap.Env = append(cap.Env, "HOME="+homeDir)
	}
	return cap
}

// gitCredentialNames are the home-dir entries hidden from a child when its
// worktree denies git-credential access.
var gitCredentialNames = map[string]bool{
	".git-credentials": true,
	".ssh":             true,
	"credentials":      true,
}

func homeEntriesSansCredentials(homeDir string) []string {
	entries, err := os.ReadDir(homeDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if gitCredentialNames[e.Name()] {
			continue
		}
		out = append(out, filepath.Join(homeDir, e.Name()))
	}
	return out
}

// resolveRepoShorthand expands "owner/name" into a full HTTPS clone URL on
// the default host. Full URLs pass through untouched.
func resolveRepoShorthand(repoURL string) string {
	if strings.Contains(repoURL, "://") || strings.HasPrefix(repoURL, "git@") {
		return repoURL
	}
	parts := strings.Split(repoURL, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return repoURL
	}
	resolved, err := repoclone.CloneURL("github", parts[0], strings.TrimSuffix(parts[1], ".git"), repoclone.ProtocolHTTPS)
	if err != nil {
		return repoURL
	}
	return resolved
}

func validateRepoURL(repoURL string) error {
	if repoURL == "" {
		return apperr.New(apperr.KindGit, apperr.CodeGitInvalidURL, "repoUrl is required")
	}
	if strings.HasPrefix(repoURL, "git@") || strings.HasPrefix(repoURL, "ssh://") {
		return nil
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return apperr.New(apperr.KindGit, apperr.CodeGitInvalidURL, "repoUrl is not a valid git URL")
	}
	switch u.Scheme {
	case "http", "https", "git", "file":
		return nil
	default:
		return apperr.New(apperr.KindGit, apperr.CodeGitInvalidURL, fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
}

func repoName(repoURL string) string {
	name := strings.TrimSuffix(filepath.Base(repoURL), ".git")
	if name == "" || name == "." || name == "/" {
		return "repository"
	}
	return name
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
