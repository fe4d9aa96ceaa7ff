package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentharbor/core/internal/agent"
	"github.com/agentharbor/core/internal/apperr"
	"github.com/agentharbor/core/internal/broadcast"
	"github.com/agentharbor/core/internal/model"
)

// worktreeColors is the stable palette new worktrees pick from, in order.
var worktreeColors = []string{
	"#4f8cc9", "#c94f4f", "#4fc98a", "#c9a54f", "#8a4fc9", "#c94fa5", "#4fc9c9", "#7ac94f",
}

func worktreeColor(index int) string {
	return worktreeColors[index%len(worktreeColors)]
}

func mintWorktreeID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("session: crypto/rand unavailable: %v", err))
	}
	return "w" + hex.EncodeToString(b[:])
}

// worktreeDir resolves the checkout directory of a worktree: the primary
// clone for "main", a carved-out tree otherwise.
func (m *Manager) worktreeDir(sess *model.Session, worktreeID string) string {
	if worktreeID == "main" {
		return sess.RepoDir
	}
	return filepath.Join(filepath.Dir(sess.RepoDir), "worktrees", worktreeID)
}

// WorktreeOptions carries worktree creation parameters.
type WorktreeOptions struct {
	Name             string
	Provider         string
	Context          model.WorktreeContext // new | fork
	SourceWorktreeID string                // fork source, or branch source for new
	BaseBranch       string
	Model            string
	ReasoningEffort  string
	InternetAccess   *bool
	DenyGitCredentialsAccess *bool
}

// CreateWorktree carves out a parallel working tree on its own branch. A
// fork inherits the source worktree's provider and threadId and observes
// its conversation history at creation.
func (m *Manager) CreateWorktree(ctx context.Context, workspaceID, sessionID string, opts WorktreeOptions) (*model.Worktree, error) {
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, err
	}
	ws, err := m.st.GetWorkspace(ctx, workspaceID)
	if err != nil || ws == nil {
		return nil, apperr.Internal(err, "failed to load workspace")
	}
	if opts.Context == "" {
		opts.Context = model.ContextNew
	}

	var source *model.Worktree
	if opts.Context == model.ContextFork {
		if opts.SourceWorktreeID == "" {
			return nil, apperr.Validation("fork requires sourceWorktreeId")
		}
		source, err = m.st.GetWorktree(ctx, sessionID, opts.SourceWorktreeID)
		if err != nil {
			return nil, apperr.Internal(err, "failed to load source worktree")
		}
		if source == nil {
			return nil, apperr.NotFound("source worktree %s not found", opts.SourceWorktreeID)
		}
		// A fork always uses the source's provider.
		opts.Provider = source.Provider
	}
	if opts.Provider == "" {
		opts.Provider = sess.ActiveProvider
	}
	if _, ok := m.providers[opts.Provider]; !ok {
		return nil, apperr.Validation("unknown provider %q", opts.Provider)
	}

	rt := m.runtime(sessionID)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	existing, err := m.st.ListWorktrees(ctx, sessionID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to list worktrees")
	}

	worktreeID := mintWorktreeID()
	branch := fmt.Sprintf("session-%s-%s", sessionID[:8], worktreeID)
	for _, wt := range existing {
		if wt.BranchName == branch {
			return nil, apperr.Conflict("branch %s already exists in session", branch)
		}
	}

	baseRef := "HEAD"
	switch {
	case opts.Context == model.ContextFork:
		baseRef = source.BranchName
	case opts.BaseBranch != "":
		baseRef = opts.BaseBranch
	case opts.SourceWorktreeID != "":
		src, err := m.st.GetWorktree(ctx, sessionID, opts.SourceWorktreeID)
		if err == nil && src != nil {
			baseRef = src.BranchName
		}
	}

	dir := m.worktreeDir(sess, worktreeID)
	if err := os.MkdirAll(filepath.Dir(dir), 0o2750); err != nil {
		return nil, apperr.Internal(err, "failed to create worktrees dir")
	}
	res, err := m.runGit(ctx, ws, sess.RepoDir, "worktree", "add", "-b", branch, dir, baseRef)
	if err != nil {
		return nil, apperr.Internal(err, "git worktree add failed")
	}
	if res.exitCode != 0 {
		return nil, apperr.GitClassified(apperr.CodeGitIO, strings.TrimSpace(firstNonEmpty(res.stderr, "git worktree add failed")))
	}

	internet := sess.DefaultInternetAccess
	if opts.InternetAccess != nil {
		internet = *opts.InternetAccess
	}
	denyCreds := sess.DefaultDenyGitCredentialsAccess
	if opts.DenyGitCredentialsAccess != nil {
		denyCreds = *opts.DenyGitCredentialsAccess
	}

	wt := &model.Worktree{
		ID:                       worktreeID,
		SessionID:                sessionID,
		BranchName:               branch,
		Name:                     firstNonEmpty(opts.Name, worktreeID),
		Provider:                 opts.Provider,
		Context:                  opts.Context,
		Model:                    opts.Model,
		ReasoningEffort:          opts.ReasoningEffort,
		InternetAccess:           internet,
		DenyGitCredentialsAccess: denyCreds,
		Status:                   model.WorktreeReady,
		Color:                    worktreeColor(len(existing)),
		CreatedAt:                time.Now().UTC(),
	}
	if opts.Context == model.ContextFork {
		wt.SourceWorktreeID = source.ID
		wt.ThreadID = source.ThreadID
		if wt.Model == "" {
			wt.Model = source.Model
		}
	}
	if err := m.st.SaveWorktree(ctx, wt); err != nil {
		_, _ = m.runGit(ctx, ws, sess.RepoDir, "worktree", "remove", "--force", dir)
		return nil, apperr.Internal(err, "failed to persist worktree")
	}

	// A fork observes the source's conversation at creation.
	if opts.Context == model.ContextFork {
		if err := m.copyConversation(ctx, sessionID, source.ID, worktreeID); err != nil {
			m.logger.Warn("failed to copy fork conversation", zap.Error(err))
		}
	}

	m.Touch(ctx, sess)
	m.bc.Publish(broadcast.Event{
		Type: "worktree_created", SessionID: sessionID, WorktreeID: worktreeID,
		Payload: map[string]any{"worktree": wt},
	})
	m.bc.Publish(broadcast.Event{
		Type: "worktree_ready", SessionID: sessionID, WorktreeID: worktreeID,
	})
	return wt, nil
}

func (m *Manager) copyConversation(ctx context.Context, sessionID, fromWorktree, toWorktree string) error {
	msgs, err := m.st.ListMessages(ctx, sessionID, fromWorktree, 0, 0)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		cp := *msg
		cp.ID = 0
		cp.WorktreeID = toWorktree
		if _, err := m.st.AppendMessage(ctx, &cp); err != nil {
			return err
		}
	}
	return nil
}

// GetWorktree loads one worktree.
func (m *Manager) GetWorktree(ctx context.Context, workspaceID, sessionID, worktreeID string) (*model.Worktree, error) {
	if _, err := m.GetSession(ctx, workspaceID, sessionID); err != nil {
		return nil, err
	}
	wt, err := m.st.GetWorktree(ctx, sessionID, worktreeID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load worktree")
	}
	if wt == nil {
		return nil, apperr.NotFound("worktree %s not found", worktreeID)
	}
	return wt, nil
}

// ListWorktrees lists a session's worktrees, main first.
func (m *Manager) ListWorktrees(ctx context.Context, workspaceID, sessionID string) ([]*model.Worktree, error) {
	if _, err := m.GetSession(ctx, workspaceID, sessionID); err != nil {
		return nil, err
	}
	wts, err := m.st.ListWorktrees(ctx, sessionID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to list worktrees")
	}
	return wts, nil
}

// WorktreePatch carries mutable worktree fields.
type WorktreePatch struct {
	Name            *string
	Model           *string
	ReasoningEffort *string
	InternetAccess  *bool
}

// UpdateWorktree applies a patch and broadcasts the rename/model change.
func (m *Manager) UpdateWorktree(ctx context.Context, workspaceID, sessionID, worktreeID string, patch WorktreePatch) (*model.Worktree, error) {
	wt, err := m.GetWorktree(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return nil, err
	}

	renamed := false
	if patch.Name != nil && *patch.Name != wt.Name {
		wt.Name = *patch.Name
		renamed = true
	}
	modelChanged := false
	if patch.Model != nil {
		wt.Model = *patch.Model
		modelChanged = true
	}
	if patch.ReasoningEffort != nil {
		wt.ReasoningEffort = *patch.ReasoningEffort
		modelChanged = true
	}
	if patch.InternetAccess != nil {
		wt.InternetAccess = *patch.InternetAccess
	}
	if err := m.st.SaveWorktree(ctx, wt); err != nil {
		return nil, apperr.Internal(err, "failed to persist worktree")
	}

	if modelChanged {
		if client := m.existingClient(sessionID, worktreeID); client != nil {
			if err := client.SetModel(ctx, wt.Model, wt.ReasoningEffort); err != nil {
				m.logger.Warn("model change not applied to running agent", zap.Error(err))
			}
		}
	}
	if renamed {
		m.bc.Publish(broadcast.Event{
			Type: "worktree_renamed", SessionID: sessionID, WorktreeID: worktreeID,
			Payload: map[string]any{"name": wt.Name},
		})
	}
	return wt, nil
}

// DeleteWorktree detaches the working tree, removes its branch, stops its
// agent, and deletes its rows. The main worktree cannot be deleted.
func (m *Manager) DeleteWorktree(ctx context.Context, workspaceID, sessionID, worktreeID string) error {
	if worktreeID == "main" {
		return apperr.Validation("the main worktree cannot be deleted")
	}
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return err
	}
	wt, err := m.GetWorktree(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return err
	}
	ws, err := m.st.GetWorkspace(ctx, workspaceID)
	if err != nil || ws == nil {
		return apperr.Internal(err, "failed to load workspace")
	}

	if client := m.takeClient(sessionID, worktreeID); client != nil {
		client.Close(ctx)
	}

	dir := m.worktreeDir(sess, worktreeID)
	if res, err := m.runGit(ctx, ws, sess.RepoDir, "worktree", "remove", "--force", dir); err != nil || res.exitCode != 0 {
		// Fall back to removing the directory; prune bookkeeping after.
		_ = os.RemoveAll(dir)
		_, _ = m.runGit(ctx, ws, sess.RepoDir, "worktree", "prune")
	}
	_, _ = m.runGit(ctx, ws, sess.RepoDir, "branch", "-D", wt.BranchName)

	if err := m.st.DeleteWorktree(ctx, sessionID, worktreeID); err != nil {
		return apperr.Internal(err, "failed to delete worktree rows")
	}
	m.bc.Publish(broadcast.Event{Type: "worktree_removed", SessionID: sessionID, WorktreeID: worktreeID})
	return nil
}

// Wakeup eagerly starts a worktree's agent and waits (bounded) for ready.
func (m *Manager) Wakeup(ctx context.Context, workspaceID, sessionID, worktreeID string, wait time.Duration) error {
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return err
	}
	wt, err := m.GetWorktree(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return err
	}
	_, err = m.ensureClient(ctx, sess, wt, wait)
	return err
}

// ProviderInUse reports whether any of a workspace's sessions currently
// uses the provider — the guard behind refusing a provider disable.
func (m *Manager) ProviderInUse(ctx context.Context, workspaceID, provider string) (bool, error) {
	sessions, err := m.st.ListSessions(ctx, workspaceID)
	if err != nil {
		return false, apperr.Internal(err, "failed to list sessions")
	}
	for _, sess := range sessions {
		if sess.ActiveProvider == provider {
			return true, nil
		}
		wts, err := m.st.ListWorktrees(ctx, sess.ID)
		if err != nil {
			continue
		}
		for _, wt := range wts {
			if wt.Provider == provider {
				return true, nil
			}
		}
	}
	return false, nil
}

// SwitchProvider changes a session's active provider for new worktrees.
func (m *Manager) SwitchProvider(ctx context.Context, workspaceID, sessionID, provider string) (*model.Session, error) {
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, err
	}
	ws, err := m.st.GetWorkspace(ctx, workspaceID)
	if err != nil || ws == nil {
		return nil, apperr.Internal(err, "failed to load workspace")
	}
	if p, ok := ws.Providers[provider]; !ok || !p.Enabled {
		return nil, apperr.Validation("provider %q is not enabled for this workspace", provider)
	}
	sess.ActiveProvider = provider
	m.Touch(ctx, sess)
	if err := m.st.SaveSession(ctx, sess); err != nil {
		return nil, apperr.Internal(err, "failed to persist session")
	}
	m.bc.Publish(broadcast.Event{
		Type: "provider_switched", SessionID: sessionID,
		Payload: map[string]any{"provider": provider},
	})
	return sess, nil
}

// existingClient returns the live client for a worktree, or nil.
func (m *Manager) existingClient(sessionID, worktreeID string) *agent.Client {
	rt := m.runtime(sessionID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.clients[worktreeID]
}

// takeClient removes and returns the live client for a worktree, or nil.
func (m *Manager) takeClient(sessionID, worktreeID string) *agent.Client {
	rt := m.runtime(sessionID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	client := rt.clients[worktreeID]
	delete(rt.clients, worktreeID)
	if cancel := rt.routeCancel[worktreeID]; cancel != nil {
		cancel()
		delete(rt.routeCancel, worktreeID)
	}
	return client
}
