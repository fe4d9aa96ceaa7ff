package session

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/agentharbor/core/internal/apperr"
	"github.com/agentharbor/core/internal/model"
	"github.com/agentharbor/core/internal/sandbox"
)

// runResult captures one sandboxed command execution.
type runResult struct {
	stdout   string
	stderr   string
	exitCode int
}

// run executes argv under the given capability and waits for completion.
// Every external command on a session's behalf goes through here — and
// therefore through the Sandbox.
func (m *Manager) run(ctx context.Context, cap sandbox.Capability, argv ...string) (*runResult, error) {
	proc, err := m.sbx.Start(ctx, cap, argv)
	if err != nil {
		return &runResult{exitCode: -1}, err
	}
	_ = proc.Stdin().Close()

	var stdout, stderr bytes.Buffer
	outDone := make(chan struct{})
	errDone := make(chan struct{})
	go func() { _, _ = io.Copy(&stdout, proc.Stdout()); close(outDone) }()
	go func() { _, _ = io.Copy(&stderr, proc.Stderr()); close(errDone) }()

	waitErr := proc.Wait()
	<-outDone
	<-errDone

	res := &runResult{stdout: stdout.String(), stderr: stderr.String(), exitCode: exitCode(waitErr)}
	if waitErr != nil && res.exitCode <= 0 {
		res.exitCode = -1
	}
	return res, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	type coder interface{ ExitCode() int }
	if c, ok := err.(coder); ok {
		return c.ExitCode()
	}
	return -1
}

// runGit runs a git command in a worktree's checkout for a session,
// returning stdout. Every operation routed through here is local-only
// (status, diff, log, branch, worktree, merge, cherry-pick, config) — no
// endpoint fetches or pushes — so the capability grants no network and
// hides git credentials; only the clone path, which builds its own
// capability, ever needs egress.
func (m *Manager) runGit(ctx context.Context, ws *model.Workspace, workDir string, args ...string) (*runResult, error) {
	sess := workDir
	// The session dir is the parent of the repo checkout; worktree
	// checkouts sit one level deeper, under <session>/worktrees.
	if idx := strings.LastIndex(workDir, "/"); idx > 0 {
		sess = strings.TrimSuffix(workDir[:idx], "/worktrees")
	}
	cap := m.capability(ws, workDir, sess, false, true)
	argv := append([]string{"git"}, args...)
	return m.run(ctx, cap, argv...)
}

// mustOutput runs a git command and returns stdout, swallowing failures
// (used for best-effort reads like branch detection).
func (m *Manager) mustOutput(ctx context.Context, ws *model.Workspace, workDir string, argv ...string) string {
	cap := m.capability(ws, workDir, workDir, false, false)
	res, err := m.run(ctx, cap, argv...)
	if err != nil || res.exitCode != 0 {
		return ""
	}
	return res.stdout
}

// classifyCloneError maps a git clone failure onto the error taxonomy.
func classifyCloneError(stderr string, cause error) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "could not read username"),
		strings.Contains(lower, "could not read password"),
		strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "invalid credentials"):
		return apperr.GitClassified(apperr.CodeGitAuthFailed, "repository authentication failed")
	case strings.Contains(lower, "not found"),
		strings.Contains(lower, "does not exist"),
		strings.Contains(lower, "repository not found"):
		return apperr.GitClassified(apperr.CodeGitRepoNotFound, "repository not found")
	case strings.Contains(lower, "could not resolve host"),
		strings.Contains(lower, "unable to access"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "timed out"):
		return apperr.GitClassified(apperr.CodeGitNetwork, "network error while cloning repository")
	case cause != nil:
		return apperr.Internal(cause, "clone failed")
	default:
		if msg == "" {
			msg = "clone failed"
		}
		return apperr.GitClassified(apperr.CodeGitIO, msg)
	}
}

// WorktreeDiff returns `git diff` output for a worktree checkout.
func (m *Manager) WorktreeDiff(ctx context.Context, workspaceID, sessionID, worktreeID string) (string, error) {
	ws, dir, err := m.worktreeCheckout(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return "", err
	}
	res, err := m.runGit(ctx, ws, dir, "diff")
	if err != nil {
		return "", apperr.Internal(err, "git diff failed")
	}
	return res.stdout, nil
}

// WorktreeStatus returns `git status --porcelain` output for a worktree.
func (m *Manager) WorktreeStatus(ctx context.Context, workspaceID, sessionID, worktreeID string) (string, error) {
	ws, dir, err := m.worktreeCheckout(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return "", err
	}
	res, err := m.runGit(ctx, ws, dir, "status", "--porcelain")
	if err != nil {
		return "", apperr.Internal(err, "git status failed")
	}
	return res.stdout, nil
}

// WorktreeCommits returns recent commit lines for a worktree's branch.
func (m *Manager) WorktreeCommits(ctx context.Context, workspaceID, sessionID, worktreeID string, limit int) ([]string, error) {
	ws, dir, err := m.worktreeCheckout(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	res, err := m.runGit(ctx, ws, dir, "log", "--oneline", "-n", strconv.Itoa(limit))
	if err != nil {
		return nil, apperr.Internal(err, "git log failed")
	}
	var out []string
	for _, line := range strings.Split(strings.TrimRight(res.stdout, "\n"), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// ListBranches returns the branches of a session's repository.
func (m *Manager) ListBranches(ctx context.Context, workspaceID, sessionID string) ([]string, error) {
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, err
	}
	ws, err := m.st.GetWorkspace(ctx, workspaceID)
	if err != nil || ws == nil {
		return nil, apperr.Internal(err, "failed to load workspace")
	}
	res, err := m.runGit(ctx, ws, sess.RepoDir, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, apperr.Internal(err, "git branch failed")
	}
	var out []string
	for _, line := range strings.Split(strings.TrimRight(res.stdout, "\n"), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// SwitchBranch checks out a branch in a worktree. A dirty tree is refused.
func (m *Manager) SwitchBranch(ctx context.Context, workspaceID, sessionID, worktreeID, branch string) error {
	ws, dir, err := m.worktreeCheckout(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return err
	}
	status, err := m.runGit(ctx, ws, dir, "status", "--porcelain")
	if err != nil {
		return apperr.Internal(err, "git status failed")
	}
	if strings.TrimSpace(status.stdout) != "" {
		return apperr.Conflict("working tree has uncommitted changes")
	}
	res, err := m.runGit(ctx, ws, dir, "checkout", branch)
	if err != nil {
		return apperr.Internal(err, "git checkout failed")
	}
	if res.exitCode != 0 {
		return apperr.GitClassified(apperr.CodeGitIO, strings.TrimSpace(res.stderr))
	}
	return nil
}

// Merge merges another worktree's branch into this worktree.
func (m *Manager) Merge(ctx context.Context, workspaceID, sessionID, worktreeID, sourceBranch string) (string, error) {
	ws, dir, err := m.worktreeCheckout(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return "", err
	}
	res, err := m.runGit(ctx, ws, dir, "merge", "--no-edit", sourceBranch)
	if err != nil {
		return "", apperr.Internal(err, "git merge failed")
	}
	if res.exitCode != 0 {
		return res.stdout, apperr.Conflict("merge failed: %s", strings.TrimSpace(firstNonEmpty(res.stderr, res.stdout)))
	}
	m.scheduleDiffBroadcast(sessionID, worktreeID)
	return res.stdout, nil
}

// AbortMerge aborts an in-progress merge in a worktree.
func (m *Manager) AbortMerge(ctx context.Context, workspaceID, sessionID, worktreeID string) error {
	ws, dir, err := m.worktreeCheckout(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return err
	}
	res, err := m.runGit(ctx, ws, dir, "merge", "--abort")
	if err != nil {
		return apperr.Internal(err, "git merge --abort failed")
	}
	if res.exitCode != 0 {
		return apperr.Conflict("no merge to abort")
	}
	return nil
}

// CherryPick applies a commit onto a worktree's branch.
func (m *Manager) CherryPick(ctx context.Context, workspaceID, sessionID, worktreeID, commit string) (string, error) {
	ws, dir, err := m.worktreeCheckout(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return "", err
	}
	res, err := m.runGit(ctx, ws, dir, "cherry-pick", commit)
	if err != nil {
		return "", apperr.Internal(err, "git cherry-pick failed")
	}
	if res.exitCode != 0 {
		_, _ = m.runGit(ctx, ws, dir, "cherry-pick", "--abort")
		return res.stdout, apperr.Conflict("cherry-pick failed: %s", strings.TrimSpace(firstNonEmpty(res.stderr, res.stdout)))
	}
	m.scheduleDiffBroadcast(sessionID, worktreeID)
	return res.stdout, nil
}

// SetGitIdentity configures the committer identity for a session's
// repository (shared by all of its worktrees).
func (m *Manager) SetGitIdentity(ctx context.Context, workspaceID, sessionID, name, email string) error {
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return err
	}
	ws, err := m.st.GetWorkspace(ctx, workspaceID)
	if err != nil || ws == nil {
		return apperr.Internal(err, "failed to load workspace")
	}
	for _, kv := range [][2]string{{"user.name", name}, {"user.email", email}} {
		res, err := m.runGit(ctx, ws, sess.RepoDir, "config", kv[0], kv[1])
		if err != nil {
			return apperr.Internal(err, "git config failed")
		}
		if res.exitCode != 0 {
			return apperr.GitClassified(apperr.CodeGitIO, strings.TrimSpace(res.stderr))
		}
	}
	return nil
}

// worktreeCheckout resolves the workspace and checkout directory of a
// worktree.
func (m *Manager) worktreeCheckout(ctx context.Context, workspaceID, sessionID, worktreeID string) (*model.Workspace, string, error) {
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, "", err
	}
	wt, err := m.st.GetWorktree(ctx, sessionID, worktreeID)
	if err != nil {
		return nil, "", apperr.Internal(err, "failed to load worktree")
	}
	if wt == nil {
		return nil, "", apperr.NotFound("worktree %s not found", worktreeID)
	}
	ws, err := m.st.GetWorkspace(ctx, workspaceID)
	if err != nil || ws == nil {
		return nil, "", apperr.Internal(err, "failed to load workspace")
	}
	return ws, m.worktreeDir(sess, wt.ID), nil
}

