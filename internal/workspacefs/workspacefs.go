// Package workspacefs owns the on-disk layout each Workspace gets: a home
// directory for transient auth material, a data directory for cloned
// session repositories, and the uid/gid pair the Sandbox drops privileges
// to when it runs an agent on that workspace's behalf. It mirrors the
// worktree manager's allocate-then-persist, reconcile-orphans-on-startup
// shape, generalized from a single git-worktree concern to the full
// per-tenant filesystem footprint.
package workspacefs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentharbor/core/internal/common/config"
	"github.com/agentharbor/core/internal/common/logger"
)

var (
	// ErrIDTaken is returned when a caller requests a workspace id that
	// already has an allocation.
	ErrIDTaken = errors.New("workspacefs: workspace id already allocated")
	// ErrIDExhausted is returned when the configured uid/gid range has no
	// free slots left.
	ErrIDExhausted = errors.New("workspacefs: uid/gid range exhausted")
	// ErrIOFailed wraps any filesystem operation failure.
	ErrIOFailed = errors.New("workspacefs: io operation failed")
)

// dirMode is the mode for per-tenant private
// directories: group-readable for the sandbox's gid but not world-
// accessible.
const dirMode = 0o2750

// Allocation is what WorkspaceFS hands back for a newly provisioned or
// recovered workspace.
type Allocation struct {
	WorkspaceID string
	UID         int
	GID         int
	HomeDir     string
	DataDir     string
}

// WorkspaceFS allocates and reclaims the uid/gid and directory footprint
// backing each Workspace. It is safe for concurrent use.
type WorkspaceFS struct {
	cfg    config.DeploymentConfig
	sbx    config.SandboxConfig
	logger *logger.Logger

	mu        sync.Mutex
	used      map[int]string // uid -> workspaceID
	byWS      map[string]*Allocation
}

// New constructs a WorkspaceFS rooted at the configured home/data roots and
// reconciles any allocations left behind by a prior process (picking up
// uid/gid usage from whatever subdirectories already exist under homeRoot).
func New(cfg config.DeploymentConfig, sbx config.SandboxConfig, log *logger.Logger) (*WorkspaceFS, error) {
	if log == nil {
		log = logger.Default()
	}
	homeRoot := cfg.HomeRoot
	dataRoot := cfg.DataRoot
	if err := os.MkdirAll(homeRoot, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create home root: %v", ErrIOFailed, err)
	}
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data root: %v", ErrIOFailed, err)
	}

	fs := &WorkspaceFS{
		cfg:    cfg,
		sbx:    sbx,
		logger: log.WithFields(zap.String("component", "workspacefs")),
		used:   make(map[int]string),
		byWS:   make(map[string]*Allocation),
	}

	if err := fs.reconcile(); err != nil {
		return nil, err
	}
	return fs, nil
}

// reconcile scans homeRoot for existing per-workspace directories left by a
// previous process and re-registers their uid/gid so Allocate never hands
// out a slot twice across restarts.
func (f *WorkspaceFS) reconcile() error {
	entries, err := os.ReadDir(f.cfg.HomeRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: reconcile home root: %v", ErrIOFailed, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		uid, gid, ok := statOwnership(info)
		if !ok {
			continue
		}
		wsID := e.Name()
		f.used[uid] = wsID
		f.byWS[wsID] = &Allocation{
			WorkspaceID: wsID,
			UID:         uid,
			GID:         gid,
			HomeDir:     filepath.Join(f.cfg.HomeRoot, wsID),
			DataDir:     filepath.Join(f.cfg.DataRoot, wsID),
		}
		f.logger.Info("recovered orphaned workspace allocation",
			zap.String("workspace_id", wsID), zap.Int("uid", uid), zap.Int("gid", gid))
	}
	return nil
}

// Allocate provisions a brand new workspace: picks the lowest free uid/gid
// in the configured range, creates its home and data directories, and
// chowns them to the new pair. Returns ErrIDTaken if id is already
// allocated, or ErrIDExhausted if the uid/gid range has no room left.
func (f *WorkspaceFS) Allocate(_ context.Context, id string) (*Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.byWS[id]; exists {
		return nil, ErrIDTaken
	}

	uid, ok := f.nextFreeUID()
	if !ok {
		return nil, ErrIDExhausted
	}
	gid := uid

	homeDir := filepath.Join(f.cfg.HomeRoot, id)
	dataDir := filepath.Join(f.cfg.DataRoot, id)
	sessionsDir := filepath.Join(dataDir, "sessions")

	if err := os.MkdirAll(homeDir, dirMode); err != nil {
		return nil, fmt.Errorf("%w: create home dir: %v", ErrIOFailed, err)
	}
	if err := os.MkdirAll(sessionsDir, dirMode); err != nil {
		os.RemoveAll(homeDir)
		return nil, fmt.Errorf("%w: create sessions dir: %v", ErrIOFailed, err)
	}
	if err := chownRecursive(homeDir, uid, gid); err != nil {
		os.RemoveAll(homeDir)
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("%w: chown home dir: %v", ErrIOFailed, err)
	}
	if err := chownRecursive(dataDir, uid, gid); err != nil {
		os.RemoveAll(homeDir)
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("%w: chown data dir: %v", ErrIOFailed, err)
	}

	alloc := &Allocation{WorkspaceID: id, UID: uid, GID: gid, HomeDir: homeDir, DataDir: dataDir}
	f.used[uid] = id
	f.byWS[id] = alloc

	f.logger.Info("allocated workspace",
		zap.String("workspace_id", id), zap.Int("uid", uid), zap.Int("gid", gid))
	f.appendAuditLog(id, "allocate", fmt.Sprintf("uid=%d gid=%d", uid, gid))

	return alloc, nil
}

// Get returns the allocation for a known workspace, or nil if none exists.
func (f *WorkspaceFS) Get(id string) *Allocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byWS[id]
}

// SessionDir returns (and creates) the directory a given session's clone
// lives under within its workspace's data directory.
func (f *WorkspaceFS) SessionDir(workspaceID, sessionID string) (string, error) {
	f.mu.Lock()
	alloc, ok := f.byWS[workspaceID]
	f.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("workspacefs: unknown workspace %s", workspaceID)
	}
	dir := filepath.Join(alloc.DataDir, "sessions", sessionID)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", fmt.Errorf("%w: create session dir: %v", ErrIOFailed, err)
	}
	if err := chownRecursive(dir, alloc.UID, alloc.GID); err != nil {
		return "", fmt.Errorf("%w: chown session dir: %v", ErrIOFailed, err)
	}
	return dir, nil
}

// WriteProviderCredential writes a provider credential file into a
// workspace's home directory at 0600, owned by the workspace's uid/gid, so
// only the sandboxed agent process can read it.
func (f *WorkspaceFS) WriteProviderCredential(workspaceID, filename string, data []byte) error {
	f.mu.Lock()
	alloc, ok := f.byWS[workspaceID]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("workspacefs: unknown workspace %s", workspaceID)
	}
	path := filepath.Join(alloc.HomeDir, filename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("%w: write credential: %v", ErrIOFailed, err)
	}
	if err := chownRecursive(path, alloc.UID, alloc.GID); err != nil {
		return fmt.Errorf("%w: chown credential: %v", ErrIOFailed, err)
	}
	return nil
}

// Release removes a workspace's home and data directories and frees its
// uid/gid slot for reuse. Used when an operator deprovisions a workspace
// entirely (not the per-session GC path, which only removes session dirs).
func (f *WorkspaceFS) Release(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	alloc, ok := f.byWS[id]
	if !ok {
		return nil
	}
	if err := os.RemoveAll(alloc.HomeDir); err != nil {
		return fmt.Errorf("%w: remove home dir: %v", ErrIOFailed, err)
	}
	if err := os.RemoveAll(alloc.DataDir); err != nil {
		return fmt.Errorf("%w: remove data dir: %v", ErrIOFailed, err)
	}
	delete(f.used, alloc.UID)
	delete(f.byWS, id)
	f.appendAuditLog(id, "release", "")
	return nil
}

func (f *WorkspaceFS) nextFreeUID() (int, bool) {
	for uid := f.sbx.UIDRangeLo; uid <= f.sbx.UIDRangeHi; uid++ {
		if _, taken := f.used[uid]; !taken {
			return uid, true
		}
	}
	return 0, false
}

// AppendAuditLog records one audit line for a workspace-scoped action.
func (f *WorkspaceFS) AppendAuditLog(workspaceID, action, detail string) {
	f.appendAuditLog(workspaceID, action, detail)
}

func (f *WorkspaceFS) appendAuditLog(workspaceID, action, detail string) {
	path := filepath.Join(f.cfg.DataRoot, "audit.log")
	line := fmt.Sprintf("%s workspace=%s action=%s %s\n", time.Now().UTC().Format(time.RFC3339), workspaceID, action, detail)
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		f.logger.Warn("failed to open audit log", zap.Error(err))
		return
	}
	defer fh.Close()
	if _, err := fh.WriteString(line); err != nil {
		f.logger.Warn("failed to write audit log", zap.Error(err))
	}
}
