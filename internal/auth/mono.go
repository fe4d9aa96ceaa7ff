package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/agentharbor/core/internal/common/config"
	"github.com/agentharbor/core/internal/common/logger"
	"github.com/agentharbor/core/internal/model"
	"github.com/agentharbor/core/internal/store"
	"github.com/agentharbor/core/internal/workspacefs"
)

// Bootstrapper provisions the single implicit workspace in mono-user mode
// and emits the out-of-band handoff URL. No credentials are collected: the
// URL embeds a single-use handoff token.
type Bootstrapper struct {
	store  store.Store
	auth   *Service
	fs     *workspacefs.WorkspaceFS
	cfg    config.DeploymentConfig
	server config.ServerConfig
	logger *logger.Logger
}

// NewBootstrapper wires the mono-mode startup path.
func NewBootstrapper(st store.Store, svc *Service, fs *workspacefs.WorkspaceFS, cfg config.DeploymentConfig, server config.ServerConfig, log *logger.Logger) *Bootstrapper {
	if log == nil {
		log = logger.Default()
	}
	return &Bootstrapper{store: st, auth: svc, fs: fs, cfg: cfg, server: server, logger: log.WithFields(zap.String("component", "mono-bootstrap"))}
}

// Run ensures exactly one workspace exists, mints a handoff token for it,
// writes the handoff URL to the configured file, and prints it to the
// console. Idempotent across restarts: an existing workspace is reused and
// only the handoff token is re-minted.
func (b *Bootstrapper) Run(ctx context.Context) (*model.Workspace, string, error) {
	ws, err := b.ensureWorkspace(ctx)
	if err != nil {
		return nil, "", err
	}

	ht, err := b.auth.CreateHandoff(ws.ID, "")
	if err != nil {
		return nil, "", err
	}

	url := fmt.Sprintf("http://%s:%d/auth/handoff?token=%s", displayHost(b.server.Host), b.server.Port, ht.Token)
	if b.cfg.HandoffURLFile != "" {
		if err := writeHandoffURLFile(b.cfg.HandoffURLFile, url); err != nil {
			b.logger.Warn("failed to write handoff URL file", zap.String("path", b.cfg.HandoffURLFile), zap.Error(err))
		}
	}
	fmt.Printf("==> Open this URL to authenticate: %s\n", url)
	b.logger.Info("mono-user handoff URL issued", zap.String("workspace_id", ws.ID))
	return ws, url, nil
}

func (b *Bootstrapper) ensureWorkspace(ctx context.Context) (*model.Workspace, error) {
	existing, err := b.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	id := MintWorkspaceID()
	secretHash, err := HashSecret(MintSecret())
	if err != nil {
		return nil, err
	}

	alloc, err := b.fs.Allocate(ctx, id)
	if err != nil {
		return nil, err
	}
	ws := &model.Workspace{
		ID:         id,
		SecretHash: secretHash,
		UID:        alloc.UID,
		GID:        alloc.GID,
		Providers: map[string]model.ProviderConfig{
			"codex": {Enabled: true},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := b.store.PutWorkspace(ctx, ws); err != nil {
		// Roll back the uid allocation so a retry does not leak slots.
		_ = b.fs.Release(ctx, id)
		return nil, err
	}
	b.logger.Info("mono-user workspace provisioned", zap.String("workspace_id", id), zap.Int("uid", alloc.UID))
	return ws, nil
}

func displayHost(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return "localhost"
	}
	return host
}

func writeHandoffURLFile(path, url string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(url+"\n"), 0o600)
}
