package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentharbor/core/internal/apperr"
	"github.com/agentharbor/core/internal/auth"
	"github.com/agentharbor/core/internal/model"
)

type loginRequest struct {
	WorkspaceID string `json:"workspaceId" binding:"required"`
	Secret      string `json:"secret" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("workspaceId and secret are required"))
		return
	}
	pair, err := s.auth.Login(c.Request.Context(), req.WorkspaceID, req.Secret)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("refreshToken is required"))
		return
	}
	pair, err := s.auth.Rotate(c.Request.Context(), req.RefreshToken)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// handleCreateWorkspace provisions a tenant (multi-user mode only). The
// clear secret is emitted exactly once, here.
func (s *Server) handleCreateWorkspace(c *gin.Context) {
	ctx := c.Request.Context()

	id := auth.MintWorkspaceID()
	secret := auth.MintSecret()
	hash, err := auth.HashSecret(secret)
	if err != nil {
		s.fail(c, apperr.Internal(err, "failed to hash secret"))
		return
	}

	alloc, err := s.fs.Allocate(ctx, id)
	if err != nil {
		s.fail(c, apperr.Internal(err, "failed to allocate workspace"))
		return
	}
	ws := &model.Workspace{
		ID:         id,
		SecretHash: hash,
		UID:        alloc.UID,
		GID:        alloc.GID,
		Providers:  map[string]model.ProviderConfig{"codex": {Enabled: true}},
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.st.PutWorkspace(ctx, ws); err != nil {
		_ = s.fs.Release(ctx, id)
		s.fail(c, apperr.Internal(err, "failed to persist workspace"))
		return
	}
	s.fs.AppendAuditLog(id, "workspace_created", "")

	c.JSON(http.StatusCreated, gin.H{
		"workspaceId": id,
		"secret":      secret,
		"uid":         ws.UID,
		"gid":         ws.GID,
	})
}

type patchWorkspaceRequest struct {
	Providers map[string]struct {
		Enabled        *bool  `json:"enabled"`
		CredentialKind string `json:"credentialKind"`
		Credential     string `json:"credential"`
	} `json:"providers"`
}

// handlePatchWorkspace updates provider enablement/credentials. Disabling
// a provider is refused while any session uses it.
func (s *Server) handlePatchWorkspace(c *gin.Context) {
	ctx := c.Request.Context()
	workspaceID := s.workspaceID(c)

	var req patchWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("invalid workspace patch"))
		return
	}

	ws, err := s.st.GetWorkspace(ctx, workspaceID)
	if err != nil || ws == nil {
		s.fail(c, apperr.NotFound("workspace not found"))
		return
	}
	if ws.Providers == nil {
		ws.Providers = make(map[string]model.ProviderConfig)
	}

	for name, patch := range req.Providers {
		current := ws.Providers[name]
		if patch.Enabled != nil {
			if !*patch.Enabled {
				inUse, err := s.mgr.ProviderInUse(ctx, workspaceID, name)
				if err != nil {
					s.fail(c, err)
					return
				}
				if inUse {
					s.fail(c, apperr.Forbidden("Provider cannot be disabled: active sessions use it."))
					return
				}
			}
			current.Enabled = *patch.Enabled
		}
		if patch.CredentialKind != "" {
			current.CredentialKind = model.ProviderCredentialKind(patch.CredentialKind)
		}
		if patch.Credential != "" {
			// Credential blobs are opaque; no expiry is derived from them.
			current.Credential = []byte(patch.Credential)
			if err := s.fs.WriteProviderCredential(workspaceID, name+".credential", current.Credential); err != nil {
				s.logger.Warn("failed to write provider credential file", zap.Error(err))
			}
		}
		ws.Providers[name] = current
	}

	if err := s.st.PutWorkspace(ctx, ws); err != nil {
		s.fail(c, apperr.Internal(err, "failed to persist workspace"))
		return
	}
	s.fs.AppendAuditLog(workspaceID, "providers_updated", "")
	c.JSON(http.StatusOK, ws)
}

type handoffCreateRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleHandoffCreate(c *gin.Context) {
	var req handoffCreateRequest
	_ = c.ShouldBindJSON(&req) // sessionId is optional

	if req.SessionID != "" {
		if _, err := s.mgr.GetSession(c.Request.Context(), s.workspaceID(c), req.SessionID); err != nil {
			s.fail(c, err)
			return
		}
	}
	ht, err := s.auth.CreateHandoff(s.workspaceID(c), req.SessionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": ht.Token, "expiresAt": ht.ExpiresAt})
}

type handoffConsumeRequest struct {
	Token string `json:"token" binding:"required"`
}

func (s *Server) handleHandoffConsume(c *gin.Context) {
	var req handoffConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("token is required"))
		return
	}
	pair, sessionID, err := s.auth.ConsumeHandoff(c.Request.Context(), req.Token)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := gin.H{
		"workspaceToken":   pair.Access,
		"refreshToken":     pair.Refresh,
		"expiresIn":        pair.ExpiresIn,
		"refreshExpiresIn": pair.RefreshExpiresIn,
	}
	if sessionID != "" {
		resp["sessionId"] = sessionID
	}
	c.JSON(http.StatusOK, resp)
}
