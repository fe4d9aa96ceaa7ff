package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentharbor/core/internal/apperr"
	"github.com/agentharbor/core/internal/session"
)

type createSessionRequest struct {
	RepoURL                  string `json:"repoUrl" binding:"required"`
	Name                     string `json:"name"`
	Provider                 string `json:"provider"`
	InternetAccess           *bool  `json:"internetAccess"`
	DenyGitCredentialsAccess *bool  `json:"denyGitCredentialsAccess"`
	Auth                     *struct {
		Username string `json:"username"`
		Password string `json:"password"`
		SSHKey   string `json:"sshKey"`
	} `json:"auth"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("repoUrl is required"))
		return
	}

	var cloneAuth *session.CloneAuth
	if req.Auth != nil {
		cloneAuth = &session.CloneAuth{Username: req.Auth.Username, Password: req.Auth.Password, SSHKey: req.Auth.SSHKey}
	}
	sess, err := s.mgr.CreateSession(c.Request.Context(), s.workspaceID(c), req.RepoURL, cloneAuth, session.CreateOptions{
		Name:                     req.Name,
		Provider:                 req.Provider,
		InternetAccess:           req.InternetAccess,
		DenyGitCredentialsAccess: req.DenyGitCredentialsAccess,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"sessionId":       sess.ID,
		"path":            sess.RepoDir,
		"defaultProvider": sess.ActiveProvider,
		"providers":       sess.EnabledProviders,
		"session":         sess,
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.mgr.ListSessions(c.Request.Context(), s.workspaceID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.mgr.GetSession(c.Request.Context(), s.workspaceID(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.mgr.DestroySession(c.Request.Context(), s.workspaceID(c), c.Param("id"), "deleted"); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleClearSession wipes the conversation logs of every worktree.
func (s *Server) handleClearSession(c *gin.Context) {
	ctx := c.Request.Context()
	workspaceID := s.workspaceID(c)
	sessionID := c.Param("id")

	worktrees, err := s.mgr.ListWorktrees(ctx, workspaceID, sessionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	for _, wt := range worktrees {
		if err := s.mgr.ClearMessages(ctx, workspaceID, sessionID, wt.ID); err != nil {
			s.fail(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetBacklog(c *gin.Context) {
	sess, err := s.mgr.GetSession(c.Request.Context(), s.workspaceID(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backlog": sess.Backlog})
}

type backlogRequest struct {
	Backlog string `json:"backlog"`
}

func (s *Server) handlePutBacklog(c *gin.Context) {
	var req backlogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("invalid backlog payload"))
		return
	}
	sess, err := s.mgr.SetBacklog(c.Request.Context(), s.workspaceID(c), c.Param("id"), req.Backlog)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backlog": sess.Backlog})
}

type switchProviderRequest struct {
	Provider string `json:"provider" binding:"required"`
}

func (s *Server) handleSwitchProvider(c *gin.Context) {
	var req switchProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("provider is required"))
		return
	}
	sess, err := s.mgr.SwitchProvider(c.Request.Context(), s.workspaceID(c), c.Param("id"), req.Provider)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleRPCLog(c *gin.Context) {
	if _, err := s.mgr.GetSession(c.Request.Context(), s.workspaceID(c), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": s.mgr.RPCLog(c.Param("id"))})
}

func (s *Server) handleListBranches(c *gin.Context) {
	branches, err := s.mgr.ListBranches(c.Request.Context(), s.workspaceID(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": branches})
}

type gitIdentityRequest struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required"`
}

func (s *Server) handleGitIdentity(c *gin.Context) {
	var req gitIdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("name and email are required"))
		return
	}
	if err := s.mgr.SetGitIdentity(c.Request.Context(), s.workspaceID(c), c.Param("id"), req.Name, req.Email); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func queryInt(c *gin.Context, name string, fallback int) int {
	if raw := c.Query(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func queryInt64(c *gin.Context, name string, fallback int64) int64 {
	if raw := c.Query(name); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v
		}
	}
	return fallback
}
