package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentharbor/core/internal/apperr"
	"github.com/agentharbor/core/internal/model"
	"github.com/agentharbor/core/internal/session"
)

func (s *Server) handleListWorktrees(c *gin.Context) {
	worktrees, err := s.mgr.ListWorktrees(c.Request.Context(), s.workspaceID(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, worktrees)
}

type createWorktreeRequest struct {
	Name                     string `json:"name"`
	Provider                 string `json:"provider"`
	Context                  string `json:"context"`
	SourceWorktreeID         string `json:"sourceWorktreeId"`
	BaseBranch               string `json:"baseBranch"`
	Model                    string `json:"model"`
	ReasoningEffort          string `json:"reasoningEffort"`
	InternetAccess           *bool  `json:"internetAccess"`
	DenyGitCredentialsAccess *bool  `json:"denyGitCredentialsAccess"`
}

func (s *Server) handleCreateWorktree(c *gin.Context) {
	var req createWorktreeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("invalid worktree payload"))
		return
	}
	switch req.Context {
	case "", string(model.ContextNew), string(model.ContextFork):
	default:
		s.fail(c, apperr.Validation("context must be new or fork"))
		return
	}

	wt, err := s.mgr.CreateWorktree(c.Request.Context(), s.workspaceID(c), c.Param("id"), session.WorktreeOptions{
		Name:                     req.Name,
		Provider:                 req.Provider,
		Context:                  model.WorktreeContext(req.Context),
		SourceWorktreeID:         req.SourceWorktreeID,
		BaseBranch:               req.BaseBranch,
		Model:                    req.Model,
		ReasoningEffort:          req.ReasoningEffort,
		InternetAccess:           req.InternetAccess,
		DenyGitCredentialsAccess: req.DenyGitCredentialsAccess,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, wt)
}

func (s *Server) handleGetWorktree(c *gin.Context) {
	wt, err := s.mgr.GetWorktree(c.Request.Context(), s.workspaceID(c), c.Param("id"), c.Param("wt"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wt)
}

type patchWorktreeRequest struct {
	Name            *string `json:"name"`
	Model           *string `json:"model"`
	ReasoningEffort *string `json:"reasoningEffort"`
	InternetAccess  *bool   `json:"internetAccess"`
}

func (s *Server) handlePatchWorktree(c *gin.Context) {
	var req patchWorktreeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("invalid worktree patch"))
		return
	}
	wt, err := s.mgr.UpdateWorktree(c.Request.Context(), s.workspaceID(c), c.Param("id"), c.Param("wt"), session.WorktreePatch{
		Name:            req.Name,
		Model:           req.Model,
		ReasoningEffort: req.ReasoningEffort,
		InternetAccess:  req.InternetAccess,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wt)
}

func (s *Server) handleDeleteWorktree(c *gin.Context) {
	if err := s.mgr.DeleteWorktree(c.Request.Context(), s.workspaceID(c), c.Param("id"), c.Param("wt")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListMessages(c *gin.Context) {
	msgs, err := s.mgr.ListMessages(c.Request.Context(), s.workspaceID(c), c.Param("id"), c.Param("wt"),
		queryInt(c, "limit", 0), queryInt64(c, "beforeId", 0))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type sendMessageRequest struct {
	Text        string             `json:"text" binding:"required"`
	Attachments []model.Attachment `json:"attachments"`
	WaitSeconds int                `json:"waitSeconds"`
}

// handleSendMessage queues a turn. Agent failures stream over the
// WebSocket as turn_error; this endpoint returns 200 once queued.
func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("text is required"))
		return
	}
	turnID, err := s.mgr.SendMessage(c.Request.Context(), s.workspaceID(c), c.Param("id"), c.Param("wt"),
		req.Text, req.Attachments, time.Duration(req.WaitSeconds)*time.Second)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"turnId": turnID})
}

type interruptRequest struct {
	TurnID string `json:"turnId" binding:"required"`
}

func (s *Server) handleInterrupt(c *gin.Context) {
	var req interruptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("turnId is required"))
		return
	}
	if err := s.mgr.InterruptTurn(c.Request.Context(), s.workspaceID(c), c.Param("id"), c.Param("wt"), req.TurnID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"interrupted": true})
}

type wakeupRequest struct {
	WaitSeconds int `json:"waitSeconds"`
}

func (s *Server) handleWakeup(c *gin.Context) {
	var req wakeupRequest
	_ = c.ShouldBindJSON(&req)
	err := s.mgr.Wakeup(c.Request.Context(), s.workspaceID(c), c.Param("id"), c.Param("wt"),
		time.Duration(req.WaitSeconds)*time.Second)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleWorktreeDiff(c *gin.Context) {
	diff, err := s.mgr.WorktreeDiff(c.Request.Context(), s.workspaceID(c), c.Param("id"), c.Param("wt"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"diff": diff})
}

func (s *Server) handleWorktreeCommits(c *gin.Context) {
	commits, err := s.mgr.WorktreeCommits(c.Request.Context(), s.workspaceID(c), c.Param("id"), c.Param("wt"),
		queryInt(c, "limit", 50))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commits": commits})
}

func (s *Server) handleWorktreeStatus(c *gin.Context) {
	status, err := s.mgr.WorktreeStatus(c.Request.Context(), s.workspaceID(c), c.Param("id"), c.Param("wt"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

type switchBranchRequest struct {
	Branch string `json:"branch" binding:"required"`
}

func (s *Server) handleSwitchBranch(c *gin.Context) {
	var req switchBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("branch is required"))
		return
	}
	if err := s.mgr.SwitchBranch(c.Request.Context(), s.workspaceID(c), c.Param("id"), c.Param("wt"), req.Branch); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branch": req.Branch})
}

type mergeRequest struct {
	SourceBranch string `json:"sourceBranch" binding:"required"`
}

func (s *Server) handleMerge(c *gin.Context) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("sourceBranch is required"))
		return
	}
	out, err := s.mgr.Merge(c.Request.Context(), s.workspaceID(c), c.Param("id"), c.Param("wt"), req.SourceBranch)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": out})
}

func (s *Server) handleAbortMerge(c *gin.Context) {
	if err := s.mgr.AbortMerge(c.Request.Context(), s.workspaceID(c), c.Param("id"), c.Param("wt")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type cherryPickRequest struct {
	Commit string `json:"commit" binding:"required"`
}

func (s *Server) handleCherryPick(c *gin.Context) {
	var req cherryPickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("commit is required"))
		return
	}
	out, err := s.mgr.CherryPick(c.Request.Context(), s.workspaceID(c), c.Param("id"), c.Param("wt"), req.Commit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": out})
}

func (s *Server) handleListModels(c *gin.Context) {
	models, cursor, err := s.mgr.ListModels(c.Request.Context(), s.workspaceID(c), c.Param("id"), c.Param("wt"),
		c.Query("cursor"), queryInt(c, "pageSize", 50))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models, "nextCursor": cursor})
}

type setModelRequest struct {
	Model           string `json:"model" binding:"required"`
	ReasoningEffort string `json:"reasoningEffort"`
}

func (s *Server) handleSetModel(c *gin.Context) {
	var req setModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("model is required"))
		return
	}
	wt, err := s.mgr.UpdateWorktree(c.Request.Context(), s.workspaceID(c), c.Param("id"), c.Param("wt"), session.WorktreePatch{
		Model:           &req.Model,
		ReasoningEffort: &req.ReasoningEffort,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wt)
}
