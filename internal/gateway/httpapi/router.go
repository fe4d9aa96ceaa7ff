// Package httpapi is the HTTP half of the API surface: thin gin handlers
// that validate payloads, resolve the workspace from the bearer token, and
// dispatch into AuthService / SessionManager. Status codes come from the
// shared error taxonomy.
package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentharbor/core/internal/apperr"
	"github.com/agentharbor/core/internal/auth"
	"github.com/agentharbor/core/internal/common/config"
	"github.com/agentharbor/core/internal/common/httpmw"
	"github.com/agentharbor/core/internal/common/logger"
	"github.com/agentharbor/core/internal/session"
	"github.com/agentharbor/core/internal/store"
	gws "github.com/agentharbor/core/internal/gateway/websocket"
	"github.com/agentharbor/core/internal/workspacefs"
)

// workspaceIDKey is the gin context key the auth middleware sets.
const workspaceIDKey = "workspaceID"

// Server owns the gin engine and the handler dependencies.
type Server struct {
	engine *gin.Engine
	auth   *auth.Service
	mgr    *session.Manager
	st     store.Store
	fs     *workspacefs.WorkspaceFS
	cfg    *config.Config
	logger *logger.Logger
}

// NewServer wires routes and middleware.
func NewServer(cfg *config.Config, authSvc *auth.Service, mgr *session.Manager, st store.Store, fs *workspacefs.WorkspaceFS, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "api"))
	engine.Use(httpmw.OtelTracing("api"))

	s := &Server{
		engine: engine,
		auth:   authSvc,
		mgr:    mgr,
		st:     st,
		fs:     fs,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "http-api")),
	}
	s.routes()
	return s
}

// Engine exposes the router for http.Server wiring and tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) routes() {
	e := s.engine

	e.GET("/health", s.handleHealth)

	// Public auth endpoints.
	e.POST("/workspaces/login", s.handleLogin)
	e.POST("/workspaces/refresh", s.handleRefresh)
	e.POST("/sessions/handoff/consume", s.handleHandoffConsume)
	if s.cfg.Deployment.Mode == config.ModeMultiUser {
		e.POST("/workspaces", s.handleCreateWorkspace)
	}

	// WebSocket (authenticates in-band on the first frame).
	wsHandler := gws.NewHandler(s.auth, s.mgr, s.cfg.Session, s.logger)
	e.GET("/ws", wsHandler.Handle)

	authed := e.Group("/", s.requireAuth())
	{
		authed.PATCH("/workspaces", s.handlePatchWorkspace)
		authed.POST("/sessions/handoff", s.handleHandoffCreate)

		authed.GET("/sessions", s.handleListSessions)
		authed.POST("/sessions", s.handleCreateSession)
		authed.GET("/sessions/:id", s.handleGetSession)
		authed.DELETE("/sessions/:id", s.handleDeleteSession)
		authed.POST("/sessions/:id/clear", s.handleClearSession)
		authed.GET("/sessions/:id/backlog", s.handleGetBacklog)
		authed.PUT("/sessions/:id/backlog", s.handlePutBacklog)
		authed.POST("/sessions/:id/provider", s.handleSwitchProvider)
		authed.GET("/sessions/:id/rpc-log", s.handleRPCLog)

		authed.GET("/sessions/:id/branches", s.handleListBranches)
		authed.POST("/sessions/:id/git/identity", s.handleGitIdentity)

		authed.GET("/sessions/:id/worktrees", s.handleListWorktrees)
		authed.POST("/sessions/:id/worktrees", s.handleCreateWorktree)
		authed.GET("/sessions/:id/worktrees/:wt", s.handleGetWorktree)
		authed.PATCH("/sessions/:id/worktrees/:wt", s.handlePatchWorktree)
		authed.DELETE("/sessions/:id/worktrees/:wt", s.handleDeleteWorktree)

		authed.GET("/sessions/:id/worktrees/:wt/messages", s.handleListMessages)
		authed.POST("/sessions/:id/worktrees/:wt/messages", s.handleSendMessage)
		authed.POST("/sessions/:id/worktrees/:wt/interrupt", s.handleInterrupt)
		authed.POST("/sessions/:id/worktrees/:wt/wakeup", s.handleWakeup)
		authed.GET("/sessions/:id/worktrees/:wt/diff", s.handleWorktreeDiff)
		authed.GET("/sessions/:id/worktrees/:wt/commits", s.handleWorktreeCommits)
		authed.GET("/sessions/:id/worktrees/:wt/status", s.handleWorktreeStatus)
		authed.POST("/sessions/:id/worktrees/:wt/switch-branch", s.handleSwitchBranch)
		authed.POST("/sessions/:id/worktrees/:wt/merge", s.handleMerge)
		authed.POST("/sessions/:id/worktrees/:wt/abort-merge", s.handleAbortMerge)
		authed.POST("/sessions/:id/worktrees/:wt/cherry-pick", s.handleCherryPick)
		authed.GET("/sessions/:id/worktrees/:wt/models", s.handleListModels)
		authed.POST("/sessions/:id/worktrees/:wt/models", s.handleSetModel)
	}
}

// requireAuth resolves the workspace from the bearer token.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.fail(c, apperr.TokenInvalid())
			c.Abort()
			return
		}
		workspaceID, err := s.auth.Verify(token)
		if err != nil {
			s.fail(c, err)
			c.Abort()
			return
		}
		c.Set(workspaceIDKey, workspaceID)
		c.Next()
	}
}

func (s *Server) workspaceID(c *gin.Context) string {
	return c.GetString(workspaceIDKey)
}

// fail writes the error envelope with the taxonomy status.
func (s *Server) fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		s.logger.Error("unclassified handler error", zap.Error(err))
	}
	c.JSON(status, apperr.ToEnvelope(err))
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if _, err := s.st.ListWorkspaces(c.Request.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "agents": s.mgr.ClientCount()})
}
