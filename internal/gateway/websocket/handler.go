package websocket

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentharbor/core/internal/auth"
	"github.com/agentharbor/core/internal/common/config"
	"github.com/agentharbor/core/internal/common/logger"
	"github.com/agentharbor/core/internal/session"
	ws "github.com/agentharbor/core/pkg/websocket"
)

// authTimeout is how long a fresh connection gets to present its auth
// frame before it is dropped.
const authTimeout = 5 * time.Second

// Handler upgrades /ws connections. Authentication happens in-band: the
// first client frame must be {type:"auth", token}; there is no
// query-string or header fallback.
type Handler struct {
	auth   *auth.Service
	mgr    *session.Manager
	cfg    config.SessionConfig
	logger *logger.Logger

	upgrader websocket.Upgrader
}

// NewHandler builds the /ws handler.
func NewHandler(authSvc *auth.Service, mgr *session.Manager, cfg config.SessionConfig, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		auth:   authSvc,
		mgr:    mgr,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "ws-gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handle is the gin route for GET /ws.
func (h *Handler) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	workspaceID, ok := h.authenticate(conn)
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	readWait := h.cfg.PingInterval() + h.cfg.PingGrace()
	if readWait <= 0 {
		readWait = 33 * time.Second
	}
	wsConn := newConn(workspaceID, conn, h.mgr, readWait, h.logger)
	wsConn.enqueueJSON(map[string]any{"type": ws.ServerStatus, "status": "authenticated"})
	wsConn.run(c.Request.Context())
}

// authenticate reads the mandatory first frame within the auth window.
func (h *Handler) authenticate(conn *websocket.Conn) (string, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", false
	}
	frame, err := ws.Decode(data)
	if err != nil || frame.Type != ws.ClientAuth || frame.Token == "" {
		return "", false
	}
	workspaceID, err := h.auth.Verify(frame.Token)
	if err != nil {
		return "", false
	}
	return workspaceID, true
}
