package session

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/agentharbor/core/internal/agent"
	"github.com/agentharbor/core/internal/apperr"
	"github.com/agentharbor/core/internal/broadcast"
	"github.com/agentharbor/core/internal/common/appctx"
	"github.com/agentharbor/core/internal/common/constants"
	"github.com/agentharbor/core/internal/model"
	"github.com/agentharbor/core/internal/sandbox"
	"github.com/agentharbor/core/internal/tracing"
)

// ensureClient returns the live agent client for a worktree, creating and
// starting one lazily. The wait bound covers the spawn + handshake; the
// caller picks it (default 15s, capped at the configured maximum).
func (m *Manager) ensureClient(ctx context.Context, sess *model.Session, wt *model.Worktree, wait time.Duration) (*agent.Client, error) {
	rt := m.runtime(sess.ID)

	rt.mu.Lock()
	if client, ok := rt.clients[wt.ID]; ok {
		rt.mu.Unlock()
		if err := client.Start(ctx); err != nil {
			return nil, apperr.AgentError(apperr.CodeAgentInternal, err.Error())
		}
		return client, m.waitReady(ctx, client, wait)
	}

	spec, ok := m.providers[wt.Provider]
	if !ok {
		rt.mu.Unlock()
		return nil, apperr.Validation("unknown provider %q", wt.Provider)
	}

	ws, err := m.st.GetWorkspace(ctx, sess.WorkspaceID)
	if err != nil || ws == nil {
		rt.mu.Unlock()
		return nil, apperr.Internal(err, "failed to load workspace")
	}

	workDir := m.worktreeDir(sess, wt.ID)
	sessionDir := sessionDirOf(sess)
	cap := m.capability(ws, workDir, sessionDir, wt.InternetAccess, wt.DenyGitCredentialsAccess)
	spawner := agent.SpawnerFunc(func(ctx context.Context, extraArgv ...string) (sandbox.Process, error) {
		argv := append(append([]string(nil), spec.BaseArgv...), extraArgv...)
		return m.sbx.Start(ctx, cap, argv)
	})

	adapter, err := m.newAdapter(spec, spawner, m.logger)
	if err != nil {
		rt.mu.Unlock()
		return nil, apperr.Internal(err, "failed to build agent adapter")
	}
	if wt.ThreadID != "" {
		adapter.SetThreadID(wt.ThreadID)
	}
	if wt.Model != "" {
		_ = adapter.SetModel(ctx, wt.Model, wt.ReasoningEffort)
	}

	client := agent.NewClient(sess.ID, wt.ID, wt.Provider, adapter, m.logger)
	rt.clients[wt.ID] = client

	routeCtx, cancel := context.WithCancel(context.Background())
	rt.routeCancel[wt.ID] = cancel
	rt.mu.Unlock()

	go m.routeEvents(routeCtx, client)

	if err := client.Start(ctx); err != nil {
		return nil, apperr.AgentError(apperr.CodeAgentInternal, err.Error())
	}
	return client, m.waitReady(ctx, client, wait)
}

func (m *Manager) waitReady(ctx context.Context, client *agent.Client, wait time.Duration) error {
	if wait <= 0 {
		wait = m.cfg.WakeupDefault()
	}
	if wait <= 0 {
		wait = constants.AgentWakeupDefault
	}
	max := m.cfg.WakeupMax()
	if max <= 0 {
		max = constants.AgentWakeupMax
	}
	if wait > max {
		wait = max
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return client.WaitReady(waitCtx)
}

// SendMessage routes one user message into a worktree's agent: touch the
// session, drive the client to ready, persist the user message (before any
// broadcast), then issue the turn.
func (m *Manager) SendMessage(ctx context.Context, workspaceID, sessionID, worktreeID, text string, attachments []model.Attachment, wait time.Duration) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", apperr.Validation("message text is required")
	}
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return "", err
	}
	wt, err := m.GetWorktree(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return "", err
	}

	m.Touch(ctx, sess)

	client, err := m.ensureClient(ctx, sess, wt, wait)
	if err != nil {
		return "", err
	}

	// Persist precedes broadcast for user messages: a client that observes
	// the broadcast can already read the message via listMessages.
	msg := &model.Message{
		SessionID:   sessionID,
		WorktreeID:  worktreeID,
		Role:        model.RoleUser,
		Text:        text,
		Attachments: attachments,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := m.st.AppendMessage(ctx, msg); err != nil {
		return "", apperr.Internal(err, "failed to persist message")
	}
	m.bc.Publish(broadcast.Event{
		Type: "messages_sync", SessionID: sessionID, WorktreeID: worktreeID,
		Payload: map[string]any{"messages": []*model.Message{msg}},
	})

	turnCtx, span := tracing.Tracer("session-manager").Start(ctx, "agent.turn")
	turnID, err := client.SendTurn(turnCtx, text)
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.String("worktree.id", worktreeID))
	span.End()
	if err != nil {
		return "", err
	}

	wt.CurrentTurnID = turnID
	wt.Status = model.WorktreeProcessing
	if err := m.st.SaveWorktree(ctx, wt); err != nil {
		m.logger.Warn("failed to persist worktree status", zap.Error(err))
	}
	return turnID, nil
}

// InterruptTurn cancels an in-flight turn. Duplicates are no-ops.
func (m *Manager) InterruptTurn(ctx context.Context, workspaceID, sessionID, worktreeID, turnID string) error {
	if _, err := m.GetSession(ctx, workspaceID, sessionID); err != nil {
		return err
	}
	client := m.existingClient(sessionID, worktreeID)
	if client == nil {
		return nil
	}
	return client.Interrupt(ctx, turnID)
}

// ListModels pages the provider's model list for a worktree.
func (m *Manager) ListModels(ctx context.Context, workspaceID, sessionID, worktreeID, cursor string, pageSize int) ([]agent.ModelInfo, string, error) {
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, "", err
	}
	wt, err := m.GetWorktree(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return nil, "", err
	}
	client, err := m.ensureClient(ctx, sess, wt, 0)
	if err != nil {
		return nil, "", err
	}
	return client.ListModels(ctx, cursor, pageSize)
}

// routeEvents consumes one client's uniform event stream: appends durable
// messages, updates worktree state, publishes frames, and schedules diff
// broadcasts after turn completion.
func (m *Manager) routeEvents(ctx context.Context, client *agent.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case ev := <-client.Events():
			m.handleAgentEvent(ctx, client, ev)
		}
	}
}

func (m *Manager) handleAgentEvent(ctx context.Context, client *agent.Client, ev agent.Event) {
	sessionID := ev.SessionID
	worktreeID := ev.WorktreeID

	switch ev.Type {
	case agent.EventRPCLog:
		m.appendRPCLog(sessionID, worktreeID, ev.Text)
		m.bc.Publish(broadcast.Event{
			Type: "rpc_log", SessionID: sessionID, WorktreeID: worktreeID,
			Payload: map[string]any{"line": ev.Text},
		})
		return

	case agent.EventReady:
		m.updateWorktreeStatus(ctx, sessionID, worktreeID, model.WorktreeReady, "")
		m.bc.Publish(broadcast.Event{Type: "ready", SessionID: sessionID, WorktreeID: worktreeID})
		m.publishWorktreeStatus(sessionID, worktreeID, model.WorktreeReady)
		return

	case agent.EventTurnStarted:
		if ev.ThreadID != "" {
			m.recordThreadID(ctx, sessionID, worktreeID, ev.ThreadID)
		}
		m.updateWorktreeStatus(ctx, sessionID, worktreeID, model.WorktreeProcessing, ev.TurnID)
		m.bc.Publish(broadcast.Event{
			Type: "turn_started", SessionID: sessionID, WorktreeID: worktreeID,
			Payload: map[string]any{"turnId": ev.TurnID},
		})
		return

	case agent.EventTurnCompleted:
		if ev.ThreadID != "" {
			m.recordThreadID(ctx, sessionID, worktreeID, ev.ThreadID)
		}
		m.updateWorktreeStatus(ctx, sessionID, worktreeID, model.WorktreeReady, "")
		payload := map[string]any{"turnId": ev.TurnID, "cancelled": ev.Cancelled}
		if ev.Err != nil {
			payload["error"] = map[string]any{"kind": string(ev.Err.Code), "message": ev.Err.Message}
		}
		m.bc.Publish(broadcast.Event{
			Type: "turn_completed", SessionID: sessionID, WorktreeID: worktreeID, Payload: payload,
		})
		m.scheduleDiffBroadcast(sessionID, worktreeID)
		return

	case agent.EventTurnError:
		payload := map[string]any{"turnId": ev.TurnID}
		if ev.Err != nil {
			payload["error"] = map[string]any{"kind": string(ev.Err.Code), "message": ev.Err.Message}
		}
		m.bc.Publish(broadcast.Event{Type: "turn_error", SessionID: sessionID, WorktreeID: worktreeID, Payload: payload})
		return

	case agent.EventExit:
		m.updateWorktreeStatus(ctx, sessionID, worktreeID, model.WorktreeStopped, "")
		m.publishWorktreeStatus(sessionID, worktreeID, model.WorktreeStopped)
		return
	}

	// Content events: persist the durable ones, then broadcast.
	var msg *model.Message
	switch ev.Type {
	case agent.EventAssistantMessage:
		msg = &model.Message{Role: model.RoleAssistant, Text: ev.Text}
	case agent.EventCommandExecutionCompleted:
		msg = &model.Message{Role: model.RoleCommandExecution, Text: strings.TrimSpace(ev.Command + "\n" + ev.Text)}
	case agent.EventToolResult:
		msg = &model.Message{
			Role: model.RoleToolResult,
			Text: ev.ToolOutput,
			ToolResult: &model.ToolResult{
				ToolName: ev.ToolName,
				Status:   map[bool]string{false: "ok", true: "error"}[ev.ToolErrored],
				Output:   ev.ToolOutput,
			},
		}
	}
	if msg != nil {
		msg.SessionID = sessionID
		msg.WorktreeID = worktreeID
		msg.CreatedAt = ev.CreatedAt
		if _, err := m.st.AppendMessage(ctx, msg); err != nil {
			m.logger.Warn("failed to persist agent message", zap.Error(err))
		}
	}

	payload := map[string]any{"turnId": ev.TurnID}
	if ev.Text != "" {
		payload["text"] = ev.Text
	}
	if ev.Command != "" {
		payload["command"] = ev.Command
	}
	if ev.ItemID != "" {
		payload["itemId"] = ev.ItemID
	}
	if ev.ExitCode != nil {
		payload["exitCode"] = *ev.ExitCode
	}
	if ev.ToolName != "" {
		payload["toolName"] = ev.ToolName
	}
	if msg != nil {
		payload["messageId"] = msg.ID
	}
	m.bc.Publish(broadcast.Event{
		Type: string(ev.Type), SessionID: sessionID, WorktreeID: worktreeID, Payload: payload,
	})
}

func (m *Manager) recordThreadID(ctx context.Context, sessionID, worktreeID, threadID string) {
	wt, err := m.st.GetWorktree(ctx, sessionID, worktreeID)
	if err != nil || wt == nil || wt.ThreadID == threadID {
		return
	}
	wt.ThreadID = threadID
	if err := m.st.SaveWorktree(ctx, wt); err != nil {
		m.logger.Warn("failed to persist thread id", zap.Error(err))
	}
}

func (m *Manager) updateWorktreeStatus(ctx context.Context, sessionID, worktreeID string, status model.WorktreeStatus, turnID string) {
	wt, err := m.st.GetWorktree(ctx, sessionID, worktreeID)
	if err != nil || wt == nil {
		return
	}
	wt.Status = status
	wt.CurrentTurnID = turnID
	if err := m.st.SaveWorktree(ctx, wt); err != nil {
		m.logger.Warn("failed to persist worktree status", zap.Error(err))
	}
}

func (m *Manager) publishWorktreeStatus(sessionID, worktreeID string, status model.WorktreeStatus) {
	m.bc.Publish(broadcast.Event{
		Type: "worktree_status", SessionID: sessionID, WorktreeID: worktreeID,
		Payload: map[string]any{"status": string(status)},
	})
}

// appendRPCLog keeps the bounded per-session protocol log ring.
func (m *Manager) appendRPCLog(sessionID, worktreeID, line string) {
	limit := m.cfg.RPCLogBufferSize
	if limit <= 0 {
		limit = 500
	}
	rt := m.runtime(sessionID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.rpcLog = append(rt.rpcLog, rpcLogEntry{WorktreeID: worktreeID, Line: line, At: time.Now().UTC()})
	if len(rt.rpcLog) > limit {
		rt.rpcLog = rt.rpcLog[len(rt.rpcLog)-limit:]
	}
}

// RPCLog returns a copy of the session's protocol log ring.
func (m *Manager) RPCLog(sessionID string) []rpcLogEntry {
	rt := m.runtime(sessionID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]rpcLogEntry(nil), rt.rpcLog...)
}

// scheduleDiffBroadcast coalesces repo-diff publication: one timer per
// session, re-armed within the debounce window, flushing a repo_diff event
// per dirty worktree.
func (m *Manager) scheduleDiffBroadcast(sessionID, worktreeID string) {
	window := m.cfg.DiffDebounce()
	if window <= 0 {
		window = 500 * time.Millisecond
	}

	rt := m.runtime(sessionID)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.diffPending[worktreeID] = true
	if rt.diffTimer != nil {
		rt.diffTimer.Reset(window)
		return
	}
	rt.diffTimer = time.AfterFunc(window, func() {
		m.flushDiffBroadcast(sessionID)
	})
}

func (m *Manager) flushDiffBroadcast(sessionID string) {
	rt := m.runtime(sessionID)
	rt.mu.Lock()
	pending := rt.diffPending
	rt.diffPending = make(map[string]bool)
	rt.diffTimer = nil
	rt.mu.Unlock()

	// Diff collection happens outside any request; bound it and tie it to
	// manager shutdown rather than a caller's context.
	ctx, cancel := appctx.Detached(context.Background(), m.stop, 30*time.Second)
	defer cancel()

	sess, err := m.st.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return
	}
	ws, err := m.st.GetWorkspace(ctx, sess.WorkspaceID)
	if err != nil || ws == nil {
		return
	}

	for worktreeID := range pending {
		dir := m.worktreeDir(sess, worktreeID)
		status, err := m.runGit(ctx, ws, dir, "status", "--porcelain")
		if err != nil {
			continue
		}
		diff, err := m.runGit(ctx, ws, dir, "diff")
		if err != nil {
			continue
		}
		m.bc.Publish(broadcast.Event{
			Type: "repo_diff", SessionID: sessionID, WorktreeID: worktreeID,
			Payload: map[string]any{"status": status.stdout, "diff": diff.stdout},
		})
	}
}

func sessionDirOf(sess *model.Session) string {
	if sess.RepoDir == "" {
		return ""
	}
	return filepath.Dir(sess.RepoDir)
}
