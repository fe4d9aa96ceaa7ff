package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentharbor/core/internal/common/logger"
	"github.com/agentharbor/core/internal/sandbox"
	"github.com/agentharbor/core/pkg/codex"
)

// stopGrace is how long a cooperative shutdown waits before escalating
// from SIGTERM to SIGKILL.
const stopGrace = 5 * time.Second

// JSONRPCAdapter drives a persistent CLI process speaking newline-framed
// JSON-RPC over stdio (the codex app-server dialect): initialize handshake
// once, one thread per worktree, turns issued as calls and progress arriving
// as notifications.
type JSONRPCAdapter struct {
	spawner Spawner
	logger  *logger.Logger

	mu        sync.Mutex
	proc      sandbox.Process
	rpc       *codex.Client
	threadID  string
	model     string
	effort    string
	cancelRun context.CancelFunc

	// turn id mapping: ours <-> the CLI's
	serverTurn string // in-flight server-generated id
	cliTurn    string // the CLI's id for the same turn

	events chan Event
}

// NewJSONRPCAdapter builds the adapter; the process is not spawned until
// Start.
func NewJSONRPCAdapter(spawner Spawner, log *logger.Logger) *JSONRPCAdapter {
	if log == nil {
		log = logger.Default()
	}
	return &JSONRPCAdapter{
		spawner: spawner,
		logger:  log.WithFields(zap.String("adapter", "jsonrpc")),
		events:  make(chan Event, 256),
	}
}

func (a *JSONRPCAdapter) Events() <-chan Event { return a.events }

func (a *JSONRPCAdapter) ThreadID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threadID
}

func (a *JSONRPCAdapter) SetThreadID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.threadID = id
}

// Start spawns the CLI, completes the initialize handshake, and starts (or
// resumes) the conversation thread.
func (a *JSONRPCAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.proc != nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	proc, err := a.spawner.Spawn(ctx)
	if err != nil {
		return fmt.Errorf("agent: spawn: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rpc := codex.NewClient(proc.Stdin(), proc.Stdout(), a.logger)
	rpc.SetNotificationHandler(a.handleNotification)
	rpc.SetRequestHandler(a.handleRequest)
	rpc.Start(runCtx)

	a.mu.Lock()
	a.proc = proc
	a.rpc = rpc
	a.cancelRun = cancel
	a.mu.Unlock()

	go a.drainStderr(proc.Stderr())
	go a.watchExit(proc)

	initCtx, cancelInit := context.WithTimeout(ctx, 15*time.Second)
	defer cancelInit()
	resp, err := rpc.Call(initCtx, codex.MethodInitialize, &codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "agentharbor", Version: "1.0"},
	})
	if err != nil {
		a.kill()
		return fmt.Errorf("agent: initialize: %w", err)
	}
	if resp.Error != nil {
		a.kill()
		return fmt.Errorf("agent: initialize rejected: %s", resp.Error.Message)
	}
	if err := rpc.Notify(codex.MethodInitialized, nil); err != nil {
		a.kill()
		return fmt.Errorf("agent: initialized notify: %w", err)
	}

	return a.ensureThread(initCtx)
}

// ensureThread starts a fresh thread, or resumes the inherited one for a
// forked worktree.
func (a *JSONRPCAdapter) ensureThread(ctx context.Context) error {
	a.mu.Lock()
	threadID := a.threadID
	model := a.model
	rpc := a.rpc
	a.mu.Unlock()

	if threadID != "" {
		resp, err := rpc.Call(ctx, codex.MethodThreadResume, &codex.ThreadResumeParams{ThreadID: threadID})
		if err != nil {
			return fmt.Errorf("agent: thread/resume: %w", err)
		}
		if resp.Error != nil {
			return fmt.Errorf("agent: thread/resume rejected: %s", resp.Error.Message)
		}
		return nil
	}

	resp, err := rpc.Call(ctx, codex.MethodThreadStart, &codex.ThreadStartParams{Model: model})
	if err != nil {
		return fmt.Errorf("agent: thread/start: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("agent: thread/start rejected: %s", resp.Error.Message)
	}
	var result codex.ThreadStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("agent: thread/start result: %w", err)
	}
	if result.Thread != nil {
		a.mu.Lock()
		a.threadID = result.Thread.ID
		a.mu.Unlock()
	}
	return nil
}

// SendTurn issues turn/start and returns once the CLI accepted the turn.
func (a *JSONRPCAdapter) SendTurn(ctx context.Context, turnID, text string) error {
	a.mu.Lock()
	rpc := a.rpc
	threadID := a.threadID
	a.serverTurn = turnID
	a.cliTurn = ""
	a.mu.Unlock()
	if rpc == nil {
		return fmt.Errorf("agent: not started")
	}

	resp, err := rpc.Call(ctx, codex.MethodTurnStart, &codex.TurnStartParams{
		ThreadID: threadID,
		Input:    []codex.UserInput{{Type: "text", Text: text}},
	})
	if err != nil {
		return fmt.Errorf("agent: turn/start: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("agent: turn/start rejected: %s", resp.Error.Message)
	}
	var result codex.TurnStartResult
	if err := json.Unmarshal(resp.Result, &result); err == nil && result.Turn != nil {
		a.mu.Lock()
		a.cliTurn = result.Turn.ID
		a.mu.Unlock()
	}

	a.emit(Event{Type: EventTurnStarted, TurnID: turnID, ThreadID: threadID})
	return nil
}

// Interrupt cancels the in-flight turn with a fire-and-forget notification
// (the dialect treats cancellation as a notification, not a call); if the
// write fails the process is killed instead.
func (a *JSONRPCAdapter) Interrupt(_ context.Context, turnID string) error {
	a.mu.Lock()
	rpc := a.rpc
	threadID := a.threadID
	cliTurn := a.cliTurn
	current := a.serverTurn
	a.mu.Unlock()

	if rpc == nil || turnID != current {
		return nil
	}
	err := rpc.Notify(codex.MethodTurnInterrupt, map[string]string{"threadId": threadID, "turnId": cliTurn})
	if err != nil {
		a.logger.Warn("interrupt notify failed; killing process", zap.Error(err))
		a.kill()
	}
	return nil
}

func (a *JSONRPCAdapter) SetModel(ctx context.Context, model, reasoningEffort string) error {
	a.mu.Lock()
	a.model = model
	a.effort = reasoningEffort
	rpc := a.rpc
	threadID := a.threadID
	a.mu.Unlock()
	if rpc == nil {
		return nil // applied on next thread/start
	}
	resp, err := rpc.Call(ctx, codex.MethodModelSet, &codex.ModelSetParams{
		ThreadID: threadID, Model: model, ReasoningEffort: reasoningEffort,
	})
	if err != nil {
		return fmt.Errorf("agent: model/set: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("agent: model/set rejected: %s", resp.Error.Message)
	}
	return nil
}

func (a *JSONRPCAdapter) ListModels(ctx context.Context, cursor string, pageSize int) ([]ModelInfo, string, error) {
	a.mu.Lock()
	rpc := a.rpc
	a.mu.Unlock()
	if rpc == nil {
		return nil, "", fmt.Errorf("agent: not started")
	}
	resp, err := rpc.Call(ctx, codex.MethodModelList, &codex.ModelListParams{Cursor: cursor, PageSize: pageSize})
	if err != nil {
		return nil, "", fmt.Errorf("agent: model/list: %w", err)
	}
	if resp.Error != nil {
		return nil, "", fmt.Errorf("agent: model/list rejected: %s", resp.Error.Message)
	}
	var result codex.ModelListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, "", fmt.Errorf("agent: model/list result: %w", err)
	}
	models := make([]ModelInfo, 0, len(result.Models))
	for _, m := range result.Models {
		models = append(models, ModelInfo{
			ID: m.ID, DisplayName: m.DisplayName, ReasoningLevels: m.ReasoningLevels, Default: m.Default,
		})
	}
	return models, result.NextCursor, nil
}

// Stop shuts the process down: cooperative SIGTERM first, SIGKILL after
// the grace window.
func (a *JSONRPCAdapter) Stop(_ context.Context, graceful bool) error {
	a.mu.Lock()
	proc := a.proc
	cancel := a.cancelRun
	rpc := a.rpc
	a.proc = nil
	a.rpc = nil
	a.cancelRun = nil
	a.mu.Unlock()

	if proc == nil {
		return nil
	}
	if rpc != nil {
		rpc.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if !graceful {
		return proc.Kill()
	}

	_ = proc.Signal(true)
	done := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(stopGrace):
		return proc.Kill()
	}
}

func (a *JSONRPCAdapter) kill() {
	a.mu.Lock()
	proc := a.proc
	cancel := a.cancelRun
	rpc := a.rpc
	a.proc = nil
	a.rpc = nil
	a.cancelRun = nil
	a.mu.Unlock()
	if rpc != nil {
		rpc.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if proc != nil {
		_ = proc.Kill()
	}
}

func (a *JSONRPCAdapter) watchExit(proc sandbox.Process) {
	err := proc.Wait()

	a.mu.Lock()
	stillCurrent := a.proc == proc
	if stillCurrent {
		a.proc = nil
		a.rpc = nil
		if a.cancelRun != nil {
			a.cancelRun()
			a.cancelRun = nil
		}
	}
	a.mu.Unlock()
	if !stillCurrent {
		// Stop() already tore this process down and reported state.
		return
	}

	ev := Event{Type: EventExit}
	if err != nil {
		ev.Signal = err.Error()
	}
	code := exitCodeOf(err)
	ev.ExitCode = &code
	a.emit(ev)
}

func (a *JSONRPCAdapter) drainStderr(r io.ReadCloser) {
	if r == nil {
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			a.logger.Debug("agent stderr", zap.String("data", strings.TrimSpace(string(buf[:n]))))
		}
		if err != nil {
			return
		}
	}
}

func (a *JSONRPCAdapter) handleNotification(method string, params json.RawMessage) {
	a.emit(Event{Type: EventRPCLog, Text: method})

	a.mu.Lock()
	serverTurn := a.serverTurn
	threadID := a.threadID
	a.mu.Unlock()

	switch method {
	case codex.NotifyTurnStarted:
		// The accepting turn/start call already emitted turn_started;
		// just record the CLI's id if we don't have it yet.
		var p struct {
			TurnID string `json:"turnId"`
		}
		if json.Unmarshal(params, &p) == nil && p.TurnID != "" {
			a.mu.Lock()
			if a.cliTurn == "" {
				a.cliTurn = p.TurnID
			}
			a.mu.Unlock()
		}

	case codex.NotifyItemAgentMessageDelta:
		var p codex.AgentMessageDeltaParams
		if json.Unmarshal(params, &p) != nil {
			return
		}
		a.emit(Event{Type: EventAssistantDelta, TurnID: serverTurn, ThreadID: threadID, ItemID: p.ItemID, Text: p.Delta})

	case codex.NotifyItemStarted:
		var p codex.ItemStartedParams
		if json.Unmarshal(params, &p) != nil || p.Item == nil {
			return
		}
		a.emit(Event{Type: EventItemStarted, TurnID: serverTurn, ThreadID: threadID, ItemID: p.Item.ID, Command: p.Item.Command})

	case codex.NotifyItemCmdExecOutputDelta:
		var p codex.CommandOutputDeltaParams
		if json.Unmarshal(params, &p) != nil {
			return
		}
		a.emit(Event{Type: EventCommandExecutionDelta, TurnID: serverTurn, ThreadID: threadID, ItemID: p.ItemID, Text: p.Delta})

	case codex.NotifyItemCompleted:
		var p codex.ItemCompletedParams
		if json.Unmarshal(params, &p) != nil || p.Item == nil {
			return
		}
		switch p.Item.Type {
		case "agentMessage":
			a.emit(Event{Type: EventAssistantMessage, TurnID: serverTurn, ThreadID: threadID, ItemID: p.Item.ID, Text: itemText(p.Item)})
		case "commandExecution":
			a.emit(Event{
				Type: EventCommandExecutionCompleted, TurnID: serverTurn, ThreadID: threadID,
				ItemID: p.Item.ID, Command: p.Item.Command, Text: p.Item.AggregatedOutput, ExitCode: p.Item.ExitCode,
			})
		case "toolResult":
			a.emit(Event{Type: EventToolResult, TurnID: serverTurn, ThreadID: threadID, ItemID: p.Item.ID, ToolOutput: itemText(p.Item)})
		}

	case codex.NotifyTurnCompleted:
		var p codex.TurnCompletedParams
		if json.Unmarshal(params, &p) != nil {
			return
		}
		ev := Event{Type: EventTurnCompleted, TurnID: serverTurn, ThreadID: threadID}
		if !p.Success && p.Error != "" {
			ev.Err = classifyTurnError(p.Error)
		}
		a.mu.Lock()
		a.serverTurn = ""
		a.cliTurn = ""
		a.mu.Unlock()
		a.emit(ev)

	case codex.NotifyError:
		var p codex.ErrorParams
		if json.Unmarshal(params, &p) != nil {
			return
		}
		a.emit(Event{Type: EventTurnError, TurnID: serverTurn, ThreadID: threadID, Err: classifyTurnError(p.Message)})
	}
}

// handleRequest answers CLI-initiated requests. Approvals are granted: the
// OS-level sandbox is the enforcement boundary, not the CLI's own prompt.
func (a *JSONRPCAdapter) handleRequest(id interface{}, method string, params json.RawMessage) {
	a.mu.Lock()
	rpc := a.rpc
	a.mu.Unlock()
	if rpc == nil {
		return
	}
	switch method {
	case codex.NotifyItemCmdExecRequestApproval, codex.NotifyItemFileChangeRequestApproval:
		if err := rpc.SendResponse(id, map[string]string{"decision": "approve"}, nil); err != nil {
			a.logger.Warn("approval response failed", zap.Error(err))
		}
	default:
		_ = rpc.SendResponse(id, nil, &codex.Error{Code: codex.MethodNotFound, Message: "method not supported"})
	}
}

func (a *JSONRPCAdapter) emit(ev Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("adapter event buffer full; dropping", zap.String("type", string(ev.Type)))
	}
}

func itemText(item *codex.Item) string {
	var parts []string
	for _, p := range item.Content {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "")
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return exit.ExitCode()
	}
	return -1
}
