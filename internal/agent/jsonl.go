package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentharbor/core/internal/common/logger"
	"github.com/agentharbor/core/internal/common/stringutil"
	"github.com/agentharbor/core/internal/sandbox"
)

// maxRPCLogLine caps the raw protocol text carried on rpc_log events.
const maxRPCLogLine = 2000

// TurnArgvFunc builds the per-turn extra argv for a JSONL CLI invocation.
type TurnArgvFunc func(text, threadID, model, reasoningEffort string) []string

// jsonlSegment is one content segment of a JSONL record, normalized across
// dialects.
type jsonlSegment struct {
	Kind      string // "text", "tool_use", "tool_result"
	Text      string
	ToolID    string
	ToolName  string
	ToolInput map[string]any
	Output    string
	IsError   bool
}

// jsonlRecord is the dialect-neutral projection of one stdout line.
type jsonlRecord struct {
	Kind         string // "init", "assistant", "user", "result", "rate_limit", "control_request", "other"
	ThreadID     string
	Segments     []jsonlSegment
	IsError      bool
	ErrorMessage string
	ResultText   string

	// control_request fields
	RequestID      string
	ControlSubtype string
	ToolName       string
}

// Dialect parses one JSONL line of a specific CLI's stream format into the
// neutral record shape.
type Dialect interface {
	Name() string
	Parse(line []byte) (*jsonlRecord, error)
}

// controlResponder is implemented by dialects whose CLI carries a mid-turn
// control sub-channel (permission prompts) on the same stdio pair. The
// returned line is written verbatim to the child's stdin.
type controlResponder interface {
	ApproveControl(requestID string) ([]byte, error)
}

// JSONLAdapter drives CLIs that are invoked once per turn and emit a JSONL
// record stream: no persistent process, no token-level streaming, coarse
// deltas at segment boundaries, threadId synthesized server-side when the
// CLI does not supply one.
type JSONLAdapter struct {
	spawner  Spawner
	dialect  Dialect
	turnArgv TurnArgvFunc
	models   []ModelInfo
	logger   *logger.Logger

	mu          sync.Mutex
	threadID    string
	model       string
	effort      string
	proc        sandbox.Process
	currentTurn string
	interrupted bool

	events chan Event
}

// NewJSONLAdapter builds the adapter. models is the static list served by
// ListModels (JSONL CLIs have no model-listing call on the wire).
func NewJSONLAdapter(spawner Spawner, dialect Dialect, turnArgv TurnArgvFunc, models []ModelInfo, log *logger.Logger) *JSONLAdapter {
	if log == nil {
		log = logger.Default()
	}
	return &JSONLAdapter{
		spawner:  spawner,
		dialect:  dialect,
		turnArgv: turnArgv,
		models:   models,
		logger:   log.WithFields(zap.String("adapter", "jsonl"), zap.String("dialect", dialect.Name())),
		events:   make(chan Event, 256),
	}
}

func (a *JSONLAdapter) Events() <-chan Event { return a.events }

func (a *JSONLAdapter) ThreadID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threadID
}

func (a *JSONLAdapter) SetThreadID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.threadID = id
}

// Start is cheap for the per-turn variant: there is no persistent process
// to spawn and no handshake to run.
func (a *JSONLAdapter) Start(_ context.Context) error { return nil }

// Stop kills the in-flight turn process, if any.
func (a *JSONLAdapter) Stop(_ context.Context, _ bool) error {
	a.mu.Lock()
	proc := a.proc
	a.proc = nil
	a.mu.Unlock()
	if proc != nil {
		return proc.Kill()
	}
	return nil
}

// SendTurn spawns one CLI invocation for the turn and returns once the
// process is running; the record stream resolves asynchronously.
func (a *JSONLAdapter) SendTurn(ctx context.Context, turnID, text string) error {
	a.mu.Lock()
	if a.proc != nil {
		a.mu.Unlock()
		return fmt.Errorf("agent: turn already in flight")
	}
	threadID := a.threadID
	model := a.model
	effort := a.effort
	a.mu.Unlock()

	proc, err := a.spawner.Spawn(ctx, a.turnArgv(text, threadID, model, effort)...)
	if err != nil {
		return fmt.Errorf("agent: spawn turn: %w", err)
	}

	a.mu.Lock()
	a.proc = proc
	a.currentTurn = turnID
	a.interrupted = false
	a.mu.Unlock()

	a.emit(Event{Type: EventTurnStarted, TurnID: turnID, ThreadID: threadID})
	go a.runTurn(proc, turnID)
	return nil
}

// Interrupt kills the per-turn process; cancellation is forced for this
// variant since there is no in-band cancel.
func (a *JSONLAdapter) Interrupt(_ context.Context, turnID string) error {
	a.mu.Lock()
	if turnID != a.currentTurn || a.proc == nil {
		a.mu.Unlock()
		return nil
	}
	a.interrupted = true
	proc := a.proc
	a.mu.Unlock()
	return proc.Kill()
}

func (a *JSONLAdapter) SetModel(_ context.Context, model, reasoningEffort string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model = model
	a.effort = reasoningEffort
	return nil
}

func (a *JSONLAdapter) ListModels(_ context.Context, _ string, _ int) ([]ModelInfo, string, error) {
	return a.models, "", nil
}

// runTurn scans the turn process's stdout and translates records into the
// internal event stream.
func (a *JSONLAdapter) runTurn(proc sandbox.Process, turnID string) {
	var assistantText string
	toolNames := make(map[string]string) // tool_use id -> name
	sawResult := false

	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		a.emit(Event{Type: EventRPCLog, TurnID: turnID, Text: stringutil.TruncateString(string(line), maxRPCLogLine)})

		rec, err := a.dialect.Parse(line)
		if err != nil || rec == nil {
			continue
		}

		switch rec.Kind {
		case "init":
			a.mu.Lock()
			if a.threadID == "" {
				if rec.ThreadID != "" {
					a.threadID = rec.ThreadID
				} else {
					a.threadID = uuid.NewString()
				}
			}
			a.mu.Unlock()

		case "assistant":
			for _, seg := range rec.Segments {
				switch seg.Kind {
				case "text":
					assistantText += seg.Text
					a.emit(Event{Type: EventAssistantDelta, TurnID: turnID, ThreadID: a.ThreadID(), Text: seg.Text})
				case "tool_use":
					toolNames[seg.ToolID] = seg.ToolName
					input, _ := json.Marshal(seg.ToolInput)
					a.emit(Event{Type: EventItemStarted, TurnID: turnID, ThreadID: a.ThreadID(), ItemID: seg.ToolID, Command: seg.ToolName})
					a.emit(Event{
						Type: EventCommandExecutionDelta, TurnID: turnID, ThreadID: a.ThreadID(),
						ItemID: seg.ToolID, Command: seg.ToolName, Text: string(input),
					})
				}
			}

		case "user":
			for _, seg := range rec.Segments {
				if seg.Kind != "tool_result" {
					continue
				}
				a.emit(Event{
					Type: EventCommandExecutionCompleted, TurnID: turnID, ThreadID: a.ThreadID(),
					ItemID: seg.ToolID, Command: toolNames[seg.ToolID], Text: seg.Output,
				})
				a.emit(Event{
					Type: EventToolResult, TurnID: turnID, ThreadID: a.ThreadID(),
					ItemID: seg.ToolID, ToolName: toolNames[seg.ToolID], ToolOutput: seg.Output, ToolErrored: seg.IsError,
				})
			}

		case "result":
			sawResult = true
			if rec.ResultText != "" && rec.ResultText != assistantText {
				assistantText = rec.ResultText
			}
			if assistantText != "" {
				a.emit(Event{Type: EventAssistantMessage, TurnID: turnID, ThreadID: a.ThreadID(), Text: assistantText})
			}
			done := Event{Type: EventTurnCompleted, TurnID: turnID, ThreadID: a.ThreadID()}
			if rec.IsError {
				done.Err = classifyTurnError(rec.ErrorMessage)
			}
			a.finishTurn(proc)
			a.emit(done)

		case "rate_limit":
			a.emit(Event{Type: EventTurnError, TurnID: turnID, ThreadID: a.ThreadID(), Err: classifyTurnError("rate limit: " + rec.ErrorMessage)})

		case "control_request":
			// Approvals are granted: the OS-level sandbox is the
			// enforcement boundary, not the CLI's own prompt.
			if cr, ok := a.dialect.(controlResponder); ok {
				resp, err := cr.ApproveControl(rec.RequestID)
				if err == nil {
					if _, err := proc.Stdin().Write(append(resp, '\n')); err != nil {
						a.logger.Warn("control response write failed", zap.Error(err))
					}
				}
			}
		}
	}

	waitErr := proc.Wait()
	if sawResult {
		return
	}

	// Stream ended without a result record: either we killed it
	// (interrupt) or the CLI died.
	a.mu.Lock()
	interrupted := a.interrupted
	a.mu.Unlock()
	a.finishTurn(proc)

	done := Event{Type: EventTurnCompleted, TurnID: turnID, ThreadID: a.ThreadID(), Cancelled: interrupted}
	if !interrupted {
		msg := "agent stream ended without result"
		if waitErr != nil {
			msg = fmt.Sprintf("%s: %v", msg, waitErr)
		}
		done.Err = classifyTurnError(msg)
	}
	a.emit(done)
}

// finishTurn clears the in-flight bookkeeping once a turn resolves.
func (a *JSONLAdapter) finishTurn(proc sandbox.Process) {
	a.mu.Lock()
	if a.proc == proc {
		a.proc = nil
		a.currentTurn = ""
	}
	a.mu.Unlock()
}

func (a *JSONLAdapter) emit(ev Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("adapter event buffer full; dropping", zap.String("type", string(ev.Type)))
	}
}
