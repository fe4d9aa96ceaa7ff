package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentharbor/core/internal/apperr"
	"github.com/agentharbor/core/internal/common/logger"
)

// State is the lifecycle state of a Client.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateProcessing State = "processing"
	StateStopped    State = "stopped"
	StateError      State = "error"
)

// maxQueuedTurns bounds the per-worktree turn backlog; beyond it a
// sendMessage is refused with CONFLICT rather than growing without bound.
const maxQueuedTurns = 32

type queuedTurn struct {
	id   string
	text string
}

// Client is the per-(session, worktree) agent supervisor: it owns one
// Adapter, applies the lifecycle state machine, serializes turns so that a
// turn completes before the next one is issued, and stamps the adapter's
// events with the ids the rest of the system routes on.
type Client struct {
	sessionID  string
	worktreeID string
	provider   string

	adapter Adapter
	logger  *logger.Logger

	mu            sync.Mutex
	state         State
	currentTurnID string
	interrupted   map[string]bool
	queue         []queuedTurn

	wake   chan struct{}
	out    chan Event
	closed chan struct{}
	once   sync.Once
}

// NewClient wires a supervisor around an adapter. The returned Client is
// idle; call Start (or let SessionManager's wakeup path do it) before
// sending turns.
func NewClient(sessionID, worktreeID, provider string, adapter Adapter, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	c := &Client{
		sessionID:   sessionID,
		worktreeID:  worktreeID,
		provider:    provider,
		adapter:     adapter,
		logger:      log.WithSessionID(sessionID).WithWorktreeID(worktreeID).WithFields(zap.String("provider", provider)),
		state:       StateIdle,
		interrupted: make(map[string]bool),
		wake:        make(chan struct{}, 1),
		out:         make(chan Event, 256),
		closed:      make(chan struct{}),
	}
	go c.pump()
	go c.turnRunner()
	return c
}

// Events is the uniform internal stream for this worktree. Consumers
// should select on Done() alongside it; the channel itself is never closed
// because events are emitted from several goroutines.
func (c *Client) Events() <-chan Event { return c.out }

// Done is closed when the Client is closed and no further events will be
// emitted.
func (c *Client) Done() <-chan struct{} { return c.closed }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentTurnID returns the in-flight turn id, if any.
func (c *Client) CurrentTurnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTurnID
}

// ThreadID exposes the adapter's conversation id for fork inheritance.
func (c *Client) ThreadID() string { return c.adapter.ThreadID() }

// Provider returns the provider name this client runs.
func (c *Client) Provider() string { return c.provider }

// Start drives idle/stopped -> starting -> ready. Safe to call when
// already ready or processing (no-op).
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateReady, StateProcessing, StateStarting:
		c.mu.Unlock()
		return nil
	}
	c.state = StateStarting
	c.mu.Unlock()

	if err := c.adapter.Start(ctx); err != nil {
		c.mu.Lock()
		c.state = StateError
		c.mu.Unlock()
		c.emit(Event{Type: EventTurnError, Err: apperr.AgentError(apperr.CodeAgentInternal, err.Error())})
		return err
	}

	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()
	c.emit(Event{Type: EventReady, ThreadID: c.adapter.ThreadID()})
	c.signalRunner()
	return nil
}

// WaitReady blocks until the client reaches ready (or processing, which
// implies a successful start) or ctx expires.
func (c *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch c.State() {
		case StateReady, StateProcessing:
			return nil
		case StateError:
			return apperr.AgentError(apperr.CodeAgentInternal, "agent failed to start")
		}
		select {
		case <-ctx.Done():
			return apperr.AgentError(apperr.CodeAgentInternal, "timed out waiting for agent to become ready")
		case <-ticker.C:
		}
	}
}

// SendTurn enqueues one user turn and returns its server-generated turn id
// immediately. Turns are issued strictly in arrival order, and a turn is
// not issued before the previous one completed.
func (c *Client) SendTurn(_ context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle, StateStopped, StateError:
		return "", apperr.Conflict("agent is not running; wake it up first")
	}
	if len(c.queue) >= maxQueuedTurns {
		return "", apperr.Conflict("provider busy: too many queued turns")
	}

	turnID := uuid.NewString()
	c.queue = append(c.queue, queuedTurn{id: turnID, text: text})
	c.signalRunnerLocked()
	return turnID, nil
}

// Interrupt cancels the named turn. Idempotent: interrupting a finished or
// unknown turn is a no-op. A queued-but-unissued turn is removed and
// resolved as cancelled without ever reaching the adapter.
func (c *Client) Interrupt(ctx context.Context, turnID string) error {
	c.mu.Lock()
	if turnID == c.currentTurnID && c.state == StateProcessing {
		if c.interrupted[turnID] {
			c.mu.Unlock()
			return nil
		}
		c.interrupted[turnID] = true
		c.mu.Unlock()
		return c.adapter.Interrupt(ctx, turnID)
	}
	for i, qt := range c.queue {
		if qt.id == turnID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.mu.Unlock()
			c.emit(Event{Type: EventTurnCompleted, TurnID: turnID, Cancelled: true})
			return nil
		}
	}
	c.mu.Unlock()
	return nil
}

// SetModel forwards a model change to the adapter.
func (c *Client) SetModel(ctx context.Context, model, reasoningEffort string) error {
	return c.adapter.SetModel(ctx, model, reasoningEffort)
}

// ListModels forwards a model listing to the adapter.
func (c *Client) ListModels(ctx context.Context, cursor string, pageSize int) ([]ModelInfo, string, error) {
	return c.adapter.ListModels(ctx, cursor, pageSize)
}

// Stop shuts the adapter down. With graceful=true the adapter gets a
// cooperative window before its process group is killed.
func (c *Client) Stop(ctx context.Context, graceful bool) error {
	c.mu.Lock()
	if c.state == StateStopped || c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopped
	c.mu.Unlock()
	return c.adapter.Stop(ctx, graceful)
}

// RequestRestart performs a clean shutdown followed by a respawn.
func (c *Client) RequestRestart(ctx context.Context) error {
	if err := c.Stop(ctx, true); err != nil {
		c.logger.Warn("restart: stop failed", zap.Error(err))
	}
	return c.Start(ctx)
}

// Close stops the adapter and closes the event stream. The Client is not
// reusable afterwards.
func (c *Client) Close(ctx context.Context) {
	c.once.Do(func() {
		_ = c.Stop(ctx, true)
		close(c.closed)
	})
}

// pump forwards adapter events, stamping ids and applying the state
// transitions driven from the adapter side (turn completion, process exit).
func (c *Client) pump() {
	events := c.adapter.Events()
	for {
		select {
		case <-c.closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleAdapterEvent(ev)
		}
	}
}

func (c *Client) handleAdapterEvent(ev Event) {
	switch ev.Type {
	case EventTurnCompleted:
		c.mu.Lock()
		if ev.TurnID == c.currentTurnID {
			if c.interrupted[ev.TurnID] {
				ev.Cancelled = true
				delete(c.interrupted, ev.TurnID)
			}
			c.currentTurnID = ""
			if c.state == StateProcessing {
				c.state = StateReady
			}
		}
		c.mu.Unlock()
		c.emit(ev)
		c.signalRunner()

	case EventExit:
		c.mu.Lock()
		turnID := c.currentTurnID
		wasProcessing := c.state == StateProcessing
		cancelled := turnID != "" && c.interrupted[turnID]
		c.currentTurnID = ""
		delete(c.interrupted, turnID)
		c.state = StateStopped
		c.mu.Unlock()

		if wasProcessing {
			done := Event{Type: EventTurnCompleted, TurnID: turnID, Cancelled: cancelled}
			if !cancelled {
				done.Err = apperr.AgentError(apperr.CodeAgentInternal, "agent process exited mid-turn")
			}
			c.emit(done)
		}
		c.emit(ev)

	default:
		c.emit(ev)
	}
}

// turnRunner issues queued turns one at a time, waiting for ready between
// turns so turn_completed always precedes the next turn_started.
func (c *Client) turnRunner() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if c.state != StateReady || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			turn := c.queue[0]
			c.queue = c.queue[1:]
			c.state = StateProcessing
			c.currentTurnID = turn.id
			c.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			err := c.adapter.SendTurn(ctx, turn.id, turn.text)
			cancel()
			if err != nil {
				c.logger.Warn("turn issue failed", zap.String("turn_id", turn.id), zap.Error(err))
				c.mu.Lock()
				c.currentTurnID = ""
				if c.state == StateProcessing {
					c.state = StateReady
				}
				c.mu.Unlock()
				c.emit(Event{Type: EventTurnCompleted, TurnID: turn.id, Err: apperr.AgentError(apperr.CodeAgentInternal, err.Error())})
				continue
			}
			// Completion arrives via handleAdapterEvent, which flips the
			// state back to ready and re-wakes this loop.
			break
		}
	}
}

func (c *Client) signalRunner() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) signalRunnerLocked() { c.signalRunner() }

func (c *Client) emit(ev Event) {
	ev.SessionID = c.sessionID
	ev.WorktreeID = c.worktreeID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	select {
	case c.out <- ev:
	case <-c.closed:
	}
}
