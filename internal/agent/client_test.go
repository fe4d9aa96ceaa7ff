package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientStartTransitions(t *testing.T) {
	fa := newFakeAdapter()
	c := NewClient("s1", "main", "codex", fa, testLogger())
	defer c.Close(context.Background())

	assert.Equal(t, StateIdle, c.State())
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateReady, c.State())

	evs := collectEvents(c.Events(), 1, time.Second, notRPCLog)
	require.Len(t, evs, 1)
	assert.Equal(t, EventReady, evs[0].Type)
	assert.Equal(t, "s1", evs[0].SessionID)
	assert.Equal(t, "main", evs[0].WorktreeID)
}

func TestClientStartFailure(t *testing.T) {
	fa := newFakeAdapter()
	fa.startErr = assert.AnError
	c := NewClient("s1", "main", "codex", fa, testLogger())
	defer c.Close(context.Background())

	require.Error(t, c.Start(context.Background()))
	assert.Equal(t, StateError, c.State())
}

func TestClientTurnSerialization(t *testing.T) {
	fa := newFakeAdapter()
	c := NewClient("s1", "main", "codex", fa, testLogger())
	defer c.Close(context.Background())
	require.NoError(t, c.Start(context.Background()))

	t1, err := c.SendTurn(context.Background(), "print 1")
	require.NoError(t, err)
	t2, err := c.SendTurn(context.Background(), "print 2")
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)

	// First turn issued, second held until the first completes.
	evs := collectEvents(c.Events(), 2, time.Second, notRPCLog)
	require.Len(t, evs, 2)
	assert.Equal(t, EventReady, evs[0].Type)
	assert.Equal(t, EventTurnStarted, evs[1].Type)
	assert.Equal(t, t1, evs[1].TurnID)
	assert.Equal(t, []string{t1}, fa.sentTurns())
	assert.Equal(t, StateProcessing, c.State())

	fa.complete(t1)
	evs = collectEvents(c.Events(), 2, time.Second, notRPCLog)
	require.Len(t, evs, 2)
	assert.Equal(t, EventTurnCompleted, evs[0].Type)
	assert.Equal(t, t1, evs[0].TurnID)
	assert.Equal(t, EventTurnStarted, evs[1].Type)
	assert.Equal(t, t2, evs[1].TurnID)
	assert.Equal(t, []string{t1, t2}, fa.sentTurns())

	fa.complete(t2)
	evs = collectEvents(c.Events(), 1, time.Second, notRPCLog)
	require.Len(t, evs, 1)
	assert.Equal(t, EventTurnCompleted, evs[0].Type)
	assert.Eventually(t, func() bool { return c.State() == StateReady }, time.Second, 10*time.Millisecond)
}

func TestClientInterruptIdempotent(t *testing.T) {
	fa := newFakeAdapter()
	c := NewClient("s1", "main", "codex", fa, testLogger())
	defer c.Close(context.Background())
	require.NoError(t, c.Start(context.Background()))

	turnID, err := c.SendTurn(context.Background(), "long running")
	require.NoError(t, err)
	collectEvents(c.Events(), 2, time.Second, notRPCLog) // ready + turn_started

	require.NoError(t, c.Interrupt(context.Background(), turnID))
	require.NoError(t, c.Interrupt(context.Background(), turnID)) // duplicate is a no-op

	evs := collectEvents(c.Events(), 1, time.Second, notRPCLog)
	require.Len(t, evs, 1)
	assert.Equal(t, EventTurnCompleted, evs[0].Type)
	assert.True(t, evs[0].Cancelled)

	// Only one interrupt reached the adapter.
	fa.mu.Lock()
	defer fa.mu.Unlock()
	assert.Equal(t, []string{turnID}, fa.interrupts)
}

func TestClientInterruptQueuedTurn(t *testing.T) {
	fa := newFakeAdapter()
	c := NewClient("s1", "main", "codex", fa, testLogger())
	defer c.Close(context.Background())
	require.NoError(t, c.Start(context.Background()))

	t1, err := c.SendTurn(context.Background(), "first")
	require.NoError(t, err)
	collectEvents(c.Events(), 2, time.Second, notRPCLog)

	t2, err := c.SendTurn(context.Background(), "second")
	require.NoError(t, err)

	// Cancelling the queued turn resolves it without reaching the adapter.
	require.NoError(t, c.Interrupt(context.Background(), t2))
	evs := collectEvents(c.Events(), 1, time.Second, notRPCLog)
	require.Len(t, evs, 1)
	assert.Equal(t, EventTurnCompleted, evs[0].Type)
	assert.Equal(t, t2, evs[0].TurnID)
	assert.True(t, evs[0].Cancelled)

	fa.complete(t1)
	collectEvents(c.Events(), 1, time.Second, notRPCLog)
	assert.Equal(t, []string{t1}, fa.sentTurns())
}

func TestClientInterruptUnknownTurnNoop(t *testing.T) {
	fa := newFakeAdapter()
	c := NewClient("s1", "main", "codex", fa, testLogger())
	defer c.Close(context.Background())
	require.NoError(t, c.Start(context.Background()))

	assert.NoError(t, c.Interrupt(context.Background(), "no-such-turn"))
}

func TestClientExitMidTurnSynthesizesCompletion(t *testing.T) {
	fa := newFakeAdapter()
	c := NewClient("s1", "main", "codex", fa, testLogger())
	defer c.Close(context.Background())
	require.NoError(t, c.Start(context.Background()))

	turnID, err := c.SendTurn(context.Background(), "doomed")
	require.NoError(t, err)
	collectEvents(c.Events(), 2, time.Second, notRPCLog)

	code := 137
	fa.events <- Event{Type: EventExit, ExitCode: &code}

	evs := collectEvents(c.Events(), 2, time.Second, notRPCLog)
	require.Len(t, evs, 2)
	assert.Equal(t, EventTurnCompleted, evs[0].Type)
	assert.Equal(t, turnID, evs[0].TurnID)
	require.NotNil(t, evs[0].Err)
	assert.Equal(t, EventExit, evs[1].Type)
	assert.Equal(t, StateStopped, c.State())
}

func TestClientRestartAfterStop(t *testing.T) {
	fa := newFakeAdapter()
	c := NewClient("s1", "main", "codex", fa, testLogger())
	defer c.Close(context.Background())
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.Stop(context.Background(), true))
	assert.Equal(t, StateStopped, c.State())

	_, err := c.SendTurn(context.Background(), "while stopped")
	require.Error(t, err)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, 2, fa.started)
}

func TestClientWaitReadyTimeout(t *testing.T) {
	fa := newFakeAdapter()
	c := NewClient("s1", "main", "codex", fa, testLogger())
	defer c.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Error(t, c.WaitReady(ctx)) // never started
}
