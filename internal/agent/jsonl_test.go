package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClaudeJSONLAdapter(sp Spawner) *JSONLAdapter {
	spec := BuiltinProviders()["claude"]
	return NewJSONLAdapter(sp, spec.Dialect, spec.TurnArgv, spec.Models, testLogger())
}

func TestJSONLTurnHappyPath(t *testing.T) {
	sp := &fakeSpawner{}
	a := newClaudeJSONLAdapter(sp)
	require.NoError(t, a.Start(context.Background()))

	require.NoError(t, a.SendTurn(context.Background(), "turn-1", "print 1"))
	proc := sp.last()
	require.NotNil(t, proc)

	proc.writeLine(`{"type":"system","subtype":"init","session_id":"thread-abc"}`)
	proc.writeLine(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Let me run that."},{"type":"tool_use","id":"tool-1","name":"Bash","input":{"command":"python -c 'print(1)'"}}]}}`)
	proc.writeLine(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tool-1","content":"1\n"}]}}`)
	proc.writeLine(`{"type":"result","subtype":"success","result":{"text":"Done: printed 1","session_id":"thread-abc"}}`)
	proc.exit(nil)

	evs := collectEvents(a.Events(), 8, 2*time.Second, notRPCLog)
	require.Len(t, evs, 8)

	assert.Equal(t, EventTurnStarted, evs[0].Type)
	assert.Equal(t, "turn-1", evs[0].TurnID)

	assert.Equal(t, EventAssistantDelta, evs[1].Type)
	assert.Equal(t, "Let me run that.", evs[1].Text)

	assert.Equal(t, EventItemStarted, evs[2].Type)
	assert.Equal(t, "tool-1", evs[2].ItemID)
	assert.Equal(t, "Bash", evs[2].Command)

	assert.Equal(t, EventCommandExecutionDelta, evs[3].Type)

	assert.Equal(t, EventCommandExecutionCompleted, evs[4].Type)
	assert.Equal(t, "tool-1", evs[4].ItemID)
	assert.Equal(t, "1\n", evs[4].Text)

	assert.Equal(t, EventToolResult, evs[5].Type)
	assert.Equal(t, "Bash", evs[5].ToolName)

	assert.Equal(t, EventAssistantMessage, evs[6].Type)
	assert.Equal(t, "Done: printed 1", evs[6].Text)

	assert.Equal(t, EventTurnCompleted, evs[7].Type)
	assert.Nil(t, evs[7].Err)
	assert.False(t, evs[7].Cancelled)

	// The CLI's session id became the thread id.
	assert.Equal(t, "thread-abc", a.ThreadID())
}

func TestJSONLSynthesizesThreadID(t *testing.T) {
	sp := &fakeSpawner{}
	a := newClaudeJSONLAdapter(sp)
	require.NoError(t, a.SendTurn(context.Background(), "turn-1", "hello"))
	proc := sp.last()

	proc.writeLine(`{"type":"system","subtype":"init"}`)
	proc.writeLine(`{"type":"result","subtype":"success","result":"ok"}`)
	proc.exit(nil)

	collectEvents(a.Events(), 3, 2*time.Second, notRPCLog)
	assert.NotEmpty(t, a.ThreadID())
}

func TestJSONLResumePassesThreadID(t *testing.T) {
	sp := &fakeSpawner{}
	a := newClaudeJSONLAdapter(sp)
	a.SetThreadID("thread-xyz")
	require.NoError(t, a.SetModel(context.Background(), "opus", ""))

	require.NoError(t, a.SendTurn(context.Background(), "turn-1", "continue"))
	require.Equal(t, [][]string{{"--resume", "thread-xyz", "--model", "opus", "continue"}}, sp.argvs)
	sp.last().exit(nil)
}

func TestJSONLTurnError(t *testing.T) {
	sp := &fakeSpawner{}
	a := newClaudeJSONLAdapter(sp)
	require.NoError(t, a.SendTurn(context.Background(), "turn-1", "hello"))
	proc := sp.last()

	proc.writeLine(`{"type":"system","subtype":"init","session_id":"s"}`)
	proc.writeLine(`{"type":"result","subtype":"error_during_execution","is_error":true,"errors":["usage limit reached"]}`)
	proc.exit(nil)

	evs := collectEvents(a.Events(), 2, 2*time.Second, notRPCLog)
	require.Len(t, evs, 2)
	done := evs[1]
	assert.Equal(t, EventTurnCompleted, done.Type)
	require.NotNil(t, done.Err)
	assert.Equal(t, "usage_limit", string(done.Err.Code))
}

func TestJSONLInterruptKillsAndCancels(t *testing.T) {
	sp := &fakeSpawner{}
	a := newClaudeJSONLAdapter(sp)
	require.NoError(t, a.SendTurn(context.Background(), "turn-1", "slow"))
	proc := sp.last()
	proc.writeLine(`{"type":"system","subtype":"init","session_id":"s"}`)

	require.NoError(t, a.Interrupt(context.Background(), "turn-1"))

	evs := collectEvents(a.Events(), 2, 2*time.Second, notRPCLog)
	require.Len(t, evs, 2)
	done := evs[1]
	assert.Equal(t, EventTurnCompleted, done.Type)
	assert.True(t, done.Cancelled)
	assert.Nil(t, done.Err)
}

func TestJSONLStreamEndsWithoutResult(t *testing.T) {
	sp := &fakeSpawner{}
	a := newClaudeJSONLAdapter(sp)
	require.NoError(t, a.SendTurn(context.Background(), "turn-1", "crash"))
	proc := sp.last()
	proc.writeLine(`{"type":"system","subtype":"init","session_id":"s"}`)
	proc.exit(nil)

	evs := collectEvents(a.Events(), 2, 2*time.Second, notRPCLog)
	require.Len(t, evs, 2)
	done := evs[1]
	assert.Equal(t, EventTurnCompleted, done.Type)
	require.NotNil(t, done.Err)
	assert.Equal(t, "internal", string(done.Err.Code))
}

func TestAmpDialectParsesRecords(t *testing.T) {
	d := AmpDialect{}

	rec, err := d.Parse([]byte(`{"type":"system","thread_id":"T-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "init", rec.Kind)
	assert.Equal(t, "T-1", rec.ThreadID)

	rec, err = d.Parse([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"},{"type":"tool_use","id":"t1","name":"shell","input":{"cmd":"ls"}}]}}`))
	require.NoError(t, err)
	require.Len(t, rec.Segments, 2)
	assert.Equal(t, "text", rec.Segments[0].Kind)
	assert.Equal(t, "tool_use", rec.Segments[1].Kind)
	assert.Equal(t, "shell", rec.Segments[1].ToolName)

	rec, err = d.Parse([]byte(`{"type":"result","is_error":true,"error":"rate limit exceeded"}`))
	require.NoError(t, err)
	assert.Equal(t, "result", rec.Kind)
	assert.True(t, rec.IsError)
	assert.Equal(t, "rate limit exceeded", rec.ErrorMessage)

	rec, err = d.Parse([]byte(`{"type":"rate_limit_event","subtype":"throttled"}`))
	require.NoError(t, err)
	assert.Equal(t, "rate_limit", rec.Kind)
}
