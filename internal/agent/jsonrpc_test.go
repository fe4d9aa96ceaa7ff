package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcServer scripts the far side of the JSON-RPC dialogue: it answers
// calls by method and lets the test push notifications.
type rpcServer struct {
	t    *testing.T
	proc *fakeProcess
}

func newRPCServer(t *testing.T, proc *fakeProcess) *rpcServer {
	s := &rpcServer{t: t, proc: proc}
	go s.serve()
	return s
}

func (s *rpcServer) serve() {
	scanner := bufio.NewScanner(s.proc.stdinR)
	for scanner.Scan() {
		var msg struct {
			ID     interface{}     `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.ID == nil {
			continue // notification
		}
		var result string
		switch msg.Method {
		case "initialize":
			result = `{"userAgent":"fake-agent/1.0"}`
		case "thread/start":
			result = `{"thread":{"id":"thread-1"}}`
		case "thread/resume":
			result = `{"thread":{"id":"thread-1"}}`
		case "turn/start":
			result = `{"turn":{"id":"cli-turn-1","status":"inProgress"}}`
		case "model/list":
			result = `{"models":[{"id":"gpt-5-codex","displayName":"GPT-5 Codex","default":true}],"nextCursor":""}`
		case "model/set":
			result = `{}`
		default:
			s.respond(msg.ID, "", `{"code":-32601,"message":"Method not found"}`)
			continue
		}
		s.respond(msg.ID, result, "")
	}
}

func (s *rpcServer) respond(id interface{}, result, rpcErr string) {
	idData, _ := json.Marshal(id)
	var line string
	if rpcErr != "" {
		line = fmt.Sprintf(`{"id":%s,"error":%s}`, idData, rpcErr)
	} else {
		line = fmt.Sprintf(`{"id":%s,"result":%s}`, idData, result)
	}
	s.proc.writeLine(line)
}

func (s *rpcServer) notify(method, params string) {
	s.proc.writeLine(fmt.Sprintf(`{"method":%q,"params":%s}`, method, params))
}

func startJSONRPC(t *testing.T) (*JSONRPCAdapter, *rpcServer) {
	t.Helper()
	proc := newFakeProcess()
	sp := &fakeSpawner{procs: []*fakeProcess{proc}}
	a := NewJSONRPCAdapter(sp, testLogger())
	srv := newRPCServer(t, proc)
	require.NoError(t, a.Start(context.Background()))
	return a, srv
}

func TestJSONRPCStartHandshake(t *testing.T) {
	a, _ := startJSONRPC(t)
	defer a.Stop(context.Background(), false)
	assert.Equal(t, "thread-1", a.ThreadID())
}

func TestJSONRPCTurnFlow(t *testing.T) {
	a, srv := startJSONRPC(t)
	defer a.Stop(context.Background(), false)

	require.NoError(t, a.SendTurn(context.Background(), "turn-A", "print 1"))

	srv.notify("item/agentMessage/delta", `{"threadId":"thread-1","turnId":"cli-turn-1","itemId":"i1","delta":"He"}`)
	srv.notify("item/agentMessage/delta", `{"threadId":"thread-1","turnId":"cli-turn-1","itemId":"i1","delta":"llo"}`)
	srv.notify("item/completed", `{"threadId":"thread-1","turnId":"cli-turn-1","item":{"id":"i1","type":"agentMessage","status":"completed","content":[{"type":"output_text","text":"Hello"}]}}`)
	srv.notify("turn/completed", `{"threadId":"thread-1","turnId":"cli-turn-1","success":true}`)

	evs := collectEvents(a.Events(), 5, 2*time.Second, notRPCLog)
	require.Len(t, evs, 5)
	assert.Equal(t, EventTurnStarted, evs[0].Type)
	assert.Equal(t, "turn-A", evs[0].TurnID)
	assert.Equal(t, EventAssistantDelta, evs[1].Type)
	assert.Equal(t, "He", evs[1].Text)
	assert.Equal(t, EventAssistantDelta, evs[2].Type)
	assert.Equal(t, EventAssistantMessage, evs[3].Type)
	assert.Equal(t, "Hello", evs[3].Text)
	assert.Equal(t, EventTurnCompleted, evs[4].Type)
	assert.Equal(t, "turn-A", evs[4].TurnID)
	assert.Nil(t, evs[4].Err)
}

func TestJSONRPCCommandExecutionEvents(t *testing.T) {
	a, srv := startJSONRPC(t)
	defer a.Stop(context.Background(), false)

	require.NoError(t, a.SendTurn(context.Background(), "turn-B", "run ls"))

	srv.notify("item/started", `{"threadId":"thread-1","turnId":"cli-turn-1","item":{"id":"c1","type":"commandExecution","status":"inProgress","command":"ls"}}`)
	srv.notify("item/commandExecution/outputDelta", `{"threadId":"thread-1","turnId":"cli-turn-1","itemId":"c1","delta":"main.go\n"}`)
	srv.notify("item/completed", `{"threadId":"thread-1","turnId":"cli-turn-1","item":{"id":"c1","type":"commandExecution","status":"completed","command":"ls","aggregatedOutput":"main.go\n","exitCode":0}}`)
	srv.notify("turn/completed", `{"threadId":"thread-1","turnId":"cli-turn-1","success":true}`)

	evs := collectEvents(a.Events(), 5, 2*time.Second, notRPCLog)
	require.Len(t, evs, 5)
	assert.Equal(t, EventItemStarted, evs[1].Type)
	assert.Equal(t, "ls", evs[1].Command)
	assert.Equal(t, EventCommandExecutionDelta, evs[2].Type)
	assert.Equal(t, "main.go\n", evs[2].Text)
	assert.Equal(t, EventCommandExecutionCompleted, evs[3].Type)
	require.NotNil(t, evs[3].ExitCode)
	assert.Equal(t, 0, *evs[3].ExitCode)
}

func TestJSONRPCUsageLimitClassification(t *testing.T) {
	a, srv := startJSONRPC(t)
	defer a.Stop(context.Background(), false)

	require.NoError(t, a.SendTurn(context.Background(), "turn-C", "expensive"))
	srv.notify("turn/completed", `{"threadId":"thread-1","turnId":"cli-turn-1","success":false,"error":"usage limit exceeded for this billing period"}`)

	evs := collectEvents(a.Events(), 2, 2*time.Second, notRPCLog)
	require.Len(t, evs, 2)
	done := evs[1]
	assert.Equal(t, EventTurnCompleted, done.Type)
	require.NotNil(t, done.Err)
	assert.Equal(t, "usage_limit", string(done.Err.Code))
}

func TestJSONRPCListModels(t *testing.T) {
	a, _ := startJSONRPC(t)
	defer a.Stop(context.Background(), false)

	models, cursor, err := a.ListModels(context.Background(), "", 50)
	require.NoError(t, err)
	assert.Empty(t, cursor)
	require.Len(t, models, 1)
	assert.Equal(t, "gpt-5-codex", models[0].ID)
	assert.True(t, models[0].Default)
}

func TestJSONRPCExitEmitsExitEvent(t *testing.T) {
	a, _ := startJSONRPC(t)

	a.mu.Lock()
	proc := a.proc.(*fakeProcess)
	a.mu.Unlock()
	proc.exit(nil)

	evs := collectEvents(a.Events(), 1, 2*time.Second, func(ev Event) bool { return ev.Type == EventExit })
	require.Len(t, evs, 1)
	require.NotNil(t, evs[0].ExitCode)
	assert.Equal(t, 0, *evs[0].ExitCode)
}
