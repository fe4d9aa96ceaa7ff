package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentharbor/core/internal/agent"
	"github.com/agentharbor/core/internal/apperr"
	"github.com/agentharbor/core/internal/broadcast"
	"github.com/agentharbor/core/internal/common/config"
	"github.com/agentharbor/core/internal/common/logger"
	"github.com/agentharbor/core/internal/model"
	"github.com/agentharbor/core/internal/sandbox"
	"github.com/agentharbor/core/internal/store"
	"github.com/agentharbor/core/internal/workspacefs"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// stubExit carries an exit code through the Wait error.
type stubExit struct{ code int }

func (e *stubExit) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e *stubExit) ExitCode() int { return e.code }

// stubProcess returns canned output for one sandboxed command.
type stubProcess struct {
	stdout string
	stderr string
	code   int
}

func (p *stubProcess) PID() int              { return 1 }
func (p *stubProcess) Stdin() io.WriteCloser { return nopWriteCloser{io.Discard} }
func (p *stubProcess) Stdout() io.ReadCloser { return io.NopCloser(strings.NewReader(p.stdout)) }
func (p *stubProcess) Stderr() io.ReadCloser { return io.NopCloser(strings.NewReader(p.stderr)) }
func (p *stubProcess) Signal(bool) error     { return nil }
func (p *stubProcess) Kill() error           { return nil }
func (p *stubProcess) Wait() error {
	if p.code != 0 {
		return &stubExit{code: p.code}
	}
	return nil
}

// stubSandbox scripts command results by argv prefix and records the
// capability each command ran under.
type stubSandbox struct {
	mu    sync.Mutex
	calls [][]string
	caps  []sandbox.Capability
	// respond picks the result for an argv; nil means exit 0, no output.
	respond func(argv []string) *stubProcess
}

func (s *stubSandbox) Start(_ context.Context, cap sandbox.Capability, argv []string) (sandbox.Process, error) {
	s.mu.Lock()
	s.calls = append(s.calls, argv)
	s.caps = append(s.caps, cap)
	s.mu.Unlock()
	if s.respond != nil {
		if p := s.respond(argv); p != nil {
			return p, nil
		}
	}
	return &stubProcess{}, nil
}

// capFor returns the capability of the first recorded call whose argv
// starts with prefix.
func (s *stubSandbox) capFor(prefix ...string) (sandbox.Capability, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, call := range s.calls {
		if len(call) < len(prefix) {
			continue
		}
		match := true
		for j, p := range prefix {
			if call[j] != p {
				match = false
				break
			}
		}
		if match {
			return s.caps[i], true
		}
	}
	return sandbox.Capability{}, false
}

func (s *stubSandbox) callsMatching(prefix ...string) [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]string
	for _, call := range s.calls {
		if len(call) < len(prefix) {
			continue
		}
		match := true
		for i, p := range prefix {
			if call[i] != p {
				match = false
				break
			}
		}
		if match {
			out = append(out, call)
		}
	}
	return out
}

// fakeAdapter drives the agent.Client from session-level tests.
type fakeAdapter struct {
	mu       sync.Mutex
	threadID string
	events   chan agent.Event
	sent     []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{events: make(chan agent.Event, 64), threadID: "thread-fake"}
}

func (f *fakeAdapter) Start(context.Context) error        { return nil }
func (f *fakeAdapter) Stop(context.Context, bool) error   { return nil }
func (f *fakeAdapter) Events() <-chan agent.Event         { return f.events }
func (f *fakeAdapter) ThreadID() string                   { f.mu.Lock(); defer f.mu.Unlock(); return f.threadID }
func (f *fakeAdapter) SetThreadID(id string)              { f.mu.Lock(); defer f.mu.Unlock(); f.threadID = id }
func (f *fakeAdapter) SetModel(context.Context, string, string) error { return nil }

func (f *fakeAdapter) ListModels(context.Context, string, int) ([]agent.ModelInfo, string, error) {
	return []agent.ModelInfo{{ID: "fake-model", Default: true}}, "", nil
}

func (f *fakeAdapter) SendTurn(_ context.Context, turnID, _ string) error {
	f.mu.Lock()
	f.sent = append(f.sent, turnID)
	f.mu.Unlock()
	f.events <- agent.Event{Type: agent.EventTurnStarted, TurnID: turnID, ThreadID: f.ThreadID()}
	return nil
}

func (f *fakeAdapter) Interrupt(_ context.Context, turnID string) error {
	f.events <- agent.Event{Type: agent.EventTurnCompleted, TurnID: turnID, Cancelled: true}
	return nil
}

func (f *fakeAdapter) complete(turnID string) {
	f.events <- agent.Event{Type: agent.EventTurnCompleted, TurnID: turnID}
}

type testEnv struct {
	m   *Manager
	st  *store.MemoryStore
	sbx *stubSandbox
	bc  *broadcast.Broadcaster
	ws  *model.Workspace

	mu       sync.Mutex
	adapters []*fakeAdapter
}

func (e *testEnv) lastAdapter() *fakeAdapter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.adapters) == 0 {
		return nil
	}
	return e.adapters[len(e.adapters)-1]
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	dep := config.DeploymentConfig{
		HomeRoot: filepath.Join(root, "home"),
		DataRoot: filepath.Join(root, "data"),
	}
	fs, err := workspacefs.New(dep, config.SandboxConfig{UIDRangeLo: 4000, UIDRangeHi: 4100}, testLogger())
	require.NoError(t, err)

	st := store.NewMemoryStore()
	ws := &model.Workspace{
		ID:  "w00000000000000000000cafe",
		UID: 4000, GID: 4000,
		Providers: map[string]model.ProviderConfig{"codex": {Enabled: true}, "claude": {Enabled: true}},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.PutWorkspace(context.Background(), ws))
	_, err = fs.Allocate(context.Background(), ws.ID)
	require.NoError(t, err)

	sbx := &stubSandbox{}
	bc := broadcast.New(64, testLogger())
	cfg := config.SessionConfig{
		IdleTTLMinutes: 30, MaxTTLHours: 24, GCIntervalSeconds: 60,
		WakeupDefaultSeconds: 5, WakeupMaxSeconds: 10,
		DiffDebounceMillis: 20, BroadcasterQueueSize: 64, RPCLogBufferSize: 500,
	}
	m := NewManager(st, fs, sbx, bc, cfg, testLogger())

	env := &testEnv{m: m, st: st, sbx: sbx, bc: bc, ws: ws}
	m.newAdapter = func(agent.ProviderSpec, agent.Spawner, *logger.Logger) (agent.Adapter, error) {
		fa := newFakeAdapter()
		env.mu.Lock()
		env.adapters = append(env.adapters, fa)
		env.mu.Unlock()
		return fa, nil
	}
	return env
}

func (e *testEnv) createSession(t *testing.T) *model.Session {
	t.Helper()
	sess, err := e.m.CreateSession(context.Background(), e.ws.ID, "https://example.test/repo.git", nil, CreateOptions{})
	require.NoError(t, err)
	return sess
}

func drainFrames(t *testing.T, sub *broadcast.Subscriber, want string) *broadcast.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-sub.Frames():
			if !ok {
				t.Fatalf("subscriber detached while waiting for %q", want)
			}
			if f.Type == want {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for frame %q", want)
		}
	}
}

func TestCreateSessionClonesAndPersists(t *testing.T) {
	env := newTestEnv(t)
	env.sbx.respond = func(argv []string) *stubProcess {
		if len(argv) > 1 && argv[1] == "rev-parse" {
			return &stubProcess{stdout: "main\n"}
		}
		return nil
	}

	sess := env.createSession(t)
	assert.Len(t, sess.ID, 32)
	assert.Equal(t, "codex", sess.ActiveProvider)
	assert.Contains(t, sess.EnabledProviders, "codex")
	assert.Equal(t, "repo", sess.Name)

	clones := env.sbx.callsMatching("git", "clone")
	require.Len(t, clones, 1)
	assert.Contains(t, clones[0], "https://example.test/repo.git")

	stored, err := env.st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	wts, err := env.st.ListWorktrees(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, wts, 1)
	assert.Equal(t, "main", wts[0].ID)
	assert.Equal(t, "main", wts[0].BranchName)
	assert.Equal(t, model.WorktreeReady, wts[0].Status)

	info, err := os.Stat(sess.AttachmentsDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCreateSessionCloneFailureClassified(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		stderr string
		code   apperr.Code
	}{
		{"fatal: Authentication failed for 'https://example.test/repo.git'", apperr.CodeGitAuthFailed},
		{"fatal: repository 'https://example.test/nope.git' not found", apperr.CodeGitRepoNotFound},
		{"fatal: unable to access 'https://example.test/': Could not resolve host", apperr.CodeGitNetwork},
	}
	for _, tc := range cases {
		env.sbx.respond = func(argv []string) *stubProcess {
			if len(argv) > 1 && argv[1] == "clone" {
				return &stubProcess{stderr: tc.stderr, code: 128}
			}
			return nil
		}
		_, err := env.m.CreateSession(context.Background(), env.ws.ID, "https://example.test/repo.git", nil, CreateOptions{})
		require.Error(t, err)
		var ae *apperr.Error
		require.True(t, errors.As(err, &ae))
		assert.Equal(t, tc.code, ae.Code, tc.stderr)
	}

	// No partial session rows survive.
	sessions, err := env.st.ListSessions(context.Background(), env.ws.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCreateSessionRejectsInvalidURL(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.m.CreateSession(context.Background(), env.ws.ID, "not a url at all\n", nil, CreateOptions{})
	require.Error(t, err)
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, apperr.CodeGitInvalidURL, ae.Code)
}

func TestCreateWorktreeAndFork(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t)
	ctx := context.Background()

	w1, err := env.m.CreateWorktree(ctx, env.ws.ID, sess.ID, WorktreeOptions{Name: "feature"})
	require.NoError(t, err)
	assert.Regexp(t, `^w[0-9a-f]{12}$`, w1.ID)
	assert.Equal(t, "codex", w1.Provider)
	assert.Contains(t, w1.BranchName, w1.ID)
	assert.Equal(t, model.ContextNew, w1.Context)

	// Give w1 a thread id and some history, then fork it.
	stored, err := env.st.GetWorktree(ctx, sess.ID, w1.ID)
	require.NoError(t, err)
	stored.ThreadID = "thread-w1"
	require.NoError(t, env.st.SaveWorktree(ctx, stored))
	_, err = env.st.AppendMessage(ctx, &model.Message{SessionID: sess.ID, WorktreeID: w1.ID, Role: model.RoleUser, Text: "hello"})
	require.NoError(t, err)

	w2, err := env.m.CreateWorktree(ctx, env.ws.ID, sess.ID, WorktreeOptions{
		Context: model.ContextFork, SourceWorktreeID: w1.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, model.ContextFork, w2.Context)
	assert.Equal(t, w1.ID, w2.SourceWorktreeID)
	assert.Equal(t, "thread-w1", w2.ThreadID)
	assert.Equal(t, w1.Provider, w2.Provider)
	assert.NotEqual(t, w1.BranchName, w2.BranchName)

	// The fork observes the source's conversation at creation.
	msgs, err := env.st.ListMessages(ctx, sess.ID, w2.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text)

	adds := env.sbx.callsMatching("git", "worktree", "add")
	assert.Len(t, adds, 2)

	// Clone needed egress; the local worktree carving did not.
	cloneCap, ok := env.sbx.capFor("git", "clone")
	require.True(t, ok)
	assert.True(t, cloneCap.AllowNetwork)
	addCap, ok := env.sbx.capFor("git", "worktree", "add")
	require.True(t, ok)
	assert.False(t, addCap.AllowNetwork)
	assert.True(t, addCap.DenyGitCredentialsAccess)
}

func TestSendMessagePersistsBeforeBroadcast(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t)
	ctx := context.Background()

	sub := env.bc.Subscribe(sess.ID, "")
	defer env.bc.Unsubscribe(sub)

	turnID, err := env.m.SendMessage(ctx, env.ws.ID, sess.ID, "main", "print 1", nil, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, turnID)

	frame := drainFrames(t, sub, "messages_sync")
	msgs, err := env.st.ListMessages(ctx, sess.ID, "main", 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "print 1", msgs[len(msgs)-1].Text)
	assert.Equal(t, model.RoleUser, msgs[len(msgs)-1].Role)
	_ = frame

	started := drainFrames(t, sub, "turn_started")
	assert.Equal(t, turnID, started.Payload["turnId"])

	wt, err := env.st.GetWorktree(ctx, sess.ID, "main")
	require.NoError(t, err)
	assert.Equal(t, model.WorktreeProcessing, wt.Status)

	env.lastAdapter().complete(turnID)
	completed := drainFrames(t, sub, "turn_completed")
	assert.Equal(t, turnID, completed.Payload["turnId"])

	assert.Eventually(t, func() bool {
		wt, _ := env.st.GetWorktree(ctx, sess.ID, "main")
		return wt != nil && wt.Status == model.WorktreeReady
	}, 2*time.Second, 20*time.Millisecond)
}

func TestParallelWorktreeTurnsAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t)
	ctx := context.Background()

	w1, err := env.m.CreateWorktree(ctx, env.ws.ID, sess.ID, WorktreeOptions{Name: "w1"})
	require.NoError(t, err)
	w2, err := env.m.CreateWorktree(ctx, env.ws.ID, sess.ID, WorktreeOptions{
		Context: model.ContextFork, SourceWorktreeID: w1.ID,
	})
	require.NoError(t, err)

	t1, err := env.m.SendMessage(ctx, env.ws.ID, sess.ID, w1.ID, "print 1", nil, 0)
	require.NoError(t, err)
	t2, err := env.m.SendMessage(ctx, env.ws.ID, sess.ID, w2.ID, "print 2", nil, 0)
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)

	m1, err := env.st.ListMessages(ctx, sess.ID, w1.ID, 0, 0)
	require.NoError(t, err)
	m2, err := env.st.ListMessages(ctx, sess.ID, w2.ID, 0, 0)
	require.NoError(t, err)

	seen := map[int64]bool{}
	for _, msg := range m1 {
		seen[msg.ID] = true
	}
	for _, msg := range m2 {
		assert.False(t, seen[msg.ID], "message id shared across worktrees")
	}
}

func TestInterruptTurnIdempotent(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t)
	ctx := context.Background()

	sub := env.bc.Subscribe(sess.ID, "")
	defer env.bc.Unsubscribe(sub)

	turnID, err := env.m.SendMessage(ctx, env.ws.ID, sess.ID, "main", "slow work", nil, 0)
	require.NoError(t, err)
	drainFrames(t, sub, "turn_started")

	require.NoError(t, env.m.InterruptTurn(ctx, env.ws.ID, sess.ID, "main", turnID))
	require.NoError(t, env.m.InterruptTurn(ctx, env.ws.ID, sess.ID, "main", turnID))

	completed := drainFrames(t, sub, "turn_completed")
	assert.Equal(t, true, completed.Payload["cancelled"])
}

func TestAssistantEventsArePersistedAndBroadcast(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t)
	ctx := context.Background()

	sub := env.bc.Subscribe(sess.ID, "")
	defer env.bc.Unsubscribe(sub)

	turnID, err := env.m.SendMessage(ctx, env.ws.ID, sess.ID, "main", "explain", nil, 0)
	require.NoError(t, err)
	drainFrames(t, sub, "turn_started")

	fa := env.lastAdapter()
	fa.events <- agent.Event{Type: agent.EventAssistantMessage, TurnID: turnID, Text: "Here is the answer."}
	fa.complete(turnID)

	frame := drainFrames(t, sub, "assistant_message")
	assert.Equal(t, "Here is the answer.", frame.Payload["text"])

	drainFrames(t, sub, "turn_completed")
	msgs, err := env.st.ListMessages(ctx, sess.ID, "main", 0, 0)
	require.NoError(t, err)
	var found bool
	for _, msg := range msgs {
		if msg.Role == model.RoleAssistant && msg.Text == "Here is the answer." {
			found = true
		}
	}
	assert.True(t, found, "assistant message not persisted")
}

func TestGCDestroysExpiredSessions(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t)
	ctx := context.Background()

	sub := env.bc.Subscribe(sess.ID, "")

	// Age the session past the idle TTL.
	stored, err := env.st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	stored.LastActivityAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, env.st.SaveSession(ctx, stored))

	env.m.sweep(ctx)

	gone, err := env.st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	_, err = os.Stat(filepath.Dir(sess.RepoDir))
	assert.True(t, os.IsNotExist(err))

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not notified of termination")
	}
}

func TestGCSweepsAcrossWorkspaces(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ws2 := &model.Workspace{
		ID:  "w0000000000000000000beef0",
		UID: 4001, GID: 4001,
		Providers: map[string]model.ProviderConfig{"codex": {Enabled: true}},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, env.st.PutWorkspace(ctx, ws2))
	_, err := env.m.fs.Allocate(ctx, ws2.ID)
	require.NoError(t, err)

	s1 := env.createSession(t)
	s2, err := env.m.CreateSession(ctx, ws2.ID, "https://example.test/other.git", nil, CreateOptions{})
	require.NoError(t, err)

	for _, id := range []string{s1.ID, s2.ID} {
		stored, err := env.st.GetSession(ctx, id)
		require.NoError(t, err)
		stored.LastActivityAt = time.Now().Add(-2 * time.Hour)
		require.NoError(t, env.st.SaveSession(ctx, stored))
	}

	env.m.sweep(ctx)

	for _, id := range []string{s1.ID, s2.ID} {
		gone, err := env.st.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, gone, "session %s survived the sweep", id)
	}
}

func TestProviderInUse(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t)
	ctx := context.Background()

	inUse, err := env.m.ProviderInUse(ctx, env.ws.ID, "codex")
	require.NoError(t, err)
	assert.True(t, inUse)

	inUse, err = env.m.ProviderInUse(ctx, env.ws.ID, "claude")
	require.NoError(t, err)
	assert.False(t, inUse)

	_ = sess
}

func TestCapabilityHidesGitCredentials(t *testing.T) {
	env := newTestEnv(t)
	alloc := env.m.fs.Get(env.ws.ID)
	require.NotNil(t, alloc)

	require.NoError(t, os.WriteFile(filepath.Join(alloc.HomeDir, ".git-credentials"), []byte("secret"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(alloc.HomeDir, ".ssh"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(alloc.HomeDir, ".npmrc"), []byte("registry"), 0o600))

	cap := env.m.capability(env.ws, "/tmp/wd", "/tmp/sd", false, true)
	for _, p := range cap.ReadWritePaths {
		assert.NotContains(t, p, ".git-credentials")
		assert.NotContains(t, p, ".ssh")
	}
	assert.Contains(t, cap.ReadWritePaths, filepath.Join(alloc.HomeDir, ".npmrc"))
	assert.False(t, cap.AllowNetwork)
	assert.True(t, cap.DenyGitCredentialsAccess)

	// Without the deny flag the whole home dir is granted.
	open := env.m.capability(env.ws, "/tmp/wd", "/tmp/sd", true, false)
	assert.Contains(t, open.ReadWritePaths, alloc.HomeDir)
	assert.True(t, open.AllowNetwork)
}

func TestSetBacklogTouchesSession(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t)

	updated, err := env.m.SetBacklog(context.Background(), env.ws.ID, sess.ID, "- fix the bug")
	require.NoError(t, err)
	assert.Equal(t, "- fix the bug", updated.Backlog)
	assert.True(t, !updated.LastActivityAt.Before(sess.LastActivityAt))
}

func TestMessagesAfterReturnsStrictSuffix(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := env.st.AppendMessage(ctx, &model.Message{
			SessionID: sess.ID, WorktreeID: "main", Role: model.RoleUser, Text: fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	msgs, err := env.m.MessagesAfter(ctx, sess.ID, "main", ids[2])
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ids[3], msgs[0].ID)
	assert.Equal(t, ids[4], msgs[1].ID)

	// Idempotent: the same cursor yields the same stream.
	again, err := env.m.MessagesAfter(ctx, sess.ID, "main", ids[2])
	require.NoError(t, err)
	assert.Equal(t, msgs, again)
}

func TestDeleteWorktreeRemovesBranchAndRows(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t)
	ctx := context.Background()

	wt, err := env.m.CreateWorktree(ctx, env.ws.ID, sess.ID, WorktreeOptions{Name: "doomed"})
	require.NoError(t, err)

	require.NoError(t, env.m.DeleteWorktree(ctx, env.ws.ID, sess.ID, wt.ID))

	gone, err := env.st.GetWorktree(ctx, sess.ID, wt.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	dels := env.sbx.callsMatching("git", "branch", "-D")
	require.Len(t, dels, 1)
	assert.Equal(t, wt.BranchName, dels[0][3])

	assert.Error(t, env.m.DeleteWorktree(ctx, env.ws.ID, sess.ID, "main"))
}
