package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentharbor/core/internal/agent"
	"github.com/agentharbor/core/internal/auth"
	"github.com/agentharbor/core/internal/broadcast"
	"github.com/agentharbor/core/internal/common/config"
	"github.com/agentharbor/core/internal/common/logger"
	"github.com/agentharbor/core/internal/model"
	"github.com/agentharbor/core/internal/sandbox"
	"github.com/agentharbor/core/internal/session"
	"github.com/agentharbor/core/internal/store"
	"github.com/agentharbor/core/internal/workspacefs"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

type nopWC struct{ io.Writer }

func (nopWC) Close() error { return nil }

type okProcess struct{ stdout string }

func (p *okProcess) PID() int              { return 1 }
func (p *okProcess) Stdin() io.WriteCloser { return nopWC{io.Discard} }
func (p *okProcess) Stdout() io.ReadCloser { return io.NopCloser(strings.NewReader(p.stdout)) }
func (p *okProcess) Stderr() io.ReadCloser { return io.NopCloser(strings.NewReader("")) }
func (p *okProcess) Wait() error           { return nil }
func (p *okProcess) Signal(bool) error     { return nil }
func (p *okProcess) Kill() error           { return nil }

type okSandbox struct{}

func (okSandbox) Start(context.Context, sandbox.Capability, []string) (sandbox.Process, error) {
	return &okProcess{}, nil
}

// apiEnv is a fully wired server over in-memory fakes.
type apiEnv struct {
	srv    *Server
	st     *store.MemoryStore
	authz  *auth.Service
	ws     *model.Workspace
	secret string
	token  string
}

type fakeAdapter struct {
	mu       sync.Mutex
	threadID string
	events   chan agent.Event
}

func (f *fakeAdapter) Start(context.Context) error      { return nil }
func (f *fakeAdapter) Stop(context.Context, bool) error { return nil }
func (f *fakeAdapter) Events() <-chan agent.Event       { return f.events }
func (f *fakeAdapter) ThreadID() string                 { f.mu.Lock(); defer f.mu.Unlock(); return f.threadID }
func (f *fakeAdapter) SetThreadID(id string)            { f.mu.Lock(); defer f.mu.Unlock(); f.threadID = id }
func (f *fakeAdapter) SetModel(context.Context, string, string) error { return nil }

func (f *fakeAdapter) ListModels(context.Context, string, int) ([]agent.ModelInfo, string, error) {
	return []agent.ModelInfo{{ID: "fake", Default: true}}, "", nil
}

func (f *fakeAdapter) SendTurn(_ context.Context, turnID, _ string) error {
	f.events <- agent.Event{Type: agent.EventTurnStarted, TurnID: turnID}
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.events <- agent.Event{Type: agent.EventTurnCompleted, TurnID: turnID}
	}()
	return nil
}

func (f *fakeAdapter) Interrupt(_ context.Context, turnID string) error {
	f.events <- agent.Event{Type: agent.EventTurnCompleted, TurnID: turnID, Cancelled: true}
	return nil
}

func newAPIEnv(t *testing.T, mode config.DeploymentMode) *apiEnv {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{}
	cfg.Deployment = config.DeploymentConfig{
		Mode:     mode,
		HomeRoot: filepath.Join(root, "home"),
		DataRoot: filepath.Join(root, "data"),
	}
	cfg.Sandbox = config.SandboxConfig{Backend: config.SandboxFork, UIDRangeLo: 5000, UIDRangeHi: 5100}
	cfg.Auth = config.AuthConfig{
		JWTSecret: "test-secret", AccessTokenTTLSeconds: 900, RefreshTokenTTLDays: 30,
		HandoffTokenTTLSeconds: 60, Issuer: "agentharbor", Audience: "agentharbor-api",
	}
	cfg.Session = config.SessionConfig{
		IdleTTLMinutes: 30, MaxTTLHours: 24, GCIntervalSeconds: 60,
		WakeupDefaultSeconds: 5, WakeupMaxSeconds: 10, DiffDebounceMillis: 20,
		BroadcasterQueueSize: 64, RPCLogBufferSize: 100,
	}

	st := store.NewMemoryStore()
	fs, err := workspacefs.New(cfg.Deployment, cfg.Sandbox, testLogger())
	require.NoError(t, err)
	authSvc, err := auth.NewService(st, cfg.Auth, testLogger())
	require.NoError(t, err)

	bc := broadcast.New(64, testLogger())
	mgr := session.NewManager(st, fs, okSandbox{}, bc, cfg.Session, testLogger())
	mgr.SetAdapterFactory(func(agent.ProviderSpec, agent.Spawner, *logger.Logger) (agent.Adapter, error) {
		return &fakeAdapter{events: make(chan agent.Event, 64), threadID: "thread-t"}, nil
	})

	// Seed one workspace + credentials.
	secret := auth.MintSecret()
	hash, err := auth.HashSecret(secret)
	require.NoError(t, err)
	ws := &model.Workspace{
		ID: "w0000000000000000000000ff", SecretHash: hash, UID: 5000, GID: 5000,
		Providers: map[string]model.ProviderConfig{"codex": {Enabled: true}, "claude": {Enabled: true}},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.PutWorkspace(context.Background(), ws))
	_, err = fs.Allocate(context.Background(), ws.ID)
	require.NoError(t, err)

	pair, err := authSvc.IssueTokens(context.Background(), ws.ID)
	require.NoError(t, err)

	return &apiEnv{
		srv:    NewServer(cfg, authSvc, mgr, st, fs, testLogger()),
		st:     st,
		authz:  authSvc,
		ws:     ws,
		secret: secret,
		token:  pair.Access,
	}
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t, config.ModeMonoUser)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginAndAuthRequired(t *testing.T) {
	env := newAPIEnv(t, config.ModeMultiUser)

	rec := env.do(t, http.MethodGet, "/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/workspaces/login", "", map[string]string{
		"workspaceId": env.ws.ID, "secret": env.secret,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.NotEmpty(t, body["workspaceToken"])
	assert.NotEmpty(t, body["refreshToken"])
	assert.Equal(t, float64(900), body["expiresIn"])

	rec = env.do(t, http.MethodPost, "/workspaces/login", "", map[string]string{
		"workspaceId": env.ws.ID, "secret": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "WORKSPACE_TOKEN_INVALID", decode(t, rec)["error_type"])
}

func TestCreateWorkspaceEmitsSecretOnce(t *testing.T) {
	env := newAPIEnv(t, config.ModeMultiUser)
	rec := env.do(t, http.MethodPost, "/workspaces", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Regexp(t, `^w[0-9a-f]{24}$`, body["workspaceId"])
	assert.NotEmpty(t, body["secret"])

	// The secret is stored only as a hash.
	ws, err := env.st.GetWorkspace(context.Background(), body["workspaceId"].(string))
	require.NoError(t, err)
	assert.NotEqual(t, body["secret"], ws.SecretHash)
	assert.NotContains(t, ws.SecretHash, body["secret"].(string))
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	env := newAPIEnv(t, config.ModeMonoUser)

	rec := env.do(t, http.MethodPost, "/sessions", env.token, map[string]any{
		"repoUrl": "https://example.test/repo.git",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	sessionID := body["sessionId"].(string)
	assert.Len(t, sessionID, 32)
	assert.Equal(t, "codex", body["defaultProvider"])
	assert.Contains(t, body["providers"], "codex")
	assert.NotEmpty(t, body["path"])

	rec = env.do(t, http.MethodGet, "/sessions/"+sessionID+"/worktrees", env.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var worktrees []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &worktrees))
	require.Len(t, worktrees, 1)
	assert.Equal(t, "main", worktrees[0]["id"])
	assert.Equal(t, "codex", worktrees[0]["provider"])
	assert.Equal(t, "ready", worktrees[0]["status"])

	// Another workspace's token cannot see it.
	otherPair, err := env.authz.IssueTokens(context.Background(), "w000000000000000000000bad")
	require.NoError(t, err)
	rec = env.do(t, http.MethodGet, "/sessions/"+sessionID, otherPair.Access, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/sessions/"+sessionID, env.token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/sessions/"+sessionID, env.token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessageReturnsTurnID(t *testing.T) {
	env := newAPIEnv(t, config.ModeMonoUser)

	rec := env.do(t, http.MethodPost, "/sessions", env.token, map[string]any{"repoUrl": "https://example.test/repo.git"})
	require.Equal(t, http.StatusCreated, rec.Code)
	sessionID := decode(t, rec)["sessionId"].(string)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/worktrees/main/messages", sessionID), env.token,
		map[string]any{"text": "print 1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode(t, rec)["turnId"])
}

func TestRefreshRotationRace(t *testing.T) {
	env := newAPIEnv(t, config.ModeMultiUser)

	rec := env.do(t, http.MethodPost, "/workspaces/login", "", map[string]string{
		"workspaceId": env.ws.ID, "secret": env.secret,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	refresh := decode(t, rec)["refreshToken"].(string)

	const racers = 2
	codes := make([]int, racers)
	bodies := make([]map[string]any, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := env.do(t, http.MethodPost, "/workspaces/refresh", "", map[string]string{"refreshToken": refresh})
			codes[i] = r.Code
			var out map[string]any
			_ = json.Unmarshal(r.Body.Bytes(), &out)
			bodies[i] = out
		}(i)
	}
	wg.Wait()

	var ok, used int
	var newRefresh string
	for i := range codes {
		switch codes[i] {
		case http.StatusOK:
			ok++
			newRefresh = bodies[i]["refreshToken"].(string)
		case http.StatusUnauthorized:
			used++
			assert.Equal(t, "REFRESH_USED", bodies[i]["error_type"])
		default:
			t.Fatalf("unexpected status %d", codes[i])
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, used)

	// The new refresh is itself valid exactly once.
	rec = env.do(t, http.MethodPost, "/workspaces/refresh", "", map[string]string{"refreshToken": newRefresh})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/workspaces/refresh", "", map[string]string{"refreshToken": newRefresh})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDisableProviderInUseForbidden(t *testing.T) {
	env := newAPIEnv(t, config.ModeMonoUser)

	rec := env.do(t, http.MethodPost, "/sessions", env.token, map[string]any{"repoUrl": "https://example.test/repo.git"})
	require.Equal(t, http.StatusCreated, rec.Code)

	disabled := false
	rec = env.do(t, http.MethodPatch, "/workspaces", env.token, map[string]any{
		"providers": map[string]any{"codex": map[string]any{"enabled": disabled}},
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Provider cannot be disabled: active sessions use it.", decode(t, rec)["error"])

	// An unused provider can be disabled.
	rec = env.do(t, http.MethodPatch, "/workspaces", env.token, map[string]any{
		"providers": map[string]any{"claude": map[string]any{"enabled": disabled}},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandoffFlowOverHTTP(t *testing.T) {
	env := newAPIEnv(t, config.ModeMonoUser)

	rec := env.do(t, http.MethodPost, "/sessions/handoff", env.token, map[string]any{})
	require.Equal(t, http.StatusCreated, rec.Code)
	token := decode(t, rec)["token"].(string)

	rec = env.do(t, http.MethodPost, "/sessions/handoff/consume", "", map[string]string{"token": token})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.NotEmpty(t, body["workspaceToken"])
	assert.Equal(t, float64(900), body["expiresIn"])
	assert.Equal(t, float64(30*24*3600), body["refreshExpiresIn"])

	// Second consumption conflicts.
	rec = env.do(t, http.MethodPost, "/sessions/handoff/consume", "", map[string]string{"token": token})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "HANDOFF_TOKEN_USED", decode(t, rec)["error_type"])
}

func TestWorkspaceCreationDisabledInMonoMode(t *testing.T) {
	env := newAPIEnv(t, config.ModeMonoUser)
	rec := env.do(t, http.MethodPost, "/workspaces", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
