package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentharbor/core/internal/apperr"
	"github.com/agentharbor/core/internal/common/config"
	"github.com/agentharbor/core/internal/common/logger"
	"github.com/agentharbor/core/internal/model"
	"github.com/agentharbor/core/internal/store"
	"github.com/agentharbor/core/internal/workspacefs"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:              "test-secret",
		AccessTokenTTLSeconds:  900,
		RefreshTokenTTLDays:    30,
		HandoffTokenTTLSeconds: 60,
		Issuer:                 "agentharbor",
		Audience:               "agentharbor-api",
	}
}

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	svc, err := NewService(st, testAuthConfig(), newTestLogger())
	require.NoError(t, err)
	return svc, st
}

func TestIssueAndVerify(t *testing.T) {
	svc, _ := newTestService(t)

	pair, err := svc.IssueTokens(context.Background(), "w000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, 900, pair.ExpiresIn)
	assert.Equal(t, 30*24*3600, pair.RefreshExpiresIn)

	wsID, err := svc.Verify(pair.Access)
	require.NoError(t, err)
	assert.Equal(t, "w000000000000000000000001", wsID)
}

func TestVerifyRejectsGarbageAndWrongKey(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Verify("not-a-jwt")
	assert.ErrorIs(t, err, apperr.TokenInvalid())

	other, err := NewService(store.NewMemoryStore(), config.AuthConfig{
		JWTSecret:             "different-secret",
		AccessTokenTTLSeconds: 900,
		Issuer:                "agentharbor",
		Audience:              "agentharbor-api",
	}, newTestLogger())
	require.NoError(t, err)
	pair, err := other.IssueTokens(context.Background(), "w000000000000000000000002")
	require.NoError(t, err)

	_, err = svc.Verify(pair.Access)
	assert.ErrorIs(t, err, apperr.TokenInvalid())
}

func TestVerifyRejectsExpired(t *testing.T) {
	svc, _ := newTestService(t)
	pair, err := svc.IssueTokens(context.Background(), "w000000000000000000000003")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	_, err = svc.Verify(pair.Access)
	assert.ErrorIs(t, err, apperr.TokenInvalid())
}

func TestLogin(t *testing.T) {
	svc, st := newTestService(t)

	secret := MintSecret()
	hash, err := HashSecret(secret)
	require.NoError(t, err)
	require.NoError(t, st.PutWorkspace(context.Background(), &model.Workspace{ID: "w00000000000000000000000a", SecretHash: hash}))

	pair, err := svc.Login(context.Background(), "w00000000000000000000000a", secret)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.Access)

	_, err = svc.Login(context.Background(), "w00000000000000000000000a", "wrong")
	assert.ErrorIs(t, err, apperr.WorkspaceTokenInvalid())

	_, err = svc.Login(context.Background(), "w00000000000000000000000b", secret)
	assert.ErrorIs(t, err, apperr.WorkspaceTokenInvalid())
}

func TestRotateExactlyOnce(t *testing.T) {
	svc, _ := newTestService(t)
	pair, err := svc.IssueTokens(context.Background(), "w000000000000000000000004")
	require.NoError(t, err)

	next, err := svc.Rotate(context.Background(), pair.Refresh)
	require.NoError(t, err)
	assert.NotEqual(t, pair.Refresh, next.Refresh)

	_, err = svc.Rotate(context.Background(), pair.Refresh)
	assert.ErrorIs(t, err, apperr.RefreshUsed())

	// The replacement is itself valid for exactly one rotation.
	_, err = svc.Rotate(context.Background(), next.Refresh)
	require.NoError(t, err)
	_, err = svc.Rotate(context.Background(), next.Refresh)
	assert.ErrorIs(t, err, apperr.RefreshUsed())
}

func TestRotateUnknownToken(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Rotate(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, apperr.RefreshInvalid())
}

func TestConcurrentRotateSingleWinner(t *testing.T) {
	svc, _ := newTestService(t)
	pair, err := svc.IssueTokens(context.Background(), "w000000000000000000000005")
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	results := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Rotate(context.Background(), pair.Refresh)
		}(i)
	}
	wg.Wait()

	var wins, used int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperr.RefreshUsed()):
			used++
		default:
			t.Fatalf("unexpected rotate error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, used)
}

func TestHandoffLifecycle(t *testing.T) {
	svc, _ := newTestService(t)

	ht, err := svc.CreateHandoff("w000000000000000000000006", "sess-1")
	require.NoError(t, err)
	assert.NotEmpty(t, ht.Token)
	assert.WithinDuration(t, time.Now().Add(60*time.Second), ht.ExpiresAt, 2*time.Second)

	pair, sessionID, err := svc.ConsumeHandoff(context.Background(), ht.Token)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sessionID)

	wsID, err := svc.Verify(pair.Access)
	require.NoError(t, err)
	assert.Equal(t, "w000000000000000000000006", wsID)

	_, _, err = svc.ConsumeHandoff(context.Background(), ht.Token)
	assert.ErrorIs(t, err, apperr.HandoffTokenUsed())
}

func TestHandoffExpiry(t *testing.T) {
	reg := NewHandoffRegistry(60 * time.Second)
	base := time.Now()
	reg.now = func() time.Time { return base }

	ht := reg.Create("w000000000000000000000007", "")
	reg.now = func() time.Time { return base.Add(61 * time.Second) }

	_, err := reg.Consume(ht.Token)
	assert.ErrorIs(t, err, apperr.HandoffTokenExpired())
}

func TestHandoffUnknownToken(t *testing.T) {
	reg := NewHandoffRegistry(60 * time.Second)
	_, err := reg.Consume("feedfacefeedfacefeedface")
	assert.ErrorIs(t, err, apperr.MonoAuthTokenInvalid())
}

func TestMintWorkspaceIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^w[0-9a-f]{24}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := MintWorkspaceID()
		assert.Regexp(t, re, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestMonoBootstrap(t *testing.T) {
	st := store.NewMemoryStore()
	svc, err := NewService(st, testAuthConfig(), newTestLogger())
	require.NoError(t, err)

	root := t.TempDir()
	dep := config.DeploymentConfig{
		Mode:           config.ModeMonoUser,
		HomeRoot:       filepath.Join(root, "home"),
		DataRoot:       filepath.Join(root, "data"),
		HandoffURLFile: filepath.Join(root, "handoff-url.txt"),
	}
	fs, err := workspacefs.New(dep, config.SandboxConfig{UIDRangeLo: 3000, UIDRangeHi: 3010}, newTestLogger())
	require.NoError(t, err)

	boot := NewBootstrapper(st, svc, fs, dep, config.ServerConfig{Host: "0.0.0.0", Port: 8080}, newTestLogger())
	ws, url, err := boot.Run(context.Background())
	require.NoError(t, err)
	assert.Regexp(t, `^w[0-9a-f]{24}$`, ws.ID)
	assert.Contains(t, url, "http://localhost:8080/auth/handoff?token=")

	data, err := os.ReadFile(dep.HandoffURLFile)
	require.NoError(t, err)
	assert.Equal(t, url, strings.TrimSpace(string(data)))

	// A second run reuses the existing workspace.
	ws2, _, err := boot.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ws.ID, ws2.ID)

	all, err := st.ListWorkspaces(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
