package workspacefs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentharbor/core/internal/common/config"
	"github.com/agentharbor/core/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func testDeployment(t *testing.T) config.DeploymentConfig {
	root := t.TempDir()
	return config.DeploymentConfig{
		HomeRoot: filepath.Join(root, "home"),
		DataRoot: filepath.Join(root, "data"),
	}
}

func TestAllocateCreatesDirectoriesAndUID(t *testing.T) {
	fs, err := New(testDeployment(t), config.SandboxConfig{UIDRangeLo: 2000, UIDRangeHi: 2010}, newTestLogger())
	require.NoError(t, err)

	alloc, err := fs.Allocate(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 2000, alloc.UID)
	assert.Equal(t, 2000, alloc.GID)

	info, err := os.Stat(alloc.HomeDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	info, err = os.Stat(filepath.Join(alloc.DataDir, "sessions"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestAllocateRejectsDuplicateID(t *testing.T) {
	fs, err := New(testDeployment(t), config.SandboxConfig{UIDRangeLo: 2000, UIDRangeHi: 2010}, newTestLogger())
	require.NoError(t, err)

	_, err = fs.Allocate(context.Background(), "ws-1")
	require.NoError(t, err)

	_, err = fs.Allocate(context.Background(), "ws-1")
	assert.ErrorIs(t, err, ErrIDTaken)
}

func TestAllocateExhaustsRange(t *testing.T) {
	fs, err := New(testDeployment(t), config.SandboxConfig{UIDRangeLo: 3000, UIDRangeHi: 3001}, newTestLogger())
	require.NoError(t, err)

	_, err = fs.Allocate(context.Background(), "ws-a")
	require.NoError(t, err)
	_, err = fs.Allocate(context.Background(), "ws-b")
	require.NoError(t, err)

	_, err = fs.Allocate(context.Background(), "ws-c")
	assert.ErrorIs(t, err, ErrIDExhausted)
}

func TestSessionDirCreatesUnderWorkspaceData(t *testing.T) {
	fs, err := New(testDeployment(t), config.SandboxConfig{UIDRangeLo: 4000, UIDRangeHi: 4010}, newTestLogger())
	require.NoError(t, err)

	alloc, err := fs.Allocate(context.Background(), "ws-1")
	require.NoError(t, err)

	dir, err := fs.SessionDir("ws-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(alloc.DataDir, "sessions", "sess-1"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestReleaseFreesUIDForReuse(t *testing.T) {
	fs, err := New(testDeployment(t), config.SandboxConfig{UIDRangeLo: 5000, UIDRangeHi: 5000}, newTestLogger())
	require.NoError(t, err)

	_, err = fs.Allocate(context.Background(), "ws-1")
	require.NoError(t, err)

	require.NoError(t, fs.Release(context.Background(), "ws-1"))

	alloc, err := fs.Allocate(context.Background(), "ws-2")
	require.NoError(t, err)
	assert.Equal(t, 5000, alloc.UID)
}
