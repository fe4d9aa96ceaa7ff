package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentharbor/core/internal/common/config"
	"github.com/agentharbor/core/internal/common/logger"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func TestCapabilityEncodeDecodeRoundTrip(t *testing.T) {
	in := Capability{
		UID:                      100001,
		GID:                      100001,
		WorkDir:                  "/data/w1/sessions/s1/repo",
		ReadOnlyPaths:            []string{"/usr", "/etc/ssl"},
		ReadWritePaths:           []string{"/data/w1/sessions/s1", "/home/w1/.npmrc"},
		AllowNetwork:             false,
		DenyGitCredentialsAccess: true,
		Env:                      []string{"PATH=/usr/bin:/bin", "HOME=/home/w1"},
	}

	encoded, err := encodeCapability(in)
	require.NoError(t, err)
	assert.NotContains(t, encoded, "\n")

	out, err := DecodeCapability(encoded)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeCapabilityRejectsGarbage(t *testing.T) {
	_, err := DecodeCapability("not-base64!")
	assert.Error(t, err)

	_, err = DecodeCapability("aGVsbG8=") // valid base64, not JSON
	assert.Error(t, err)
}

func TestForkSandboxRejectsEmptyArgv(t *testing.T) {
	s, err := NewForkSandbox("/usr/local/bin/sandbox-init", testLogger())
	require.NoError(t, err)

	_, err = s.Start(context.Background(), Capability{WorkDir: t.TempDir()}, nil)
	assert.Error(t, err)
}

func TestFactorySelectsForkByDefault(t *testing.T) {
	s, err := New(config.SandboxConfig{Backend: config.SandboxFork}, config.DockerConfig{}, "/usr/local/bin/sandbox-init", "", testLogger())
	require.NoError(t, err)
	_, ok := s.(*ForkSandbox)
	assert.True(t, ok)

	s, err = New(config.SandboxConfig{}, config.DockerConfig{}, "/usr/local/bin/sandbox-init", "", testLogger())
	require.NoError(t, err)
	_, ok = s.(*ForkSandbox)
	assert.True(t, ok)
}

func TestFactoryDockerRequiresEnabled(t *testing.T) {
	_, err := New(config.SandboxConfig{Backend: config.SandboxDocker}, config.DockerConfig{Enabled: false}, "", "", testLogger())
	assert.Error(t, err)
}

func TestFactoryRejectsUnknownBackend(t *testing.T) {
	_, err := New(config.SandboxConfig{Backend: "chroot"}, config.DockerConfig{}, "", "", testLogger())
	assert.Error(t, err)
}
