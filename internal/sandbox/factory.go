package sandbox

import (
	"fmt"

	"github.com/agentharbor/core/internal/common/config"
	"github.com/agentharbor/core/internal/common/logger"
)

// New selects a Sandbox implementation per config.Sandbox.Backend.
// agentImage is only consulted for the docker backend.
func New(cfg config.SandboxConfig, dockerCfg config.DockerConfig, initPath, agentImage string, log *logger.Logger) (Sandbox, error) {
	switch cfg.Backend {
	case config.SandboxFork, "":
		return NewForkSandbox(initPath, log)
	case config.SandboxDocker:
		if !dockerCfg.Enabled {
			return nil, fmt.Errorf("sandbox: docker backend selected but docker is not enabled in config")
		}
		return NewDockerSandbox(dockerCfg, agentImage, log)
	default:
		return nil, fmt.Errorf("sandbox: unknown backend %q", cfg.Backend)
	}
}
