package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/agentharbor/core/internal/common/logger"
)

// capabilityEnvVar carries the JSON-encoded Capability to the sandbox-init
// helper, which denies networking via namespace unshare (while the child
// is still privileged), drops to the workspace's uid/gid, and applies the
// Landlock allowlist before exec'ing the real argv. Restrictions set by
// Landlock apply to the calling process and are inherited by its children,
// so they must be established after fork but before exec — hence the
// re-exec through a dedicated helper binary rather than restricting the
// orchestrator process itself.
const capabilityEnvVar = "AGENTHARBOR_SANDBOX_CAPABILITY"

// ForkSandbox runs agents as direct child processes of the orchestrator,
// dropping privileges to the workspace's uid/gid and re-exec'ing through
// the sandbox-init helper to apply the filesystem allowlist.
type ForkSandbox struct {
	// InitPath is the path to the sandbox-init helper binary. Defaults to
	// a binary named "sandbox-init" alongside the orchestrator's own
	// executable.
	InitPath string
	logger   *logger.Logger
}

// NewForkSandbox constructs a ForkSandbox, resolving InitPath relative to
// the running executable if not given explicitly.
func NewForkSandbox(initPath string, log *logger.Logger) (*ForkSandbox, error) {
	if log == nil {
		log = logger.Default()
	}
	if initPath == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("sandbox: resolve orchestrator executable: %w", err)
		}
		initPath = filepath.Join(filepath.Dir(self), "sandbox-init")
	}
	return &ForkSandbox{InitPath: initPath, logger: log.WithFields(zap.String("component", "sandbox-fork"))}, nil
}

type forkedProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *forkedProcess) PID() int              { return p.cmd.Process.Pid }
func (p *forkedProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *forkedProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *forkedProcess) Stderr() io.ReadCloser { return p.stderr }
func (p *forkedProcess) Wait() error           { return p.cmd.Wait() }

func (p *forkedProcess) Signal(terminate bool) error {
	return signalProcessGroup(p.cmd.Process.Pid, terminate)
}

func (p *forkedProcess) Kill() error {
	return killProcessGroup(p.cmd.Process.Pid)
}

// Start re-execs through sandbox-init, which reads the capability from
// capabilityEnvVar, applies it, and execs argv in place.
func (s *ForkSandbox) Start(ctx context.Context, cap Capability, argv []string) (Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("sandbox: empty argv")
	}

	encoded, err := encodeCapability(cap)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, s.InitPath, argv...)
	cmd.Env = append(append([]string{}, cap.Env...), capabilityEnvVar+"="+encoded)
	cmd.Dir = cap.WorkDir
	setProcessGroup(cmd)
	// The uid/gid drop happens inside sandbox-init, not here: the network
	// namespace unshare needs the orchestrator's privileges, so the child
	// must still be root when it starts and only drop to cap.UID/GID after
	// the namespace is established.

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: start sandbox-init: %w", err)
	}

	s.logger.Info("started sandboxed process",
		zap.Int("pid", cmd.Process.Pid), zap.Int("uid", cap.UID), zap.Bool("network", cap.AllowNetwork))

	return &forkedProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func encodeCapability(cap Capability) (string, error) {
	data, err := json.Marshal(cap)
	if err != nil {
		return "", fmt.Errorf("sandbox: encode capability: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeCapability reverses encodeCapability; used by cmd/sandbox-init to
// recover the Capability passed via capabilityEnvVar.
func DecodeCapability(encoded string) (Capability, error) {
	var cap Capability
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return cap, err
	}
	if err := json.Unmarshal(data, &cap); err != nil {
		return cap, err
	}
	return cap, nil
}

// CapabilityEnvVar is exported so cmd/sandbox-init can read it without
// importing unexported package internals.
func CapabilityEnvVar() string { return capabilityEnvVar }
