package sandbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/agentharbor/core/internal/common/config"
	"github.com/agentharbor/core/internal/common/logger"
)

// DockerSandbox runs each agent invocation in its own container: the
// Capability's uid/gid becomes the container's User, its read/write paths
// become bind mounts, and AllowNetwork selects the network mode. Stronger
// isolation than the fork backend at the cost of image-pull latency and a
// running daemon dependency.
type DockerSandbox struct {
	cli    *dockerclient.Client
	cfg    config.DockerConfig
	image  string
	logger *logger.Logger
}

// NewDockerSandbox connects to the configured Docker daemon. agentImage is
// the image every sandboxed process runs in — it must already have every
// supported agent CLI installed.
func NewDockerSandbox(cfg config.DockerConfig, agentImage string, log *logger.Logger) (*DockerSandbox, error) {
	if log == nil {
		log = logger.Default()
	}
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, dockerclient.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, dockerclient.WithVersion(cfg.APIVersion))
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create docker client: %w", err)
	}
	return &DockerSandbox{
		cli:    cli,
		cfg:    cfg,
		image:  agentImage,
		logger: log.WithFields(zap.String("component", "sandbox-docker")),
	}, nil
}

type dockerProcess struct {
	cli         *dockerclient.Client
	containerID string
	stdin       io.WriteCloser
	stdout      io.ReadCloser
	stderr      io.ReadCloser
	exitCh      chan error
}

func (p *dockerProcess) PID() int              { return 0 }
func (p *dockerProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *dockerProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *dockerProcess) Stderr() io.ReadCloser { return p.stderr }

func (p *dockerProcess) Wait() error {
	return <-p.exitCh
}

func (p *dockerProcess) Signal(terminate bool) error {
	ctx := context.Background()
	if terminate {
		timeout := 5
		return p.cli.ContainerStop(ctx, p.containerID, dockercontainer.StopOptions{Timeout: &timeout})
	}
	return p.cli.ContainerKill(ctx, p.containerID, "SIGKILL")
}

func (p *dockerProcess) Kill() error {
	return p.cli.ContainerKill(context.Background(), p.containerID, "SIGKILL")
}

// Start creates, attaches to, and starts a container for argv, honoring
// the Capability's filesystem grants, network gate, and uid/gid.
func (s *DockerSandbox) Start(ctx context.Context, cap Capability, argv []string) (Process, error) {
	mounts := []mount.Mount{{Type: mount.TypeBind, Source: cap.WorkDir, Target: cap.WorkDir, ReadOnly: false}}
	for _, p := range cap.ReadOnlyPaths {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: p, Target: p, ReadOnly: true})
	}
	for _, p := range cap.ReadWritePaths {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: p, Target: p, ReadOnly: false})
	}

	networkMode := dockercontainer.NetworkMode("none")
	if cap.AllowNetwork {
		networkMode = dockercontainer.NetworkMode(s.cfg.DefaultNetwork)
	}

	containerCfg := &dockercontainer.Config{
		Image:        s.image,
		Cmd:          argv,
		Env:          cap.Env,
		WorkingDir:   cap.WorkDir,
		User:         fmt.Sprintf("%d:%d", cap.UID, cap.GID),
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &dockercontainer.HostConfig{
		Mounts:      mounts,
		NetworkMode: networkMode,
		AutoRemove:  false,
	}

	created, err := s.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create container: %w", err)
	}

	attach, err := s.cli.ContainerAttach(ctx, created.ID, dockercontainer.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		_ = s.cli.ContainerRemove(ctx, created.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, fmt.Errorf("sandbox: attach container: %w", err)
	}

	if err := s.cli.ContainerStart(ctx, created.ID, dockercontainer.StartOptions{}); err != nil {
		attach.Close()
		_ = s.cli.ContainerRemove(ctx, created.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, fmt.Errorf("sandbox: start container: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go demuxDockerStream(attach.Reader, stdoutW, stderrW)

	exitCh := make(chan error, 1)
	go func() {
		statusCh, errCh := s.cli.ContainerWait(context.Background(), created.ID, dockercontainer.WaitConditionNotRunning)
		select {
		case err := <-errCh:
			exitCh <- err
		case status := <-statusCh:
			if status.StatusCode != 0 {
				exitCh <- fmt.Errorf("sandbox: container exited with code %d", status.StatusCode)
			} else {
				exitCh <- nil
			}
		}
		_ = s.cli.ContainerRemove(context.Background(), created.ID, dockercontainer.RemoveOptions{Force: true})
	}()

	s.logger.Info("started sandboxed container",
		zap.String("container_id", created.ID), zap.Bool("network", cap.AllowNetwork))

	return &dockerProcess{
		cli:         s.cli,
		containerID: created.ID,
		stdin:       attach.Conn,
		stdout:      stdoutR,
		stderr:      stderrR,
		exitCh:      exitCh,
	}, nil
}

// demuxDockerStream splits Docker's multiplexed attach stream (used when
// Tty=false) into separate stdout/stderr writers.
func demuxDockerStream(r io.Reader, stdout, stderr io.WriteCloser) {
	defer stdout.Close()
	defer stderr.Close()
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return
		}
		switch streamType {
		case 1:
			stdout.Write(data)
		case 2:
			stderr.Write(data)
		}
	}
}
