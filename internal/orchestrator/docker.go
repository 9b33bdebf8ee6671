package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// execExitPollInterval and execExitPolls bound how long Wait polls the
// engine for an exit code after the exec stream has ended.
const (
	execExitPollInterval = 50 * time.Millisecond
	execExitPolls        = 40
)

// execResizeTimeout bounds one resize call. Callers resize while holding
// session state, so a stalled daemon must not block them indefinitely.
var execResizeTimeout = 5 * time.Second

// DockerOrchestrator runs execs in containers through the Docker Engine API.
type DockerOrchestrator struct {
	// Host overrides DOCKER_HOST when non-empty.
	Host string

	client *dockerclient.Client
}

func (d *DockerOrchestrator) Initialize(ctx context.Context) error {
	var opts []dockerclient.Opt
	opts = append(opts, dockerclient.FromEnv)
	opts = append(opts, dockerclient.WithAPIVersionNegotiation())
	if d.Host != "" {
		opts = append(opts, dockerclient.WithHost(d.Host))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}

	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	log.Println("Docker daemon connected")
	return nil
}

func (d *DockerOrchestrator) BackendName() string {
	return "docker"
}

func (d *DockerOrchestrator) CheckTarget(ctx context.Context, target string) error {
	inspect, err := d.client.ContainerInspect(ctx, target)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: container %s", ErrTargetNotFound, target)
		}
		return fmt.Errorf("inspect container: %w", err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return fmt.Errorf("%w: container %s", ErrTargetNotRunning, target)
	}
	return nil
}

func (d *DockerOrchestrator) resizeExec(execID string, cols, rows uint16) error {
	ctx, cancel := context.WithTimeout(context.Background(), execResizeTimeout)
	defer cancel()
	return d.client.ContainerExecResize(ctx, execID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
}

func (d *DockerOrchestrator) ExecInteractive(ctx context.Context, target string, opts ExecOptions) (*ExecSession, error) {
	if err := d.CheckTarget(ctx, target); err != nil {
		return nil, err
	}

	execCfg := container.ExecOptions{
		Cmd:          opts.Cmd,
		WorkingDir:   opts.WorkingDir,
		Env:          opts.Env,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	}
	if opts.Cols > 0 && opts.Rows > 0 {
		execCfg.ConsoleSize = &[2]uint{uint(opts.Rows), uint(opts.Cols)}
	}

	execID, err := d.client.ContainerExecCreate(ctx, target, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	stdout := &eofSignal{r: resp.Reader, done: make(chan struct{})}
	var closeOnce sync.Once

	return &ExecSession{
		Stdin:  resp.Conn,
		Stdout: stdout,
		Resize: func(cols, rows uint16) error {
			return d.resizeExec(execID.ID, cols, rows)
		},
		Wait: func(waitCtx context.Context) (int, error) {
			select {
			case <-stdout.done:
			case <-waitCtx.Done():
				return -1, waitCtx.Err()
			}
			return d.execExitCode(waitCtx, execID.ID)
		},
		Close: func() error {
			closeOnce.Do(func() { resp.Close() })
			return nil
		},
	}, nil
}

// execExitCode polls the engine until the exec is no longer running.
func (d *DockerOrchestrator) execExitCode(ctx context.Context, execID string) (int, error) {
	for i := 0; i < execExitPolls; i++ {
		inspect, err := d.client.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, fmt.Errorf("exec inspect: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(execExitPollInterval):
		}
	}
	return -1, fmt.Errorf("exec %s still running after stream closed", execID)
}

// eofSignal closes done on the first read error from the attached stream.
type eofSignal struct {
	r    io.Reader
	once sync.Once
	done chan struct{}
}

func (e *eofSignal) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil {
		e.once.Do(func() { close(e.done) })
	}
	return n, err
}

// Ensure DockerOrchestrator implements ExecBackend
var _ ExecBackend = (*DockerOrchestrator)(nil)
