package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
)

// ErrTargetNotFound is returned when the named execution target does not
// exist. ErrTargetNotRunning is returned when it exists but cannot run
// commands right now.
var (
	ErrTargetNotFound   = errors.New("execution target not found")
	ErrTargetNotRunning = errors.New("execution target not running")
)

// ExecBackend runs interactive commands inside named execution targets
// (containers or pods). The gateway only invokes commands; it never manages
// the target's lifecycle.
type ExecBackend interface {
	Initialize(ctx context.Context) error
	BackendName() string

	// CheckTarget returns nil when target can accept an exec right now.
	CheckTarget(ctx context.Context, target string) error
	ExecInteractive(ctx context.Context, target string, opts ExecOptions) (*ExecSession, error)
}

// ExecOptions describes one interactive exec.
type ExecOptions struct {
	Cmd        []string
	WorkingDir string
	Env        []string
	Cols       uint16
	Rows       uint16
}

// ExecSession is a running interactive exec with a TTY attached.
type ExecSession struct {
	Stdin  io.Writer
	Stdout io.Reader
	Resize func(cols, rows uint16) error
	// Wait blocks until the command ends and returns its exit code.
	Wait func(ctx context.Context) (int, error)
	// Close hangs up the TTY stream. It is safe to call more than once.
	Close func() error
}

// New returns an initialized backend by name: "docker" or "kubernetes".
func New(ctx context.Context, name string, opts Options) (ExecBackend, error) {
	var b ExecBackend
	switch name {
	case "docker":
		b = &DockerOrchestrator{Host: opts.DockerHost}
	case "kubernetes":
		b = &KubernetesOrchestrator{Namespace: opts.K8sNamespace, Container: opts.K8sContainer}
	default:
		return nil, fmt.Errorf("unknown exec backend %q", name)
	}
	if err := b.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("%s backend: %w", name, err)
	}
	log.Printf("Orchestrator: using %s backend", b.BackendName())
	return b, nil
}

// Options carries backend connection settings.
type Options struct {
	DockerHost   string
	K8sNamespace string
	K8sContainer string
}
