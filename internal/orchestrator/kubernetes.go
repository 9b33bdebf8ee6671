package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/util/homedir"
	utilexec "k8s.io/client-go/util/exec"
)

// KubernetesOrchestrator runs execs in pods. A target is either "pod" or
// "pod/container"; without a container the configured default (or the pod's
// only container) is used.
type KubernetesOrchestrator struct {
	Namespace string
	Container string

	clientset  kubernetes.Interface
	restConfig *rest.Config
	inCluster  bool
}

func (k *KubernetesOrchestrator) Initialize(ctx context.Context) error {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		k.inCluster = true
	} else {
		kubeconfig := clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		if home := homedir.HomeDir(); home != "" && kubeconfig == "" {
			kubeconfig = home + "/.kube/config"
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return fmt.Errorf("k8s config: %w", err)
		}
	}

	k.restConfig = cfg
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return fmt.Errorf("k8s clientset: %w", err)
	}
	k.clientset = clientset

	if _, err := k.clientset.CoreV1().Namespaces().Get(ctx, k.ns(), metav1.GetOptions{}); err != nil {
		return fmt.Errorf("k8s namespace check: %w", err)
	}
	log.Printf("Kubernetes API connected (namespace=%s, in-cluster=%v)", k.ns(), k.inCluster)
	return nil
}

func (k *KubernetesOrchestrator) BackendName() string {
	return "kubernetes"
}

func (k *KubernetesOrchestrator) ns() string {
	if k.Namespace == "" {
		return "default"
	}
	return k.Namespace
}

// splitTarget separates "pod/container" into its parts.
func (k *KubernetesOrchestrator) splitTarget(target string) (pod, container string) {
	pod, container, found := strings.Cut(target, "/")
	if !found || container == "" {
		container = k.Container
	}
	return pod, container
}

func (k *KubernetesOrchestrator) CheckTarget(ctx context.Context, target string) error {
	podName, container := k.splitTarget(target)
	pod, err := k.clientset.CoreV1().Pods(k.ns()).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: pod %s/%s", ErrTargetNotFound, k.ns(), podName)
		}
		return fmt.Errorf("get pod: %w", err)
	}
	if pod.Status.Phase != corev1.PodRunning {
		return fmt.Errorf("%w: pod %s is %s", ErrTargetNotRunning, podName, pod.Status.Phase)
	}
	if container == "" {
		return nil
	}
	for _, c := range pod.Spec.Containers {
		if c.Name == container {
			return nil
		}
	}
	return fmt.Errorf("%w: container %s in pod %s", ErrTargetNotFound, container, podName)
}

// wrapCommand applies the working directory and environment through sh,
// since pod exec has no native equivalent. Values travel as positional
// parameters and are never interpolated into the script.
func wrapCommand(opts ExecOptions) []string {
	if opts.WorkingDir == "" && len(opts.Env) == 0 {
		return opts.Cmd
	}
	script := `cd "$1" || exit 1; shift; exec env "$@"`
	dir := opts.WorkingDir
	if dir == "" {
		dir = "."
	}
	cmd := []string{"sh", "-c", script, "sh", dir}
	cmd = append(cmd, opts.Env...)
	return append(cmd, opts.Cmd...)
}

// termSizeQueue implements remotecommand.TerminalSizeQueue via a channel.
type termSizeQueue struct {
	ch chan remotecommand.TerminalSize
}

func (q *termSizeQueue) Next() *remotecommand.TerminalSize {
	size, ok := <-q.ch
	if !ok {
		return nil
	}
	return &size
}

func (k *KubernetesOrchestrator) ExecInteractive(ctx context.Context, target string, opts ExecOptions) (*ExecSession, error) {
	if err := k.CheckTarget(ctx, target); err != nil {
		return nil, err
	}
	podName, container := k.splitTarget(target)

	req := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(k.ns()).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   wrapCommand(opts),
			Stdin:     true,
			Stdout:    true,
			Stderr:    false,
			TTY:       true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(k.restConfig, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	sizes := &sizeSender{ch: make(chan remotecommand.TerminalSize, 1)}
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 || rows == 0 {
		cols, rows = 80, 24
	}
	sizes.send(cols, rows)

	done := make(chan struct{})
	var streamErr error

	go func() {
		defer close(done)
		defer stdoutW.Close()
		streamErr = exec.StreamWithContext(streamCtx, remotecommand.StreamOptions{
			Stdin:             stdinR,
			Stdout:            stdoutW,
			Tty:               true,
			TerminalSizeQueue: &termSizeQueue{ch: sizes.ch},
		})
		if streamErr != nil {
			log.Printf("k8s exec stream ended: %v", streamErr)
		}
	}()

	var closeOnce sync.Once
	return &ExecSession{
		Stdin:  stdinW,
		Stdout: stdoutR,
		Resize: func(cols, rows uint16) error {
			sizes.send(cols, rows)
			return nil
		},
		Wait: func(waitCtx context.Context) (int, error) {
			select {
			case <-done:
			case <-waitCtx.Done():
				return -1, waitCtx.Err()
			}
			return exitCodeFromStream(streamErr)
		},
		Close: func() error {
			closeOnce.Do(func() {
				sizes.close()
				cancel()
				stdinW.Close()
				stdinR.Close()
				stdoutR.Close()
			})
			return nil
		},
	}, nil
}

// exitCodeFromStream maps the remotecommand result to an exit code.
func exitCodeFromStream(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var codeErr utilexec.CodeExitError
	if errors.As(err, &codeErr) {
		return codeErr.Code, nil
	}
	return -1, err
}

// sizeSender delivers the latest terminal size to the executor and tolerates
// resizes after close.
type sizeSender struct {
	mu     sync.Mutex
	ch     chan remotecommand.TerminalSize
	closed bool
}

func (s *sizeSender) send(cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// Drain any pending size so the new one is always delivered
	select {
	case <-s.ch:
	default:
	}
	s.ch <- remotecommand.TerminalSize{Width: cols, Height: rows}
}

func (s *sizeSender) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Ensure KubernetesOrchestrator implements ExecBackend
var _ ExecBackend = (*KubernetesOrchestrator)(nil)
