package ptyproc

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// termEnv is exported to every spawned terminal.
const termEnv = "TERM=xterm-256color"

// localProcess is a child of the gateway running on a PTY allocated here.
type localProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.Mutex // serializes Resize against Close
	closed bool

	closeOnce sync.Once
	closeErr  error

	done   chan struct{}
	status ExitStatus
}

// startLocal starts name with args under a new PTY of the given size.
func startLocal(name string, args []string, dir string, env []string, size Size) (*localProcess, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, name, err)
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	cmd.Env = append(append(os.Environ(), termEnv), env...)

	size = size.orDefault()
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: size.Cols, Rows: size.Rows})
	if err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", ErrSpawn, name, err)
	}

	p := &localProcess{
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *localProcess) wait() {
	err := p.cmd.Wait()
	p.status = exitStatusOf(p.cmd.ProcessState, err)
	close(p.done)
}

func exitStatusOf(state *os.ProcessState, err error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Err: err}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal().String()}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return ExitStatus{Code: state.ExitCode(), Err: err}
	}
	return ExitStatus{Code: state.ExitCode()}
}

func (p *localProcess) Read(b []byte) (int, error) {
	return p.ptmx.Read(b)
}

func (p *localProcess) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

func (p *localProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.exited() {
		return nil
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *localProcess) Terminate(sig os.Signal) error {
	if p.exited() {
		return nil
	}
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *localProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *localProcess) Done() <-chan struct{} {
	return p.done
}

func (p *localProcess) ExitStatus() ExitStatus {
	<-p.done
	return p.status
}

func (p *localProcess) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.closeErr = p.ptmx.Close()
		log.Printf("[ptyproc] released pty for pid %d", p.cmd.Process.Pid)
	})
	return p.closeErr
}
