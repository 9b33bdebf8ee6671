package ptyproc

import (
	"context"
	"os"
	"sync"

	"github.com/gluk-w/claworc/terminal-gateway/internal/orchestrator"
)

// remoteProcess adapts an orchestrator exec session. Signals cannot be
// delivered through the exec APIs, so Terminate hangs up the TTY stream,
// which ends the remote shell the same way a closed terminal would.
type remoteProcess struct {
	sess *orchestrator.ExecSession

	mu     sync.Mutex
	closed bool

	done   chan struct{}
	status ExitStatus
	cancel context.CancelFunc
}

func newRemoteProcess(sess *orchestrator.ExecSession) *remoteProcess {
	ctx, cancel := context.WithCancel(context.Background())
	p := &remoteProcess{
		sess:   sess,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go p.wait(ctx)
	return p
}

func (p *remoteProcess) wait(ctx context.Context) {
	code, err := p.sess.Wait(ctx)
	p.status = ExitStatus{Code: code, Err: err}
	close(p.done)
}

func (p *remoteProcess) Read(b []byte) (int, error) {
	return p.sess.Stdout.Read(b)
}

func (p *remoteProcess) Write(b []byte) (int, error) {
	return p.sess.Stdin.Write(b)
}

func (p *remoteProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.exited() {
		return nil
	}
	return p.sess.Resize(cols, rows)
}

func (p *remoteProcess) Terminate(os.Signal) error {
	if p.exited() {
		return nil
	}
	return p.sess.Close()
}

func (p *remoteProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *remoteProcess) Done() <-chan struct{} {
	return p.done
}

func (p *remoteProcess) ExitStatus() ExitStatus {
	<-p.done
	return p.status
}

// Close hangs up the stream and stops waiting for an exit code that may
// never be reported.
func (p *remoteProcess) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.sess.Close()
	p.cancel()
	return err
}
