package ptyproc

import (
	"io"
	"os"
	"sync"
	"syscall"
)

// FakeProcess is an in-memory Process for tests of code that drives a PTY.
type FakeProcess struct {
	// IgnoreHangup makes SIGHUP a no-op so callers must escalate.
	IgnoreHangup bool

	outR *io.PipeReader
	outW *io.PipeWriter

	mu      sync.Mutex
	input   []byte
	sizes   []Size
	signals []os.Signal
	closed  bool
	status  ExitStatus

	exitOnce sync.Once
	done     chan struct{}
}

// NewFakeProcess returns a running FakeProcess.
func NewFakeProcess() *FakeProcess {
	r, w := io.Pipe()
	return &FakeProcess{outR: r, outW: w, done: make(chan struct{})}
}

// Emit writes b to the output stream. It blocks until the bytes are read.
func (p *FakeProcess) Emit(b []byte) error {
	_, err := p.outW.Write(b)
	return err
}

// Exit ends the process with status. Pending output reads see EOF.
func (p *FakeProcess) Exit(status ExitStatus) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.status = status
		p.mu.Unlock()
		p.outW.Close()
		close(p.done)
	})
}

func (p *FakeProcess) Read(b []byte) (int, error) { return p.outR.Read(b) }

func (p *FakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, os.ErrClosed
	}
	p.input = append(p.input, b...)
	return len(b), nil
}

func (p *FakeProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.Exited() {
		return nil
	}
	p.sizes = append(p.sizes, Size{Cols: cols, Rows: rows})
	return nil
}

func (p *FakeProcess) Terminate(sig os.Signal) error {
	if p.Exited() {
		return nil
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == syscall.SIGHUP && p.IgnoreHangup {
		return nil
	}
	p.Exit(ExitStatus{Code: -1, Signal: sig.String()})
	return nil
}

func (p *FakeProcess) Done() <-chan struct{} { return p.done }

func (p *FakeProcess) ExitStatus() ExitStatus {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *FakeProcess) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.outR.Close()
	return nil
}

// Exited reports whether Exit or a fatal Terminate has happened.
func (p *FakeProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Closed reports whether Close has been called.
func (p *FakeProcess) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Input returns everything written to the process so far.
func (p *FakeProcess) Input() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.input...)
}

// Sizes returns every applied resize in order.
func (p *FakeProcess) Sizes() []Size {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Size(nil), p.sizes...)
}

// Signals returns every signal delivered while the process was running.
func (p *FakeProcess) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}
