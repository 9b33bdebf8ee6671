package session

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/docker/go-units"
	"github.com/gluk-w/claworc/terminal-gateway/internal/auth"
	"github.com/gluk-w/claworc/terminal-gateway/internal/logutil"
	"github.com/gluk-w/claworc/terminal-gateway/internal/ptyproc"
	"github.com/gluk-w/claworc/terminal-gateway/internal/terminal"
	"github.com/google/uuid"
)

// ErrAlreadyAuthenticated is returned when a session is asked to
// authenticate a second time.
var ErrAlreadyAuthenticated = errors.New("session already authenticated")

// Conn is the connection a session owns.
type Conn interface {
	terminal.Conn
	Close(code websocket.StatusCode, reason string) error
}

// Session is one client connection and the process it drives. The
// connection and process are owned exclusively and released exactly once.
type Session struct {
	ID         string
	RemoteAddr string
	CreatedAt  time.Time

	mgr  *Manager
	conn Conn

	state      atomic.Int32
	lastActive atomic.Int64

	// mu serializes spawn hand-off, resize and teardown.
	mu        sync.Mutex
	claims    *auth.Claims
	size      ptyproc.Size
	proc      ptyproc.Process
	procTaken bool
	bridge    *terminal.Bridge

	// Written once by the goroutine that wins the move to Closing.
	cause Cause
	exit  ptyproc.ExitStatus

	outputDone chan struct{}
	inputDone  chan struct{}
	closing    chan struct{}
	closed     chan struct{}
}

func newSession(m *Manager, conn Conn, remoteAddr string, size ptyproc.Size) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now(),
		mgr:        m,
		conn:       conn,
		size:       size,
		outputDone: make(chan struct{}),
		inputDone:  make(chan struct{}),
		closing:    make(chan struct{}),
		closed:     make(chan struct{}),
	}
	s.touch()
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) advance(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Claims returns the authenticated claims, or nil before authentication.
func (s *Session) Claims() *auth.Claims {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims
}

// Size returns the current terminal size.
func (s *Session) Size() ptyproc.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Cause returns the shutdown trigger once the session is closed.
func (s *Session) Cause() Cause {
	<-s.closed
	return s.cause
}

// Closed is closed after teardown has finished.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActivity is the time of the most recent forwarded message.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Authenticate records verified claims. It fails once the session has
// moved past authentication or already holds claims.
func (s *Session) Authenticate(c *auth.Claims) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateAuthenticating || s.claims != nil {
		return ErrAlreadyAuthenticated
	}
	s.claims = c
	return nil
}

// Resize applies a new terminal size to the running process. It is a no-op
// before the process is attached and after teardown has taken it.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || s.procTaken {
		return nil
	}
	if err := s.proc.Resize(cols, rows); err != nil {
		return err
	}
	s.size = ptyproc.Size{Cols: cols, Rows: rows}
	return nil
}

// activate hands proc to the session and moves it to Active. When teardown
// has already started, the caller's process is stopped here instead and
// activate returns false.
func (s *Session) activate(proc ptyproc.Process, b *terminal.Bridge) bool {
	s.mu.Lock()
	if s.procTaken || !s.advance(StateAuthenticating, StateActive) {
		s.procTaken = true
		s.mu.Unlock()
		ptyproc.StopGracefully(proc, s.mgr.opts.KillGrace)
		proc.Close()
		return false
	}
	s.proc = proc
	s.bridge = b
	s.mu.Unlock()
	return true
}

// Shutdown starts teardown with cause. Only the first call has an effect;
// it reports whether this call won.
func (s *Session) Shutdown(cause Cause) bool {
	for {
		st := s.State()
		if st >= StateClosing {
			return false
		}
		if s.advance(st, StateClosing) {
			break
		}
	}
	s.cause = cause
	close(s.closing)
	go s.teardown()
	return true
}

func (s *Session) teardown() {
	defer close(s.closed)
	defer s.recoverPanic("teardown")

	grace := s.mgr.opts.KillGrace

	s.mu.Lock()
	proc, bridge := s.proc, s.bridge
	s.procTaken = true
	s.mu.Unlock()

	// Let trailing output of an exited process reach the client.
	if s.cause == CauseProcessExited && bridge != nil {
		waitFor(s.outputDone, grace)
	}
	if bridge != nil {
		bridge.Stop()
	}

	if proc != nil {
		if !ptyproc.StopGracefully(proc, grace) {
			log.Printf("[session] %s process did not exit after SIGKILL", s.ID)
		}
		select {
		case <-proc.Done():
			s.exit = proc.ExitStatus()
		default:
		}
		if err := proc.Close(); err != nil {
			log.Printf("[session] %s release pty: %v", s.ID, err)
		}
		waitFor(s.outputDone, grace)
	}

	s.mgr.registry.Remove(s.ID)

	code, reason := closeStatus(s.cause, s.exit)
	if err := s.conn.Close(code, reason); err != nil && !isClosedErr(err) {
		log.Printf("[session] %s close connection: %v", s.ID, err)
	}
	if bridge != nil {
		waitFor(s.inputDone, grace)
	}

	s.state.Store(int32(StateClosed))
	log.Printf("[session] %s closed: cause=%s status=%d after %s",
		s.ID, s.cause, code, units.HumanDuration(time.Since(s.CreatedAt)))
	if s.mgr.OnClosed != nil {
		s.mgr.OnClosed(s)
	}
}

// recoverPanic converts a panic in a session goroutine into an internal
// shutdown of that session alone.
func (s *Session) recoverPanic(where string) {
	if r := recover(); r != nil {
		log.Printf("[session] %s panic in %s: %v\n%s", s.ID, where, r, debug.Stack())
		s.Shutdown(CauseInternal)
	}
}

func (s *Session) runOutput(ctx context.Context) {
	defer close(s.outputDone)
	defer s.recoverPanic("output")
	if err := s.bridge.PumpOutput(ctx); err != nil {
		s.Shutdown(CauseClientClosed)
	}
}

func (s *Session) runInput(ctx context.Context) {
	defer close(s.inputDone)
	defer s.recoverPanic("input")
	err := s.bridge.PumpInput(ctx)
	var pwe *terminal.ProcessWriteError
	switch {
	case errors.As(err, &pwe):
		s.Shutdown(CauseProcessExited)
	default:
		s.Shutdown(CauseClientClosed)
	}
}

func (s *Session) watchProcess(proc ptyproc.Process) {
	select {
	case <-proc.Done():
		s.Shutdown(CauseProcessExited)
	case <-s.closing:
	}
}

// notify sends a human-readable text message ahead of a close.
func (s *Session) notify(ctx context.Context, msg string) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		log.Printf("[session] %s notify client: %v", s.ID, err)
	}
}

func waitFor(ch <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

func isClosedErr(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) || errors.Is(err, context.Canceled)
}

// Info is a point-in-time view of a session for listings.
type Info struct {
	ID         string    `json:"id"`
	Mode       string    `json:"mode,omitempty"`
	Target     string    `json:"target,omitempty"`
	Cwd        string    `json:"cwd,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	State      string    `json:"state"`
	Cols       uint16    `json:"cols"`
	Rows       uint16    `json:"rows"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	RemoteAddr string    `json:"remote_addr"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	claims, size := s.claims, s.size
	s.mu.Unlock()

	info := Info{
		ID:         s.ID,
		State:      s.State().String(),
		Cols:       size.Cols,
		Rows:       size.Rows,
		CreatedAt:  s.CreatedAt,
		LastActive: s.LastActivity(),
		RemoteAddr: logutil.SanitizeForLog(s.RemoteAddr),
	}
	if claims != nil {
		info.Mode = string(claims.Mode)
		info.Target = claims.Target
		info.Cwd = claims.Cwd
		info.Subject = claims.Subject
	}
	return info
}
