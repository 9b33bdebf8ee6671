// Package session runs terminal sessions: one per WebSocket connection,
// each authenticated, attached to exactly one PTY process and torn down
// exactly once.
//
// # Lifecycle
//
// A session moves Connecting → Authenticating → Active → Closing → Closed.
// The first shutdown trigger (client close, process exit, auth or spawn
// failure, idle timeout, admin close, server shutdown) wins the move to
// Closing and runs teardown: stop both flows, hang up and then kill the
// process, release the PTY, leave the registry and close the connection
// with a status that reflects the cause.
//
// # Log Prefixes
//
// Session lifecycle events log at the [session] prefix.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/terminal-gateway/internal/auth"
	"github.com/gluk-w/claworc/terminal-gateway/internal/logutil"
	"github.com/gluk-w/claworc/terminal-gateway/internal/ptyproc"
	"github.com/gluk-w/claworc/terminal-gateway/internal/terminal"
)

// ErrNotFound is returned for operations on an unknown session id.
var ErrNotFound = errors.New("session not found")

// errCredentialTimeout means the in-band credential did not arrive in time
// and the client has already been told.
var errCredentialTimeout = errors.New("no credential before auth timeout")

// Verifier validates a token and returns its claims.
type Verifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Spawner starts the process a session drives.
type Spawner interface {
	Spawn(ctx context.Context, cfg ptyproc.SpawnConfig, size ptyproc.Size) (ptyproc.Process, error)
}

// Options configures a Manager.
type Options struct {
	Verifier Verifier
	Spawner  Spawner
	Framing  terminal.Framing
	Limits   terminal.Limits

	// AuthTimeout bounds the wait for an in-band token.
	AuthTimeout time.Duration
	// KillGrace is how long a hung-up process gets before SIGKILL.
	KillGrace time.Duration
	// IdleTimeout ends sessions without traffic. Zero disables it.
	IdleTimeout time.Duration
	// MaxSessions caps live sessions. Zero means unlimited.
	MaxSessions int
}

// Request carries what the listener learned from the upgrade request.
type Request struct {
	// Token is the out-of-band credential, empty when it must arrive
	// in-band as the first message.
	Token      string
	Size       ptyproc.Size
	RemoteAddr string
}

// Manager owns the session registry and runs sessions.
type Manager struct {
	opts     Options
	registry *Registry
	draining atomic.Bool

	// OnClosed, when set, is called after each session finishes teardown.
	OnClosed func(*Session)
}

// NewManager returns a Manager with its own registry.
func NewManager(opts Options) *Manager {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 2 * time.Second
	}
	return &Manager{opts: opts, registry: NewRegistry(opts.MaxSessions)}
}

// Registry exposes the live session set.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Serve runs one session on conn and blocks until it is closed.
func (m *Manager) Serve(ctx context.Context, conn Conn, req Request) {
	if m.draining.Load() {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	s := newSession(m, conn, req.RemoteAddr, req.Size)
	if err := m.registry.Add(s); err != nil {
		log.Printf("[session] rejecting connection from %s: %v", logutil.SanitizeForLog(req.RemoteAddr), err)
		conn.Close(websocket.StatusTryAgainLater, err.Error())
		return
	}
	log.Printf("[session] %s opened from %s", s.ID, logutil.SanitizeForLog(req.RemoteAddr))

	// Flows outlive the request context; teardown ends them by closing
	// the connection and the process.
	ctx = context.WithoutCancel(ctx)
	m.run(ctx, s, req)
	<-s.closed
}

func (m *Manager) run(ctx context.Context, s *Session, req Request) {
	defer s.recoverPanic("serve")

	if m.draining.Load() {
		s.Shutdown(CauseShutdown)
		return
	}
	if !s.advance(StateConnecting, StateAuthenticating) {
		return
	}

	claims, size, err := m.authenticate(ctx, s, req)
	if err != nil {
		if s.State() == StateAuthenticating && !errors.Is(err, errCredentialTimeout) {
			log.Printf("[session] %s authentication failed: %v", s.ID, err)
			s.notify(ctx, "authentication failed")
		}
		s.Shutdown(CauseAuthFailed)
		return
	}
	if err := s.Authenticate(claims); err != nil {
		s.Shutdown(CauseInternal)
		return
	}
	log.Printf("[session] %s authenticated: mode=%s target=%q sub=%q",
		s.ID, claims.Mode, logutil.SanitizeForLog(claims.Target), logutil.SanitizeForLog(claims.Subject))

	s.mu.Lock()
	s.size = size
	s.mu.Unlock()

	proc, err := m.spawn(ctx, s, claims, size)
	if err != nil {
		log.Printf("[session] %s spawn failed: %v", s.ID, err)
		if s.State() == StateAuthenticating {
			s.notify(ctx, fmt.Sprintf("failed to start terminal: %v", err))
		}
		s.Shutdown(CauseSpawnFailed)
		return
	}

	b := &terminal.Bridge{
		Proc:       proc,
		Conn:       s.conn,
		Framing:    m.opts.Framing,
		Limits:     m.opts.Limits,
		Resize:     s.Resize,
		OnActivity: s.touch,
		Tag:        s.ID,
	}
	if !s.activate(proc, b) {
		return
	}
	s.touch()

	go s.runOutput(ctx)
	go s.runInput(ctx)
	go s.watchProcess(proc)
}

// spawn starts the session's process. A shutdown that lands while the
// spawner is still checking the target cancels it.
func (m *Manager) spawn(ctx context.Context, s *Session, claims *auth.Claims, size ptyproc.Size) (ptyproc.Process, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()
	return m.opts.Spawner.Spawn(ctx, ptyproc.SpawnConfig{
		Scoped: claims.Mode == auth.ModeScoped,
		Target: claims.Target,
		Cwd:    claims.Cwd,
	}, size)
}

// authenticate obtains and verifies the session's credential and returns
// the initial terminal size.
func (m *Manager) authenticate(ctx context.Context, s *Session, req Request) (*auth.Claims, ptyproc.Size, error) {
	size := req.Size
	token := req.Token
	if token == "" {
		msg, err := m.readCredential(ctx, s)
		if err != nil {
			return nil, size, err
		}
		cred := auth.ParseCredential(msg)
		token = cred.Token
		if cred.Cols > 0 && cred.Rows > 0 {
			size = ptyproc.Size{Cols: cred.Cols, Rows: cred.Rows}
		}
	}
	claims, err := m.opts.Verifier.Verify(token)
	if err != nil {
		return nil, size, err
	}
	if size.Cols > 0 && size.Rows > 0 {
		cols, rows := m.opts.Limits.Clamp(int(size.Cols), int(size.Rows))
		size = ptyproc.Size{Cols: cols, Rows: rows}
	}
	return claims, size, nil
}

// readCredential waits up to AuthTimeout for the first inbound message.
// A deadline on the read itself would drop the connection before the client
// could be told, so on timeout the notice goes out and the session shuts
// down, which closes the connection with policy-violation and ends the read.
func (m *Manager) readCredential(ctx context.Context, s *Session) ([]byte, error) {
	var settled atomic.Bool
	timer := time.AfterFunc(m.opts.AuthTimeout, func() {
		if !settled.CompareAndSwap(false, true) {
			return
		}
		log.Printf("[session] %s authentication failed: no credential within %s", s.ID, m.opts.AuthTimeout)
		s.notify(ctx, "authentication failed")
		s.Shutdown(CauseAuthFailed)
	})
	defer timer.Stop()

	_, msg, err := s.conn.Read(ctx)
	if !settled.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %w", auth.ErrAuth, errCredentialTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: no credential: %w", auth.ErrAuth, err)
	}
	return msg, nil
}

// List returns a snapshot of every live session.
func (m *Manager) List() []Info {
	snap := m.registry.Snapshot()
	out := make([]Info, 0, len(snap))
	for _, s := range snap {
		out = append(out, s.Info())
	}
	return out
}

// Close ends session id with a normal closure and waits for its teardown.
func (m *Manager) Close(ctx context.Context, id string) error {
	s := m.registry.Get(id)
	if s == nil {
		return ErrNotFound
	}
	s.Shutdown(CauseAdminClose)
	select {
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepIdle ends Active sessions without traffic for longer than the idle
// timeout and returns how many it triggered.
func (m *Manager) SweepIdle(now time.Time) int {
	if m.opts.IdleTimeout <= 0 {
		return 0
	}
	n := 0
	for _, s := range m.registry.Snapshot() {
		if s.State() != StateActive {
			continue
		}
		if now.Sub(s.LastActivity()) > m.opts.IdleTimeout && s.Shutdown(CauseIdle) {
			log.Printf("[session] %s idle since %s", s.ID, s.LastActivity().Format(time.RFC3339))
			n++
		}
	}
	return n
}

// Shutdown refuses new sessions, ends every live one with going-away and
// waits until the registry is empty or ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.draining.Store(true)
	for {
		snap := m.registry.Snapshot()
		if len(snap) == 0 {
			return nil
		}
		log.Printf("[session] shutting down %d session(s)", len(snap))
		for _, s := range snap {
			s.Shutdown(CauseShutdown)
		}
		for _, s := range snap {
			select {
			case <-s.closed:
			case <-ctx.Done():
				return fmt.Errorf("%d session(s) still open: %w", m.registry.Len(), ctx.Err())
			}
		}
	}
}
