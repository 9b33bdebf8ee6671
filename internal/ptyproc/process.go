// Package ptyproc spawns and supervises processes attached to a
// pseudo-terminal.
//
// A [Process] is owned by exactly one terminal session. It exposes the PTY
// output stream and input sink, geometry changes and termination, and
// reports its exit exactly once through [Process.Done] and
// [Process.ExitStatus].
//
// Two kinds of process exist:
//
//   - local processes started under a PTY allocated on the gateway host
//     (login shells, and CLI execution facilities such as "docker exec -it");
//   - remote processes created through an [orchestrator.ExecBackend] that
//     owns the TTY on the far side.
//
// # Log Prefixes
//
// Supervisor operations log at the [ptyproc] prefix.
package ptyproc

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"syscall"
	"time"
)

// ErrSpawn is wrapped by every spawn failure: missing shell or execution
// facility, unknown or stopped target, unreachable backend.
var ErrSpawn = errors.New("spawn failed")

// Size is a terminal geometry in character cells.
type Size struct {
	Cols uint16
	Rows uint16
}

// DefaultSize is used when the client does not announce a size.
var DefaultSize = Size{Cols: 80, Rows: 24}

func (s Size) orDefault() Size {
	if s.Cols == 0 || s.Rows == 0 {
		return DefaultSize
	}
	return s
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code   int
	Signal string
	// Err is set when the exit could not be observed cleanly.
	Err error
}

// Crashed reports whether the process ended abnormally: a nonzero exit code,
// a signal, or an unobservable exit.
func (s ExitStatus) Crashed() bool {
	return s.Code != 0 || s.Signal != "" || s.Err != nil
}

func (s ExitStatus) String() string {
	switch {
	case s.Signal != "":
		return "signal " + s.Signal
	case s.Err != nil && s.Code == 0:
		return "error: " + s.Err.Error()
	default:
		return fmt.Sprintf("exit %d", s.Code)
	}
}

// Process is a running program attached to a pseudo-terminal.
//
// Read returns PTY output and Write feeds PTY input. Resize and Terminate are
// safe to call concurrently with I/O and are no-ops once the process has
// exited. Close releases the PTY and is idempotent.
type Process interface {
	io.Reader
	io.Writer
	Resize(cols, rows uint16) error
	Terminate(sig os.Signal) error
	Done() <-chan struct{}
	// ExitStatus blocks until Done is closed.
	ExitStatus() ExitStatus
	Close() error
}

// StopGracefully asks p to exit with SIGHUP and escalates to SIGKILL when it
// is still running after grace. It returns false if the process could not be
// confirmed dead within a further grace period.
func StopGracefully(p Process, grace time.Duration) bool {
	select {
	case <-p.Done():
		return true
	default:
	}

	if err := p.Terminate(syscall.SIGHUP); err != nil {
		log.Printf("[ptyproc] hangup failed: %v", err)
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.Done():
		return true
	case <-t.C:
	}

	if err := p.Terminate(os.Kill); err != nil {
		log.Printf("[ptyproc] kill failed: %v", err)
	}
	t.Reset(grace)
	select {
	case <-p.Done():
		return true
	case <-t.C:
		return false
	}
}
