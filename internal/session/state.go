package session

import (
	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/terminal-gateway/internal/ptyproc"
)

// State is a session's lifecycle position. States only move forward.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Cause records which trigger started a session's shutdown.
type Cause int

const (
	CauseNone Cause = iota
	CauseClientClosed
	CauseProcessExited
	CauseAuthFailed
	CauseSpawnFailed
	CauseShutdown
	CauseIdle
	CauseAdminClose
	CauseInternal
)

func (c Cause) String() string {
	switch c {
	case CauseClientClosed:
		return "client_closed"
	case CauseProcessExited:
		return "process_exited"
	case CauseAuthFailed:
		return "auth_failed"
	case CauseSpawnFailed:
		return "spawn_failed"
	case CauseShutdown:
		return "shutdown"
	case CauseIdle:
		return "idle"
	case CauseAdminClose:
		return "admin_close"
	case CauseInternal:
		return "internal"
	}
	return "none"
}

// closeStatus maps a shutdown cause to the WebSocket close status and
// reason sent to the client.
func closeStatus(c Cause, exit ptyproc.ExitStatus) (websocket.StatusCode, string) {
	switch c {
	case CauseClientClosed:
		return websocket.StatusNormalClosure, "client closed"
	case CauseProcessExited:
		if exit.Crashed() {
			return websocket.StatusInternalError, "process ended: " + exit.String()
		}
		return websocket.StatusNormalClosure, "process exited"
	case CauseAuthFailed:
		return websocket.StatusPolicyViolation, "authentication failed"
	case CauseSpawnFailed:
		return websocket.StatusInternalError, "failed to start terminal"
	case CauseShutdown:
		return websocket.StatusGoingAway, "server shutting down"
	case CauseIdle:
		return websocket.StatusGoingAway, "idle timeout"
	case CauseAdminClose:
		return websocket.StatusNormalClosure, "closed by administrator"
	}
	return websocket.StatusInternalError, "internal error"
}
