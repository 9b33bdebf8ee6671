package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/terminal-gateway/internal/auth"
	"github.com/gluk-w/claworc/terminal-gateway/internal/logutil"
	"github.com/gluk-w/claworc/terminal-gateway/internal/ptyproc"
	"github.com/gluk-w/claworc/terminal-gateway/internal/session"
)

// Terminal serves the terminal WebSocket endpoint and the session admin API.
type Terminal struct {
	Manager  *session.Manager
	Verifier *auth.Verifier

	// AllowedOrigins are host patterns accepted for browser upgrades.
	// A single "*" disables the origin check.
	AllowedOrigins []string
	// MaxMessageSize bounds one inbound WebSocket message.
	MaxMessageSize int64
	// Backend names the scoped execution backend for health output.
	Backend string
}

// ServeWS upgrades the request and runs one terminal session on it.
//
// Query parameters:
//   - token: (optional) credential; the Authorization header takes precedence
//     and the first message is used when neither is present.
//   - cols, rows: (optional) initial terminal size.
func (h *Terminal) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		log.Printf("Failed to accept terminal websocket from %s: %v", logutil.SanitizeForLog(r.RemoteAddr), err)
		return
	}
	defer conn.CloseNow()

	if h.MaxMessageSize > 0 {
		conn.SetReadLimit(h.MaxMessageSize)
	}

	h.Manager.Serve(r.Context(), conn, session.Request{
		Token:      auth.TokenFromRequest(r),
		Size:       sizeFromQuery(r),
		RemoteAddr: r.RemoteAddr,
	})
}

func (h *Terminal) acceptOptions() *websocket.AcceptOptions {
	for _, o := range h.AllowedOrigins {
		if o == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
	}
	return &websocket.AcceptOptions{OriginPatterns: h.AllowedOrigins}
}

func sizeFromQuery(r *http.Request) ptyproc.Size {
	q := r.URL.Query()
	cols, err1 := strconv.ParseUint(q.Get("cols"), 10, 16)
	rows, err2 := strconv.ParseUint(q.Get("rows"), 10, 16)
	if err1 != nil || err2 != nil || cols == 0 || rows == 0 {
		return ptyproc.Size{}
	}
	return ptyproc.Size{Cols: uint16(cols), Rows: uint16(rows)}
}
