package terminal

import (
	"context"
	"errors"
	"log"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/terminal-gateway/internal/ptyproc"
	"golang.org/x/time/rate"
)

// outputBufSize is the largest chunk of PTY output sent in one frame.
const outputBufSize = 32 * 1024

// Conn is the subset of *websocket.Conn the bridge needs.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
}

// Limits bounds what a client may ask of a session.
type Limits struct {
	MaxCols int
	MaxRows int
	// InputRate is the sustained number of inbound messages per second.
	// Zero disables rate limiting.
	InputRate  float64
	InputBurst int
}

// Clamp bounds a requested size to the configured maximum.
func (l Limits) Clamp(cols, rows int) (uint16, uint16) {
	return clampDim(cols, l.MaxCols), clampDim(rows, l.MaxRows)
}

func clampDim(v, max int) uint16 {
	if max <= 0 || max > 0xffff {
		max = 0xffff
	}
	if v > max {
		v = max
	}
	if v < 1 {
		v = 1
	}
	return uint16(v)
}

// Bridge owns the two byte flows of one session: PTY output to the
// connection and connection input to the PTY. Each flow has exactly one
// goroutine, so each direction has a single writer.
type Bridge struct {
	Proc    ptyproc.Process
	Conn    Conn
	Framing Framing
	Limits  Limits

	// Resize applies a clamped size. It defaults to Proc.Resize.
	Resize func(cols, rows uint16) error
	// OnActivity is called for every forwarded message in either direction.
	OnActivity func()
	// Tag prefixes log lines, usually the session id.
	Tag string

	stopped atomic.Bool
	limiter *rate.Limiter
}

// Stop makes both flows discard anything further they receive. The flows
// return once their blocking call is released: output when the process
// stream closes, input when the connection closes.
func (b *Bridge) Stop() {
	b.stopped.Store(true)
}

// Stopped reports whether Stop has been called.
func (b *Bridge) Stopped() bool {
	return b.stopped.Load()
}

func (b *Bridge) activity() {
	if b.OnActivity != nil {
		b.OnActivity()
	}
}

// PumpOutput copies process output to the connection as binary frames,
// byte for byte and in order. It returns nil when the process stream ends
// and the write error when the connection fails.
func (b *Bridge) PumpOutput(ctx context.Context) error {
	buf := make([]byte, outputBufSize)
	for {
		n, err := b.Proc.Read(buf)
		if n > 0 && !b.Stopped() {
			if werr := b.Conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
				return werr
			}
			b.activity()
		}
		if err != nil {
			// EOF or EIO: the process side of the PTY is gone.
			return nil
		}
	}
}

// PumpInput reads client messages and applies them to the process until
// the connection fails or the process stops accepting input. Returned errors
// come from the connection read or the process write.
func (b *Bridge) PumpInput(ctx context.Context) error {
	if b.Limits.InputRate > 0 {
		burst := b.Limits.InputBurst
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(b.Limits.InputRate), burst)
	}
	resize := b.Resize
	if resize == nil {
		resize = b.Proc.Resize
	}

	for {
		_, msg, err := b.Conn.Read(ctx)
		if err != nil {
			return err
		}
		if b.Stopped() {
			return nil
		}
		if b.limiter != nil && !b.limiter.Allow() {
			continue
		}

		frame, err := b.Framing.Classify(msg)
		if err != nil {
			if !errors.Is(err, ErrControlFrame) {
				return err
			}
			continue
		}

		switch frame.Kind {
		case KindData:
			if _, err := b.Proc.Write(frame.Data); err != nil {
				return &ProcessWriteError{Err: err}
			}
			b.activity()
		case KindResize:
			cols, rows := b.Limits.Clamp(frame.Cols, frame.Rows)
			if err := resize(cols, rows); err != nil {
				log.Printf("[terminal] %s resize %dx%d failed: %v", b.Tag, cols, rows, err)
			}
			b.activity()
		}
	}
}

// ProcessWriteError reports that the process refused input, which happens
// once it has exited or its PTY was released.
type ProcessWriteError struct {
	Err error
}

func (e *ProcessWriteError) Error() string { return "write to process: " + e.Err.Error() }
func (e *ProcessWriteError) Unwrap() error { return e.Err }
