// Package terminal relays bytes between a WebSocket connection and a
// PTY-backed process and implements the in-band control protocol.
package terminal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Frame tags for the tagged envelope. The first byte of every inbound
// message selects how the rest is interpreted.
const (
	TagData    byte = 0x01
	TagControl byte = 0x02
)

// ErrControlFrame is returned for control payloads that do not decode to
// exactly {"cols":n,"rows":n} with positive values. Such frames are dropped.
var ErrControlFrame = errors.New("malformed control frame")

// Framing selects how inbound messages are classified.
type Framing int

const (
	// FramingTagged requires an explicit envelope tag on every message.
	FramingTagged Framing = iota
	// FramingCompat treats JSON-looking messages that mention cols as
	// control and everything else as raw input.
	FramingCompat
)

// ParseFraming maps a configuration value to a Framing.
func ParseFraming(s string) (Framing, error) {
	switch s {
	case "", "tagged":
		return FramingTagged, nil
	case "compat":
		return FramingCompat, nil
	}
	return 0, fmt.Errorf("unknown framing %q", s)
}

func (f Framing) String() string {
	if f == FramingCompat {
		return "compat"
	}
	return "tagged"
}

// Kind is the classification of one inbound message.
type Kind int

const (
	KindDrop Kind = iota
	KindData
	KindResize
)

// Frame is a classified inbound message. Data is set for KindData and
// Cols/Rows for KindResize.
type Frame struct {
	Kind Kind
	Data []byte
	Cols int
	Rows int
}

// Classify interprets one inbound message. A non-nil error always comes
// with KindDrop.
func (f Framing) Classify(msg []byte) (Frame, error) {
	if f == FramingCompat {
		return classifyCompat(msg)
	}
	return classifyTagged(msg)
}

func classifyTagged(msg []byte) (Frame, error) {
	if len(msg) == 0 {
		return Frame{Kind: KindDrop}, nil
	}
	switch msg[0] {
	case TagData:
		if len(msg) == 1 {
			return Frame{Kind: KindDrop}, nil
		}
		return Frame{Kind: KindData, Data: msg[1:]}, nil
	case TagControl:
		return decodeResize(msg[1:])
	default:
		return Frame{Kind: KindDrop}, nil
	}
}

func classifyCompat(msg []byte) (Frame, error) {
	if len(msg) == 0 {
		return Frame{Kind: KindDrop}, nil
	}
	if msg[0] == '{' && bytes.Contains(msg, []byte("cols")) {
		return decodeResize(msg)
	}
	return Frame{Kind: KindData, Data: msg}, nil
}

type resizePayload struct {
	Cols *int `json:"cols"`
	Rows *int `json:"rows"`
}

func decodeResize(b []byte) (Frame, error) {
	drop := Frame{Kind: KindDrop}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p resizePayload
	if err := dec.Decode(&p); err != nil {
		return drop, fmt.Errorf("%w: %w", ErrControlFrame, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return drop, fmt.Errorf("%w: trailing data", ErrControlFrame)
	}
	if p.Cols == nil || p.Rows == nil {
		return drop, fmt.Errorf("%w: cols and rows are required", ErrControlFrame)
	}
	if *p.Cols <= 0 || *p.Rows <= 0 {
		return drop, fmt.Errorf("%w: non-positive size %dx%d", ErrControlFrame, *p.Cols, *p.Rows)
	}
	return Frame{Kind: KindResize, Cols: *p.Cols, Rows: *p.Rows}, nil
}

// EncodeData wraps input bytes in a tagged data frame.
func EncodeData(b []byte) []byte {
	out := make([]byte, 0, len(b)+1)
	out = append(out, TagData)
	return append(out, b...)
}

// EncodeControl builds a tagged resize frame.
func EncodeControl(cols, rows int) []byte {
	payload, _ := json.Marshal(struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}{cols, rows})
	return append([]byte{TagControl}, payload...)
}
