package ws

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Frame types. Every frame on the /ws channel is a JSON object with a type
// field, an optional sessionId and a type-specific data payload.
const (
	// Client → server
	TypeConnect = "connect" // attach a new session to this connection
	TypeInput   = "input"   // data: string written to the pty
	TypeResize  = "resize"  // data: {cols, rows}
	TypeKill    = "kill"    // terminate the session

	// Server → client
	TypeConnected = "connected" // data: {sessionId, shell, cwd}
	TypeOutput    = "output"    // data: string produced by the pty
	TypeExit      = "exit"      // data: {code, signal}; last frame for the session
	TypeError     = "error"     // data: {message}; connection stays open
)

// Default terminal geometry used when a resize omits or zeroes a dimension.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// Frame is the envelope for every message on the channel.
type Frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ResizeData is the payload of a resize frame.
type ResizeData struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ExitData is the payload of an exit frame. Signal is the signal name
// ("terminated", "killed") when the process did not exit on its own.
type ExitData struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Message string `json:"message"`
}

// ConnectedData is the payload of a connected frame.
type ConnectedData struct {
	SessionID string `json:"sessionId"`
	Shell     string `json:"shell"`
	CWD       string `json:"cwd"`
}

// NewFrame builds a frame, marshaling payload into Data. A nil payload leaves Data empty.
func NewFrame(typ, sessionID string, payload any) (Frame, error) {
	f := Frame{Type: typ, SessionID: sessionID}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	f.Data = data
	return f, nil
}

// TextFrame builds an input or output frame carrying text.
func TextFrame(typ, sessionID string, text []byte) Frame {
	// Marshaling a string never fails.
	data, _ := json.Marshal(string(text))
	return Frame{Type: typ, SessionID: sessionID, Data: data}
}

// Encode marshals a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses one wire message. Unknown types are not an error; callers
// decide what to ignore.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// Text returns the string payload of an input or output frame.
func (f Frame) Text() ([]byte, error) {
	if len(f.Data) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(f.Data, &s); err != nil {
		return nil, fmt.Errorf("%s payload: %w", f.Type, err)
	}
	return []byte(s), nil
}

// Size returns the geometry of a resize frame. Missing or malformed payloads
// yield zeros, which NormalizeSize turns into the default geometry.
func (f Frame) Size() (cols, rows int) {
	var d ResizeData
	if len(f.Data) > 0 {
		_ = json.Unmarshal(f.Data, &d)
	}
	return d.Cols, d.Rows
}

// Exit returns the payload of an exit frame.
func (f Frame) Exit() ExitData {
	var d ExitData
	if len(f.Data) > 0 {
		_ = json.Unmarshal(f.Data, &d)
	}
	return d
}

// ErrorMessage returns the message of an error frame.
func (f Frame) ErrorMessage() string {
	var d ErrorData
	if len(f.Data) > 0 {
		_ = json.Unmarshal(f.Data, &d)
	}
	return d.Message
}

// Connected returns the payload of a connected frame.
func (f Frame) Connected() ConnectedData {
	var d ConnectedData
	if len(f.Data) > 0 {
		_ = json.Unmarshal(f.Data, &d)
	}
	if d.SessionID == "" {
		d.SessionID = f.SessionID
	}
	return d
}

// NormalizeSize applies the 80x24 default to non-positive dimensions and
// clamps to the given maxima (ignored when <= 0).
func NormalizeSize(cols, rows, maxCols, maxRows int) (int, int) {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	if maxCols > 0 && cols > maxCols {
		cols = maxCols
	}
	if maxRows > 0 && rows > maxRows {
		rows = maxRows
	}
	return cols, rows
}

// SplitUTF8 splits p into a prefix that ends on a rune boundary and the
// trailing bytes of an incomplete rune (at most utf8.UTFMax-1). Output chunks
// are cut this way so a multi-byte character never straddles two frames.
func SplitUTF8(p []byte) (complete, rest []byte) {
	n := len(p)
	// Walk back over at most UTFMax-1 continuation bytes to the rune start.
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax; i-- {
		b := p[i]
		if b < utf8.RuneSelf {
			return p, nil
		}
		if utf8.RuneStart(b) {
			if utf8.FullRune(p[i:]) {
				return p, nil
			}
			return p[:i], p[i:]
		}
	}
	return p, nil
}
