package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Control events handled by the manager itself.
const (
	EventConnected  = "connected"
	EventDisconnect = "disconnect"
)

// Frame is one inbound channel message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the frame's data into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s: empty data", f.Event)
	}
	return json.Unmarshal(f.Data, v)
}

// ParseFrame decodes a raw websocket message.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, errors.New("decode frame: missing event")
	}
	return f, nil
}

var (
	// ErrDisabled is returned once the error ceiling has been reached.
	ErrDisabled = errors.New("realtime channel disabled")
	// ErrHandshakeTimeout means no connected frame arrived in time.
	ErrHandshakeTimeout = errors.New("realtime handshake timed out")
)

// DisconnectError is a server-requested disconnect, either a disconnect
// frame or an application-level close.
type DisconnectError struct {
	Code   int
	Reason string
}

func (e *DisconnectError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("server disconnect (code %d): %s", e.Code, e.Reason)
	}
	return "server disconnect: " + e.Reason
}

// IsServerDisconnect reports whether err carries a DisconnectError.
func IsServerDisconnect(err error) bool {
	var de *DisconnectError
	return errors.As(err, &de)
}
