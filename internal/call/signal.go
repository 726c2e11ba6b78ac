package call

import (
	"fmt"

	"github.com/matheus3301/heartline/internal/realtime"
)

// SignalType is a call event delivered over the realtime channel.
type SignalType string

const (
	SignalRing     SignalType = "call.ring"
	SignalAccepted SignalType = "call.accepted"
	SignalRejected SignalType = "call.rejected"
	SignalEnded    SignalType = "call.ended"
	SignalBusy     SignalType = "call.busy"
)

// SignalEvents lists the channel events ParseSignal understands.
var SignalEvents = []string{
	string(SignalRing), string(SignalAccepted), string(SignalRejected),
	string(SignalEnded), string(SignalBusy),
}

// Signal is a parsed call event.
type Signal struct {
	Type       SignalType
	CallID     string
	CallerID   string
	CallerName string
	UserID     string
	Kind       Kind
	Reason     string
}

type wireSignal struct {
	CallID     string `json:"callId"`
	CallerID   string `json:"callerId"`
	CallerName string `json:"callerName"`
	UserID     string `json:"userId"`
	Kind       string `json:"kind"`
	Reason     string `json:"reason"`
}

// ParseSignal decodes a call.* frame.
func ParseSignal(f realtime.Frame) (Signal, error) {
	typ := SignalType(f.Event)
	switch typ {
	case SignalRing, SignalAccepted, SignalRejected, SignalEnded, SignalBusy:
	default:
		return Signal{}, fmt.Errorf("not a call signal: %q", f.Event)
	}
	var w wireSignal
	if err := f.Decode(&w); err != nil {
		return Signal{}, fmt.Errorf("%s: %w", f.Event, err)
	}
	if w.CallID == "" {
		return Signal{}, fmt.Errorf("%s: missing callId", f.Event)
	}
	s := Signal{
		Type:       typ,
		CallID:     w.CallID,
		CallerID:   w.CallerID,
		CallerName: w.CallerName,
		UserID:     w.UserID,
		Reason:     w.Reason,
	}
	if typ == SignalRing {
		if w.CallerID == "" {
			return Signal{}, fmt.Errorf("%s: missing callerId", f.Event)
		}
		kind, err := ParseKind(w.Kind)
		if err != nil {
			kind = Audio
		}
		s.Kind = kind
		if s.CallerName == "" {
			s.CallerName = s.CallerID
		}
	}
	return s, nil
}
