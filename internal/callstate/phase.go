// Package callstate is the single authority on the device's call phase.
// At most one call is non-terminal at a time; every phase change goes
// through a fixed transition table.
package callstate

import (
	"errors"
	"slices"
)

// Phase is the lifecycle phase of the device's call.
type Phase string

const (
	Idle       Phase = "IDLE"
	Ringing    Phase = "RINGING"
	Accepted   Phase = "ACCEPTED"
	Connecting Phase = "CONNECTING"
	Active     Phase = "ACTIVE"
	Rejected   Phase = "REJECTED"
	Cancelled  Phase = "CANCELLED"
	Ended      Phase = "ENDED"
)

func (p Phase) String() string { return string(p) }

// InCall reports whether p holds the device's single call slot.
func (p Phase) InCall() bool {
	return p != Idle && p != Ended
}

var validTransitions = map[Phase][]Phase{
	Idle:       {Ringing},
	Ringing:    {Accepted, Rejected, Cancelled, Ended},
	Accepted:   {Connecting, Cancelled, Ended},
	Connecting: {Active, Cancelled, Ended},
	Active:     {Ended},
	Rejected:   {Ended},
	Cancelled:  {Ended},
	Ended:      {Ringing, Idle},
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to Phase) bool {
	return slices.Contains(validTransitions[from], to)
}

// Direction of a call relative to this device.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// End reasons recorded on the final snapshot and in the call log.
const (
	EndCompleted         = "completed"
	EndRemoteLeft        = "remote_left"
	EndRejected          = "rejected"
	EndRemoteRejected    = "remote_rejected"
	EndCancelled         = "cancelled"
	EndRemoteCancelled   = "remote_cancelled"
	EndPermissionDenied  = "permission_denied"
	EndSignalingFailed   = "signaling_failed"
	EndTimeout           = "timeout"
	EndMissed            = "missed"
	EndTransportFailure  = "transport_failure"
	EndBusy              = "busy"
	EndAnsweredElsewhere = "answered_elsewhere"
	EndLoggedOut         = "logged_out"
)

var (
	// ErrBusy rejects a new call while another one holds the slot.
	ErrBusy = errors.New("a call is already in progress")
	// ErrRealtimeUnavailable rejects a new call while the channel is disabled.
	ErrRealtimeUnavailable = errors.New("realtime channel unavailable")
	// ErrNoActiveCall means there is no call the operation applies to.
	ErrNoActiveCall = errors.New("no call in a suitable phase")
	// ErrSuperseded means the call was cancelled or ended while the operation
	// was in flight.
	ErrSuperseded = errors.New("call was superseded")
	// ErrAudioOnly is returned when toggling the camera on an audio call.
	ErrAudioOnly = errors.New("audio-only call has no camera")
	// ErrInvalidTransition is wrapped by rejected phase changes.
	ErrInvalidTransition = errors.New("invalid call phase transition")
)
