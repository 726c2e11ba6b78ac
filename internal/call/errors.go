package call

import "fmt"

// Op names a signaling operation.
type Op string

const (
	OpCreate Op = "create"
	OpJoin   Op = "join"
	OpAccept Op = "accept"
	OpReject Op = "reject"
	OpLeave  Op = "leave"
)

// Failure classifies a signaling error.
type Failure string

const (
	FailureTransport Failure = "transport"
	FailureRejected  Failure = "rejected"
	FailureBusy      Failure = "busy"
	FailureTimeout   Failure = "timeout"
)

// SignalingError is returned by every Client operation that fails.
type SignalingError struct {
	Op     Op
	CallID string
	Kind   Failure
	Err    error
}

func (e *SignalingError) Error() string {
	if e.CallID == "" {
		return fmt.Sprintf("signaling %s (%s): %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("signaling %s %s (%s): %v", e.Op, e.CallID, e.Kind, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }
