package api

import (
	"context"
	"errors"

	"github.com/matheus3301/heartline/internal/call"
	"github.com/matheus3301/heartline/internal/callstate"
	"github.com/matheus3301/heartline/internal/identity"
	"github.com/matheus3301/heartline/internal/rest"
	"github.com/matheus3301/heartline/internal/scope"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps core errors onto gRPC codes so the CLI can tell user
// mistakes from backend trouble.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	var se *call.SignalingError
	var he *rest.StatusError
	switch {
	case errors.Is(err, scope.ErrNotLoggedIn):
		code = codes.FailedPrecondition
	case errors.Is(err, callstate.ErrBusy):
		code = codes.ResourceExhausted
	case errors.Is(err, callstate.ErrNoActiveCall), errors.Is(err, callstate.ErrAudioOnly),
		errors.Is(err, callstate.ErrInvalidTransition):
		code = codes.FailedPrecondition
	case errors.Is(err, callstate.ErrSuperseded):
		code = codes.Aborted
	case errors.Is(err, callstate.ErrRealtimeUnavailable):
		code = codes.Unavailable
	case errors.Is(err, call.ErrInvalidTarget), errors.Is(err, identity.ErrMissingUserID),
		errors.Is(err, identity.ErrMissingCredential), errors.Is(err, call.ErrUnknownKind):
		code = codes.InvalidArgument
	case errors.As(err, &se):
		switch se.Kind {
		case call.FailureBusy, call.FailureRejected:
			code = codes.Aborted
		case call.FailureTimeout:
			code = codes.DeadlineExceeded
		default:
			code = codes.Unavailable
		}
	case errors.As(err, &he):
		code = codes.Unavailable
		if he.Unauthorized() {
			code = codes.Unauthenticated
		}
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
