package api

import (
	"context"

	"github.com/matheus3301/heartline/internal/call"
	"github.com/matheus3301/heartline/internal/callstate"
	"github.com/matheus3301/heartline/internal/scope"
	"github.com/matheus3301/heartline/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// CallServiceServer forwards call intents to the call state machine.
type CallServiceServer interface {
	GetCall(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	StartCall(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	AcceptCall(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RejectCall(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CancelCall(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	HangUp(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ToggleMicrophone(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ToggleCamera(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DismissCall(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListCalls(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

const callServiceName = packageName + ".CallService"

var CallServiceDesc = grpc.ServiceDesc{
	ServiceName: callServiceName,
	HandlerType: (*CallServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[CallServiceServer](callServiceName, "GetCall", CallServiceServer.GetCall),
		unary[CallServiceServer](callServiceName, "StartCall", CallServiceServer.StartCall),
		unary[CallServiceServer](callServiceName, "AcceptCall", CallServiceServer.AcceptCall),
		unary[CallServiceServer](callServiceName, "RejectCall", CallServiceServer.RejectCall),
		unary[CallServiceServer](callServiceName, "CancelCall", CallServiceServer.CancelCall),
		unary[CallServiceServer](callServiceName, "HangUp", CallServiceServer.HangUp),
		unary[CallServiceServer](callServiceName, "ToggleMicrophone", CallServiceServer.ToggleMicrophone),
		unary[CallServiceServer](callServiceName, "ToggleCamera", CallServiceServer.ToggleCamera),
		unary[CallServiceServer](callServiceName, "DismissCall", CallServiceServer.DismissCall),
		unary[CallServiceServer](callServiceName, "ListCalls", CallServiceServer.ListCalls),
	},
}

func RegisterCallService(r grpc.ServiceRegistrar, srv CallServiceServer) {
	r.RegisterService(&CallServiceDesc, srv)
}

type StartCallRequest struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind,omitempty"`
}

type ToggleResponse struct {
	Enabled bool      `json:"enabled"`
	Call    *CallView `json:"call"`
}

type ListCallsRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ListCallsResponse struct {
	Calls []*CallRecordView `json:"calls"`
}

// CallHistory reads the call log. *store.DB implements it.
type CallHistory interface {
	ListCalls(ownerID string, limit int) ([]store.CallRecord, error)
}

// CallService implements CallServiceServer.
type CallService struct {
	scopes  *scope.Manager
	history CallHistory
}

// NewCallService creates a call service. history may be nil.
func NewCallService(scopes *scope.Manager, history CallHistory) *CallService {
	return &CallService{scopes: scopes, history: history}
}

func (s *CallService) machine(op string) (*callstate.Machine, error) {
	sc, err := s.scopes.Current()
	if err != nil {
		return nil, toStatus(op, err)
	}
	return sc.Calls(), nil
}

func (s *CallService) GetCall(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	m, err := s.machine("get call")
	if err != nil {
		return nil, err
	}
	return toStruct(callView(m.Snapshot()))
}

func (s *CallService) StartCall(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in StartCallRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, toStatus("start call", err)
	}
	kind := call.Audio
	if in.Kind != "" {
		var err error
		if kind, err = call.ParseKind(in.Kind); err != nil {
			return nil, toStatus("start call", err)
		}
	}
	m, err := s.machine("start call")
	if err != nil {
		return nil, err
	}
	snap, err := m.Initiate(ctx, in.UserID, kind)
	if err != nil {
		return nil, toStatus("start call", err)
	}
	return toStruct(callView(snap))
}

type intent func(*callstate.Machine, context.Context) (callstate.Snapshot, error)

func (s *CallService) apply(ctx context.Context, op string, fn intent) (*structpb.Struct, error) {
	m, err := s.machine(op)
	if err != nil {
		return nil, err
	}
	snap, err := fn(m, ctx)
	if err != nil {
		return nil, toStatus(op, err)
	}
	return toStruct(callView(snap))
}

func (s *CallService) AcceptCall(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.apply(ctx, "accept call", (*callstate.Machine).Accept)
}

func (s *CallService) RejectCall(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.apply(ctx, "reject call", (*callstate.Machine).Reject)
}

func (s *CallService) CancelCall(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.apply(ctx, "cancel call", (*callstate.Machine).Cancel)
}

func (s *CallService) HangUp(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.apply(ctx, "hang up", (*callstate.Machine).HangUp)
}

func (s *CallService) toggle(op string, fn func(*callstate.Machine) (bool, error)) (*structpb.Struct, error) {
	m, err := s.machine(op)
	if err != nil {
		return nil, err
	}
	on, err := fn(m)
	if err != nil {
		return nil, toStatus(op, err)
	}
	return toStruct(ToggleResponse{Enabled: on, Call: callView(m.Snapshot())})
}

func (s *CallService) ToggleMicrophone(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.toggle("toggle microphone", (*callstate.Machine).ToggleMicrophone)
}

func (s *CallService) ToggleCamera(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.toggle("toggle camera", (*callstate.Machine).ToggleCamera)
}

func (s *CallService) DismissCall(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	m, err := s.machine("dismiss call")
	if err != nil {
		return nil, err
	}
	if err := m.Reset(); err != nil {
		return nil, toStatus("dismiss call", err)
	}
	return toStruct(callView(m.Snapshot()))
}

func (s *CallService) ListCalls(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ListCallsRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, toStatus("list calls", err)
	}
	sc, err := s.scopes.Current()
	if err != nil {
		return nil, toStatus("list calls", err)
	}
	out := ListCallsResponse{Calls: []*CallRecordView{}}
	if s.history == nil {
		return toStruct(out)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 20
	}
	recs, err := s.history.ListCalls(sc.Identity().UserID(), limit)
	if err != nil {
		return nil, toStatus("list calls", err)
	}
	for _, r := range recs {
		out.Calls = append(out.Calls, callRecordView(r))
	}
	return toStruct(out)
}
