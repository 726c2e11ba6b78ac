package api

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/heartline/internal/bus"
	"github.com/matheus3301/heartline/internal/identity"
	"github.com/matheus3301/heartline/internal/scope"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// SessionServiceServer logs identities in and out and streams bus events.
type SessionServiceServer interface {
	GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Logout(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(req *structpb.Struct, stream EventStream) error
}

const sessionServiceName = packageName + ".SessionService"

var SessionServiceDesc = grpc.ServiceDesc{
	ServiceName: sessionServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[SessionServiceServer](sessionServiceName, "GetStatus", SessionServiceServer.GetStatus),
		unary[SessionServiceServer](sessionServiceName, "Login", SessionServiceServer.Login),
		unary[SessionServiceServer](sessionServiceName, "Logout", SessionServiceServer.Logout),
	},
	Streams: []grpc.StreamDesc{
		serverStream[SessionServiceServer]("WatchEvents", SessionServiceServer.WatchEvents),
	},
}

func RegisterSessionService(r grpc.ServiceRegistrar, srv SessionServiceServer) {
	r.RegisterService(&SessionServiceDesc, srv)
}

// LoginRequest is the body of Login. An empty Token falls back to the
// daemon's configured credential.
type LoginRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Token       string `json:"token,omitempty"`
}

// WatchRequest filters WatchEvents by kind prefix ("call.", "chat.").
type WatchRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

// SessionService implements SessionServiceServer.
type SessionService struct {
	sessionName string
	startedAt   time.Time
	scopes      *scope.Manager
	bus         *bus.Bus
	credential  func() (string, error)
	logger      *zap.Logger
}

// NewSessionService creates a new session service. credential may be nil.
func NewSessionService(sessionName string, scopes *scope.Manager, b *bus.Bus, credential func() (string, error), logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		scopes:      scopes,
		bus:         b,
		credential:  credential,
		logger:      logger.With(zap.String("component", "api")),
	}
}

func (s *SessionService) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(s.status())
}

func (s *SessionService) status() StatusView {
	v := StatusView{
		Session:  s.sessionName,
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
	sc, err := s.scopes.Current()
	if err != nil {
		return v
	}
	v.LoggedIn = true
	v.UserID = sc.Identity().UserID()
	v.DisplayName = sc.Identity().DisplayName()
	v.Channel = channelView(sc.Channel().Info())
	v.Sync = syncView(sc.Chat().Status(), sc.Chat().Reconciler().Len())
	v.Call = callView(sc.Calls().Snapshot())
	return v
}

func (s *SessionService) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in LoginRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, toStatus("login", err)
	}
	token := strings.TrimSpace(in.Token)
	if token == "" && s.credential != nil {
		var err error
		if token, err = s.credential(); err != nil {
			s.logger.Warn("no credential for login", zap.Error(err))
		}
	}
	id, err := identity.New(in.UserID, in.DisplayName, token)
	if err != nil {
		return nil, toStatus("login", err)
	}
	if _, err := s.scopes.Login(ctx, id); err != nil {
		return nil, toStatus("login", err)
	}
	return toStruct(s.status())
}

func (s *SessionService) Logout(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.scopes.Logout(ctx); err != nil {
		return nil, toStatus("logout", err)
	}
	return toStruct(s.status())
}

func (s *SessionService) WatchEvents(req *structpb.Struct, stream EventStream) error {
	var in WatchRequest
	if err := fromStruct(req, &in); err != nil {
		return toStatus("watch events", err)
	}
	ch, unsub := s.bus.Subscribe(in.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			msg, err := s.envelope(evt)
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *SessionService) envelope(evt bus.Event) (*structpb.Struct, error) {
	payload, err := toStruct(evt.Payload)
	if err != nil {
		return nil, err
	}
	return toStruct(Event{
		EventID:          uuid.New().String(),
		Session:          s.sessionName,
		Kind:             evt.Kind,
		OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
		Payload:          payload.AsMap(),
	})
}
