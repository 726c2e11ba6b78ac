package api

import (
	"context"

	"github.com/matheus3301/heartline/internal/scope"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ChatServiceServer reads the working conversation list.
type ChatServiceServer interface {
	ListConversations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Refresh(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

const chatServiceName = packageName + ".ChatService"

var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: chatServiceName,
	HandlerType: (*ChatServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[ChatServiceServer](chatServiceName, "ListConversations", ChatServiceServer.ListConversations),
		unary[ChatServiceServer](chatServiceName, "GetConversation", ChatServiceServer.GetConversation),
		unary[ChatServiceServer](chatServiceName, "Refresh", ChatServiceServer.Refresh),
	},
}

func RegisterChatService(r grpc.ServiceRegistrar, srv ChatServiceServer) {
	r.RegisterService(&ChatServiceDesc, srv)
}

type ListConversationsRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

type ListConversationsResponse struct {
	Conversations []*ConversationView `json:"conversations"`
	HasMore       bool                `json:"has_more"`
}

type GetConversationRequest struct {
	ID string `json:"id"`
}

type RefreshResponse struct {
	Conversations int `json:"conversations"`
}

// ChatService implements ChatServiceServer.
type ChatService struct {
	scopes *scope.Manager
}

// NewChatService creates a chat service reading the active scope.
func NewChatService(scopes *scope.Manager) *ChatService {
	return &ChatService{scopes: scopes}
}

func (s *ChatService) ListConversations(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ListConversationsRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, toStatus("list conversations", err)
	}
	sc, err := s.scopes.Current()
	if err != nil {
		return nil, toStatus("list conversations", err)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := max(in.Offset, 0)

	convs := sc.Conversations()
	out := ListConversationsResponse{Conversations: []*ConversationView{}}
	self := sc.Identity().UserID()
	for i := offset; i < len(convs) && len(out.Conversations) < limit; i++ {
		out.Conversations = append(out.Conversations, conversationView(convs[i], self, false))
	}
	out.HasMore = offset+len(out.Conversations) < len(convs)
	return toStruct(out)
}

func (s *ChatService) GetConversation(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in GetConversationRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, toStatus("get conversation", err)
	}
	sc, err := s.scopes.Current()
	if err != nil {
		return nil, toStatus("get conversation", err)
	}
	c, ok := sc.Chat().Reconciler().Conversation(in.ID)
	if !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "conversation %q not found", in.ID)
	}
	return toStruct(conversationView(c, sc.Identity().UserID(), true))
}

// Refresh fetches a fresh snapshot now. It stands in for the UI's
// refresh-on-focus and is the only way chat updates while the channel is
// disabled, besides the periodic refresh.
func (s *ChatService) Refresh(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	sc, err := s.scopes.Current()
	if err != nil {
		return nil, toStatus("refresh", err)
	}
	if err := sc.Chat().Refresh(ctx, "focus"); err != nil {
		return nil, toStatus("refresh", err)
	}
	return toStruct(RefreshResponse{Conversations: sc.Chat().Reconciler().Len()})
}
