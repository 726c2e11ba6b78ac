package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps a gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient dials the daemon's Unix domain socket.
func NewClient(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, service, method string, in, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+service+"/"+method, req, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return fromStruct(resp, out)
}

func (c *Client) Status(ctx context.Context) (StatusView, error) {
	var v StatusView
	err := c.invoke(ctx, sessionServiceName, "GetStatus", nil, &v)
	return v, err
}

func (c *Client) Login(ctx context.Context, req LoginRequest) (StatusView, error) {
	var v StatusView
	err := c.invoke(ctx, sessionServiceName, "Login", req, &v)
	return v, err
}

func (c *Client) Logout(ctx context.Context) (StatusView, error) {
	var v StatusView
	err := c.invoke(ctx, sessionServiceName, "Logout", nil, &v)
	return v, err
}

func (c *Client) ListConversations(ctx context.Context, limit, offset int) (ListConversationsResponse, error) {
	var v ListConversationsResponse
	err := c.invoke(ctx, chatServiceName, "ListConversations", ListConversationsRequest{Limit: limit, Offset: offset}, &v)
	return v, err
}

func (c *Client) GetConversation(ctx context.Context, id string) (ConversationView, error) {
	var v ConversationView
	err := c.invoke(ctx, chatServiceName, "GetConversation", GetConversationRequest{ID: id}, &v)
	return v, err
}

func (c *Client) Refresh(ctx context.Context) (RefreshResponse, error) {
	var v RefreshResponse
	err := c.invoke(ctx, chatServiceName, "Refresh", nil, &v)
	return v, err
}

func (c *Client) Call(ctx context.Context) (CallView, error) {
	var v CallView
	err := c.invoke(ctx, callServiceName, "GetCall", nil, &v)
	return v, err
}

func (c *Client) StartCall(ctx context.Context, userID, kind string) (CallView, error) {
	var v CallView
	err := c.invoke(ctx, callServiceName, "StartCall", StartCallRequest{UserID: userID, Kind: kind}, &v)
	return v, err
}

// CallIntent sends one of AcceptCall, RejectCall, CancelCall, HangUp or
// DismissCall.
func (c *Client) CallIntent(ctx context.Context, method string) (CallView, error) {
	var v CallView
	err := c.invoke(ctx, callServiceName, method, nil, &v)
	return v, err
}

// Toggle sends ToggleMicrophone or ToggleCamera.
func (c *Client) Toggle(ctx context.Context, method string) (ToggleResponse, error) {
	var v ToggleResponse
	err := c.invoke(ctx, callServiceName, method, nil, &v)
	return v, err
}

func (c *Client) ListCalls(ctx context.Context, limit int) (ListCallsResponse, error) {
	var v ListCallsResponse
	err := c.invoke(ctx, callServiceName, "ListCalls", ListCallsRequest{Limit: limit}, &v)
	return v, err
}

// WatchEvents streams bus events whose kind starts with prefix until ctx
// ends or the daemon goes away. fn returning an error stops the stream.
func (c *Client) WatchEvents(ctx context.Context, prefix string, fn func(Event) error) error {
	desc := &SessionServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, "/"+sessionServiceName+"/"+desc.StreamName)
	if err != nil {
		return err
	}
	req, err := toStruct(WatchRequest{Prefix: prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt Event
		if err := fromStruct(msg, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
