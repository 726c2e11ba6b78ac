// Package api is the daemon's control plane: gRPC services over the
// session's Unix socket. Messages are google.protobuf.Struct values carrying
// the JSON views declared in views.go.
package api

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const packageName = "heartline.v1"

func unary[S any](service, method string, fn func(srv S, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv.(S), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// EventStream is the server side of a Struct-typed server stream.
type EventStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type serverEventStream struct {
	grpc.ServerStream
}

func (s serverEventStream) Send(m *structpb.Struct) error { return s.ServerStream.SendMsg(m) }

func serverStream[S any](name string, fn func(srv S, req *structpb.Struct, stream EventStream) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return fn(srv.(S), in, serverEventStream{stream})
		},
	}
}

// toStruct converts v to a Struct through its JSON encoding. Values that
// do not encode to a JSON object are wrapped as {"value": v}.
func toStruct(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("encode %T: %w", v, err)
		}
		m = map[string]any{"value": raw}
	}
	if m == nil {
		m = map[string]any{}
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes s into v through JSON.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
