package grpcdriver

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/goclaw/eventmesh/pkg/transport"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "eventmesh.v1.EventMeshService"

const (
	publishMethod   = "/" + ServiceName + "/Publish"
	subscribeMethod = "/" + ServiceName + "/Subscribe"
)

// Message field names.
const (
	fieldTopic      = "topic"
	fieldPayload    = "payload"
	fieldHeaders    = "headers"
	fieldOK         = "ok"
	fieldDelivered  = "delivered"
	fieldSubscribed = "subscribed"
)

// EventMeshServer is the server API of ServiceName. Requests and responses
// are google.protobuf.Struct values so no generated code is needed.
type EventMeshServer interface {
	Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

// ServiceDesc describes ServiceName for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EventMeshServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "eventmesh/v1/eventmesh.proto",
}

func publishHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventMeshServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: publishMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EventMeshServer).Publish(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(EventMeshServer).Subscribe(in, stream)
}

// EncodeMessage builds the wire form {topic, payload, headers}. The payload
// is normalized through JSON first, so any JSON-encodable value is accepted.
// Struct numbers are doubles, so integers beyond 2^53 lose precision here.
func EncodeMessage(topic string, payload map[string]any, headers map[string]string) (*structpb.Struct, error) {
	normalized, err := transport.NormalizePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	hdrs := make(map[string]any, len(headers))
	for k, v := range headers {
		hdrs[k] = v
	}
	return structpb.NewStruct(map[string]any{
		fieldTopic:   topic,
		fieldPayload: normalized,
		fieldHeaders: hdrs,
	})
}

// DecodeMessage parses the wire form. A missing topic is an error; missing
// payload or headers decode as empty maps.
func DecodeMessage(s *structpb.Struct) (*transport.Message, error) {
	if s == nil {
		return nil, fmt.Errorf("message is empty")
	}
	topic := s.GetFields()[fieldTopic].GetStringValue()
	if topic == "" {
		return nil, fmt.Errorf("message topic is required")
	}

	payload := map[string]any{}
	if p := s.GetFields()[fieldPayload].GetStructValue(); p != nil {
		payload = p.AsMap()
	}
	headers := map[string]string{}
	if h := s.GetFields()[fieldHeaders].GetStructValue(); h != nil {
		for k, v := range h.GetFields() {
			headers[k] = v.GetStringValue()
		}
	}
	return transport.NewMessage(topic, payload, headers), nil
}
