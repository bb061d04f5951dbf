// Package rpc serves detection batches over gRPC. The service is described
// by hand over the protobuf well-known types, so there is no generated code:
// a batch travels as a google.protobuf.Struct with the same shape as the
// HTTP API's /api/recognized-objects.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "visionbridge.DetectionService"

const (
	captureMethod = "/" + ServiceName + "/CaptureRecognizedObjects"
	streamMethod  = "/" + ServiceName + "/StreamDetections"
	triggerMethod = "/" + ServiceName + "/Trigger"
)

// DetectionServiceServer is the server API for DetectionService.
type DetectionServiceServer interface {
	CaptureRecognizedObjects(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StreamDetections(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
	Trigger(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// RegisterDetectionServiceServer registers srv on s.
func RegisterDetectionServiceServer(s grpc.ServiceRegistrar, srv DetectionServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

func captureHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectionServiceServer).CaptureRecognizedObjects(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: captureMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DetectionServiceServer).CaptureRecognizedObjects(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func triggerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectionServiceServer).Trigger(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: triggerMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DetectionServiceServer).Trigger(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DetectionServiceServer).StreamDetections(in, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DetectionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CaptureRecognizedObjects", Handler: captureHandler},
		{MethodName: "Trigger", Handler: triggerHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamDetections", Handler: streamHandler, ServerStreams: true},
	},
	Metadata: "visionbridge/detection.proto",
}
