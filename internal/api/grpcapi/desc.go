package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceDesc describes osc.v1.SurfaceService. Messages are
// google.protobuf.Struct, so no generated code is needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SurfaceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSnapshot", Handler: getSnapshotHandler},
		{MethodName: "ExecuteCommand", Handler: executeCommandHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamSnapshots", Handler: streamSnapshotsHandler, ServerStreams: true},
	},
	Metadata: "osc/v1/surface.proto",
}

func getSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SurfaceServer).GetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetSnapshot}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SurfaceServer).GetSnapshot(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func executeCommandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SurfaceServer).ExecuteCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodExecuteCommand}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SurfaceServer).ExecuteCommand(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamSnapshotsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SurfaceServer).StreamSnapshots(in, stream)
}
