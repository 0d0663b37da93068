package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a thin caller for osc.v1.SurfaceService.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func surfaceRequest(name string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"surface": structpb.NewStringValue(name),
	}}
}

func (c *Client) GetSnapshot(ctx context.Context, surface string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, MethodGetSnapshot, surfaceRequest(surface), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ExecuteCommand(ctx context.Context, surface string, command map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	cmd, err := structpb.NewStruct(command)
	if err != nil {
		return nil, err
	}
	req := surfaceRequest(surface)
	req.Fields["command"] = structpb.NewStructValue(cmd)

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, MethodExecuteCommand, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// SnapshotStream yields updates from StreamSnapshots.
type SnapshotStream struct {
	stream grpc.ClientStream
}

func (s *SnapshotStream) Recv() (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) StreamSnapshots(ctx context.Context, surface string, opts ...grpc.CallOption) (*SnapshotStream, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], MethodStreamSnapshots, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(surfaceRequest(surface)); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &SnapshotStream{stream: stream}, nil
}
