package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenScanCore/internal/auth"
	"github.com/KevinKickass/OpenScanCore/internal/binding"
	"github.com/KevinKickass/OpenScanCore/internal/channellist"
	"github.com/KevinKickass/OpenScanCore/internal/plans"
	"github.com/KevinKickass/OpenScanCore/internal/surface"
	"github.com/KevinKickass/OpenScanCore/internal/trigger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "osc.v1.SurfaceService"

	MethodGetSnapshot     = "/" + ServiceName + "/GetSnapshot"
	MethodExecuteCommand  = "/" + ServiceName + "/ExecuteCommand"
	MethodStreamSnapshots = "/" + ServiceName + "/StreamSnapshots"

	streamBuffer = 64
)

// SurfaceServer is the server API of osc.v1.SurfaceService. Requests and
// responses are google.protobuf.Struct values holding the JSON forms of
// surface.Command and surface.Snapshot.
type SurfaceServer interface {
	GetSnapshot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ExecuteCommand(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	StreamSnapshots(req *structpb.Struct, stream grpc.ServerStream) error
}

// SurfaceProvider looks up control surfaces by name.
type SurfaceProvider interface {
	Surface(name string) (*surface.Surface, bool)
}

type SurfaceService struct {
	surfaces SurfaceProvider
	logger   *zap.Logger
}

func NewSurfaceService(surfaces SurfaceProvider, logger *zap.Logger) *SurfaceService {
	return &SurfaceService{surfaces: surfaces, logger: logger}
}

// Register adds the service to a gRPC server.
func Register(s *grpc.Server, srv SurfaceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func (s *SurfaceService) lookup(req *structpb.Struct) (*surface.Surface, error) {
	name := req.GetFields()["surface"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "surface is required")
	}
	sf, ok := s.surfaces.Surface(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "surface %q not found", name)
	}
	return sf, nil
}

func (s *SurfaceService) GetSnapshot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sf, err := s.lookup(req)
	if err != nil {
		return nil, err
	}
	return toStruct(sf.Snapshot())
}

// ExecuteCommand expects {"surface": name, "command": {...}} and returns the
// snapshot taken after the command.
func (s *SurfaceService) ExecuteCommand(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := requireRole(ctx, auth.RoleOperator); err != nil {
		return nil, err
	}

	sf, err := s.lookup(req)
	if err != nil {
		return nil, err
	}

	raw := req.GetFields()["command"].GetStructValue()
	if raw == nil {
		return nil, status.Error(codes.InvalidArgument, "command is required")
	}
	var cmd surface.Command
	if err := fromStruct(raw, &cmd); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode command: %v", err)
	}

	if err := sf.Execute(ctx, cmd); err != nil {
		return nil, statusFor(err)
	}
	return toStruct(sf.Snapshot())
}

// StreamSnapshots sends the current snapshot, then every update of the
// surface until the client goes away.
func (s *SurfaceService) StreamSnapshots(req *structpb.Struct, stream grpc.ServerStream) error {
	sf, err := s.lookup(req)
	if err != nil {
		return err
	}

	updates, cancel := sf.Subscribe(streamBuffer)
	defer cancel()

	first, err := toStruct(surface.Update{Kind: surface.UpdateSnapshot, Snapshot: sf.Snapshot()})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(first); err != nil {
		return err
	}

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			msg, err := toStruct(u)
			if err != nil {
				s.logger.Warn("Failed to encode update", zap.Error(err))
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}

		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func statusFor(err error) error {
	var (
		ge  *channellist.GrammarError
		ise *trigger.InvalidStateError
		dce *trigger.DeviceCommError
		be  *binding.BindingError
	)
	switch {
	case errors.As(err, &ge),
		errors.Is(err, surface.ErrUnknownCommand),
		errors.Is(err, surface.ErrInvalidCommand),
		errors.Is(err, trigger.ErrInvalidPlan):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &ise), errors.Is(err, surface.ErrRouteUnbound):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &dce), errors.As(err, &be):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, surface.ErrUnknownDevice), errors.Is(err, plans.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, surface.ErrNoPlanSource):
		return status.Error(codes.Unimplemented, err.Error())
	}
	return status.Error(codes.Internal, fmt.Sprintf("command failed: %v", err))
}
