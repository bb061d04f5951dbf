package rpc

import (
	"context"
	"errors"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/vision-bridge/internal/command"
	"github.com/banshee-data/vision-bridge/internal/detection"
	"github.com/banshee-data/vision-bridge/internal/monitoring"
	"github.com/banshee-data/vision-bridge/internal/state"
)

// Ensure Server implements the gRPC interface.
var _ DetectionServiceServer = (*Server)(nil)

// Triggerer fires acquisitions. *command.Facade implements it.
type Triggerer interface {
	TriggerAcquisition(ctx context.Context) error
	TriggerEvent(ctx context.Context, n int) error
}

// Server implements DetectionService on top of the bridge's publisher and
// hub.
type Server struct {
	publisher *state.Publisher
	hub       *state.Hub
	trigger   Triggerer
}

// NewServer returns a Server. trigger may be nil, in which case Trigger
// answers Unimplemented.
func NewServer(publisher *state.Publisher, hub *state.Hub, trigger Triggerer) *Server {
	return &Server{publisher: publisher, hub: hub, trigger: trigger}
}

// Register adds the service to g.
func (s *Server) Register(g *grpc.Server) {
	RegisterDetectionServiceServer(g, s)
}

func toStruct(batch detection.RecognizedObjects) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(batch.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode batch %d: %v", batch.Header.Seq, err)
	}
	return out, nil
}

// CaptureRecognizedObjects returns the latest batch, empty before the first
// record.
func (s *Server) CaptureRecognizedObjects(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.publisher.Read())
}

// StreamDetections sends every batch published after the call starts. It
// ends with Unavailable when the hub shuts down.
func (s *Server) StreamDetections(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	id, batches := s.hub.Subscribe()
	defer s.hub.Unsubscribe(id)
	monitoring.Logf("[rpc] stream %s opened", id)
	defer monitoring.Logf("[rpc] stream %s closed", id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-batches:
			if !ok {
				return status.Error(codes.Unavailable, "bridge shutting down")
			}
			msg, err := toStruct(batch)
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// Trigger fires software event "event" when the request carries one and an
// acquisition trigger otherwise.
func (s *Server) Trigger(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	if s.trigger == nil {
		return nil, status.Error(codes.Unimplemented, "no command channel configured")
	}

	var err error
	v, ok := req.GetFields()["event"]
	if !ok {
		err = s.trigger.TriggerAcquisition(ctx)
	} else {
		n, isNum := v.GetKind().(*structpb.Value_NumberValue)
		if !isNum || n.NumberValue != math.Trunc(n.NumberValue) {
			return nil, status.Errorf(codes.InvalidArgument, "event must be an integer, got %v", v.AsInterface())
		}
		err = s.trigger.TriggerEvent(ctx, int(n.NumberValue))
	}
	if err != nil {
		return nil, commandStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func commandStatus(err error) error {
	if errors.Is(err, command.ErrInvalidArgument) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Unavailable, err.Error())
}
