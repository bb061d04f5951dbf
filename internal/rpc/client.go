package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls DetectionService. Batches come back as the plain map shape
// produced by RecognizedObjects.AsMap.
type Client struct {
	cc grpc.ClientConnInterface
}

// Dial connects to target without transport security. Extra options are
// appended, which is how tests swap in a bufconn dialer.
func Dial(target string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return NewClient(conn), conn, nil
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// CaptureRecognizedObjects returns the bridge's latest batch.
func (c *Client) CaptureRecognizedObjects(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, captureMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Trigger fires an acquisition, or software event n when n is not nil.
func (c *Client) Trigger(ctx context.Context, n *int) error {
	fields := map[string]any{}
	if n != nil {
		fields["event"] = float64(*n)
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, triggerMethod, req, new(emptypb.Empty))
}

// StreamDetections calls fn for every batch until ctx ends, the server
// closes the stream, or fn returns an error. A clean server close returns nil.
func (c *Client) StreamDetections(ctx context.Context, fn func(map[string]any) error) error {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], streamMethod)
	if err != nil {
		return err
	}
	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}
	if err := x.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := x.CloseSend(); err != nil {
		return err
	}
	for {
		msg, err := x.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(msg.AsMap()); err != nil {
			return err
		}
	}
}
