package transport

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"connectd/internal/connect"
)

// Client is the admin side of the control service, used by the CLI.
type Client struct {
	cc *grpc.ClientConn
	c  ControlClient
}

func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: cc, c: NewControlClient(cc)}, nil
}

func (c *Client) Close() error { return c.cc.Close() }

// Ping returns the id of the worker behind addr.
func (c *Client) Ping(ctx context.Context) (string, error) {
	out, err := c.c.Ping(ctx, &emptypb.Empty{})
	if err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) PutConnector(ctx context.Context, name string, cfg connect.ConnectorConfig) error {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"name":   structpb.NewStringValue(name),
		"config": structpb.NewStructValue(toStruct(cfg)),
	}}
	_, err := c.c.PutConnector(ctx, in)
	return err
}

func (c *Client) StopConnector(ctx context.Context, name string) error {
	_, err := c.c.StopConnector(ctx, wrapperspb.String(name))
	return err
}

func (c *Client) ListConnectors(ctx context.Context) (map[string]connect.ConnectorConfig, error) {
	out, err := c.c.ListConnectors(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	res := make(map[string]connect.ConnectorConfig, len(out.GetFields()))
	for name, v := range out.GetFields() {
		cfg, err := fromStruct(v.GetStructValue())
		if err != nil {
			return nil, fmt.Errorf("connector %q: %w", name, err)
		}
		res[name] = cfg
	}
	return res, nil
}
