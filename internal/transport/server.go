package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"connectd/internal/connect"
	"connectd/internal/controller"
	"connectd/internal/logging"
)

// Admin is what the control service exposes; *controller.Controller
// satisfies it.
type Admin interface {
	PutConnector(name string, cfg connect.ConnectorConfig) error
	StopConnector(name string) error
	Connectors() map[string]connect.ConnectorConfig
}

type Server struct {
	grpc *grpc.Server
	lis  net.Listener
}

func StartServer(port int, admin Admin, workerID string) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return NewServer(lis, admin, workerID), nil
}

func NewServer(lis net.Listener, admin Admin, workerID string) *Server {
	s := &Server{
		grpc: grpc.NewServer(),
		lis:  lis,
	}
	RegisterControlServer(s.grpc, &control{admin: admin, id: workerID})
	return s
}

func (s *Server) Serve() error {
	return s.grpc.Serve(s.lis)
}

func (s *Server) Addr() net.Addr { return s.lis.Addr() }

func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

type control struct {
	UnimplementedControlServer
	admin Admin
	id    string
}

func (c *control) Ping(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(c.id), nil
}

// PutConnector expects {"name": string, "config": {string: string}}.
func (c *control) PutConnector(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	fields := in.GetFields()
	name := fields["name"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	cfg, err := fromStruct(fields["config"].GetStructValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := c.admin.PutConnector(name, cfg); err != nil {
		logging.L().Warn("control: put connector", "connector", name, "err", err)
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (c *control) StopConnector(_ context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := c.admin.StopConnector(in.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (c *control) ListConnectors(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	for name, cfg := range c.admin.Connectors() {
		out.Fields[name] = structpb.NewStructValue(toStruct(cfg))
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, controller.ErrUnknownConnector):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, connect.ErrPluginNotFound):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func toStruct(kv connect.KeyValue) *structpb.Struct {
	s := &structpb.Struct{Fields: make(map[string]*structpb.Value, kv.Len())}
	for _, k := range kv.Keys() {
		s.Fields[k] = structpb.NewStringValue(kv.Get(k))
	}
	return s
}

func fromStruct(s *structpb.Struct) (connect.KeyValue, error) {
	m := make(map[string]string, len(s.GetFields()))
	for k, v := range s.GetFields() {
		sv, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return connect.KeyValue{}, fmt.Errorf("config %q: values must be strings", k)
		}
		m[k] = sv.StringValue
	}
	return connect.NewKeyValue(m), nil
}
