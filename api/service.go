package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified admin service name.
const ServiceName = "quorum.admin.v1.Admin"

// Full method names, as seen by interceptors.
const (
	MethodPropose  = "/" + ServiceName + "/Propose"
	MethodStatus   = "/" + ServiceName + "/Status"
	MethodSnapshot = "/" + ServiceName + "/Snapshot"
	MethodHealth   = "/" + ServiceName + "/Health"
)

// AdminService is the admin API. Messages are protobuf well-known types
// so no generated code is needed on either side.
type AdminService interface {
	// Propose takes a target state name and blocks until the proposal
	// commits or times out.
	Propose(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// Status returns node statistics.
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Snapshot returns proposal records as an Arrow IPC stream.
	Snapshot(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
	// Health reports liveness and version.
	Health(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminService) {
	s.RegisterService(&adminServiceDesc, srv)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Propose", Handler: proposeHandler},
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "Snapshot", Handler: snapshotHandler},
		{MethodName: "Health", Handler: healthHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quorum/admin.proto",
}

func proposeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminService).Propose(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodPropose}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminService).Propose(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminService).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodStatus}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminService).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func snapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminService).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodSnapshot}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminService).Snapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func healthHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminService).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodHealth}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminService).Health(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// AdminClient calls the admin API.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

// NewAdminClient wraps a client connection.
func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

// Propose asks the node to drive target to commit.
func (c *AdminClient) Propose(ctx context.Context, target string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodPropose, wrapperspb.String(target), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Status fetches node statistics.
func (c *AdminClient) Status(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodStatus, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot fetches the proposal records as Arrow IPC bytes.
func (c *AdminClient) Snapshot(ctx context.Context, opts ...grpc.CallOption) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, MethodSnapshot, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// Health fetches liveness information.
func (c *AdminClient) Health(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodHealth, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
