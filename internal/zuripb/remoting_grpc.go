package zuripb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RemotingServiceClient is the client API for RemotingService, the mTLS
// service each worker exposes.
type RemotingServiceClient interface {
	Communicate(ctx context.Context, opts ...grpc.CallOption) (RemotingService_CommunicateClient, error)
	Monitor(ctx context.Context, in *Empty, opts ...grpc.CallOption) (RemotingService_MonitorClient, error)
	Suspend(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*RpcStatus, error)
	Resume(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*RpcStatus, error)
	Terminate(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*RpcStatus, error)
}

type remotingServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewRemotingServiceClient wraps a dialed *grpc.ClientConn (or any
// grpc.ClientConnInterface) as a RemotingServiceClient.
func NewRemotingServiceClient(cc grpc.ClientConnInterface) RemotingServiceClient {
	return &remotingServiceClient{cc}
}

func (c *remotingServiceClient) Communicate(ctx context.Context, opts ...grpc.CallOption) (RemotingService_CommunicateClient, error) {
	stream, err := c.cc.NewStream(ctx, &RemotingService_ServiceDesc.Streams[0], "/zuri.RemotingService/Communicate", opts...)
	if err != nil {
		return nil, err
	}
	return &remotingServiceCommunicateClient{stream}, nil
}

func (c *remotingServiceClient) Monitor(ctx context.Context, in *Empty, opts ...grpc.CallOption) (RemotingService_MonitorClient, error) {
	stream, err := c.cc.NewStream(ctx, &RemotingService_ServiceDesc.Streams[1], "/zuri.RemotingService/Monitor", opts...)
	if err != nil {
		return nil, err
	}
	x := &remotingServiceMonitorClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *remotingServiceClient) Suspend(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*RpcStatus, error) {
	out := new(RpcStatus)
	if err := c.cc.Invoke(ctx, "/zuri.RemotingService/Suspend", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *remotingServiceClient) Resume(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*RpcStatus, error) {
	out := new(RpcStatus)
	if err := c.cc.Invoke(ctx, "/zuri.RemotingService/Resume", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *remotingServiceClient) Terminate(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*RpcStatus, error) {
	out := new(RpcStatus)
	if err := c.cc.Invoke(ctx, "/zuri.RemotingService/Terminate", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RemotingService_CommunicateClient is the client side of the bidirectional
// protocol tunnel.
type RemotingService_CommunicateClient interface {
	Send(*Message) error
	Recv() (*Message, error)
	grpc.ClientStream
}

type remotingServiceCommunicateClient struct{ grpc.ClientStream }

func (x *remotingServiceCommunicateClient) Send(m *Message) error {
	return x.ClientStream.SendMsg(m)
}

func (x *remotingServiceCommunicateClient) Recv() (*Message, error) {
	m := new(Message)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RemotingService_MonitorClient is the client side of the lifecycle feed.
type RemotingService_MonitorClient interface {
	Recv() (*MonitorEvent, error)
	grpc.ClientStream
}

type remotingServiceMonitorClient struct{ grpc.ClientStream }

func (x *remotingServiceMonitorClient) Recv() (*MonitorEvent, error) {
	m := new(MonitorEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RemotingServiceServer is the server API a worker implements.
type RemotingServiceServer interface {
	Communicate(RemotingService_CommunicateServer) error
	Monitor(*Empty, RemotingService_MonitorServer) error
	Suspend(context.Context, *Empty) (*RpcStatus, error)
	Resume(context.Context, *Empty) (*RpcStatus, error)
	Terminate(context.Context, *Empty) (*RpcStatus, error)
}

// UnimplementedRemotingServiceServer must be embedded by implementations to
// preserve forward compatibility when new RPCs are added to the service.
type UnimplementedRemotingServiceServer struct{}

func (UnimplementedRemotingServiceServer) Communicate(RemotingService_CommunicateServer) error {
	return status.Error(codes.Unimplemented, "method Communicate not implemented")
}

func (UnimplementedRemotingServiceServer) Monitor(*Empty, RemotingService_MonitorServer) error {
	return status.Error(codes.Unimplemented, "method Monitor not implemented")
}

func (UnimplementedRemotingServiceServer) Suspend(context.Context, *Empty) (*RpcStatus, error) {
	return nil, status.Error(codes.Unimplemented, "method Suspend not implemented")
}

func (UnimplementedRemotingServiceServer) Resume(context.Context, *Empty) (*RpcStatus, error) {
	return nil, status.Error(codes.Unimplemented, "method Resume not implemented")
}

func (UnimplementedRemotingServiceServer) Terminate(context.Context, *Empty) (*RpcStatus, error) {
	return nil, status.Error(codes.Unimplemented, "method Terminate not implemented")
}

// RemotingService_CommunicateServer is the server side of the bidirectional
// protocol tunnel handed to RemotingServiceServer.Communicate.
type RemotingService_CommunicateServer interface {
	Send(*Message) error
	Recv() (*Message, error)
	grpc.ServerStream
}

type remotingServiceCommunicateServer struct{ grpc.ServerStream }

func (x *remotingServiceCommunicateServer) Send(m *Message) error {
	return x.ServerStream.SendMsg(m)
}

func (x *remotingServiceCommunicateServer) Recv() (*Message, error) {
	m := new(Message)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RemotingService_MonitorServer is the server side of the lifecycle feed.
type RemotingService_MonitorServer interface {
	Send(*MonitorEvent) error
	grpc.ServerStream
}

type remotingServiceMonitorServer struct{ grpc.ServerStream }

func (x *remotingServiceMonitorServer) Send(m *MonitorEvent) error {
	return x.ServerStream.SendMsg(m)
}

func _RemotingService_Communicate_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(RemotingServiceServer).Communicate(&remotingServiceCommunicateServer{stream})
}

func _RemotingService_Monitor_Handler(srv any, stream grpc.ServerStream) error {
	m := new(Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(RemotingServiceServer).Monitor(m, &remotingServiceMonitorServer{stream})
}

func _RemotingService_Suspend_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RemotingServiceServer).Suspend(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/zuri.RemotingService/Suspend"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RemotingServiceServer).Suspend(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _RemotingService_Resume_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RemotingServiceServer).Resume(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/zuri.RemotingService/Resume"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RemotingServiceServer).Resume(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _RemotingService_Terminate_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RemotingServiceServer).Terminate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/zuri.RemotingService/Terminate"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RemotingServiceServer).Terminate(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// RemotingService_ServiceDesc is the grpc.ServiceDesc for RemotingService.
// Streams[0] MUST stay Communicate and Streams[1] MUST stay Monitor — the
// client methods above index into this slice directly, mirroring the
// generated-code convention of indexing &_RemotingService_serviceDesc.Streams[n].
var RemotingService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "zuri.RemotingService",
	HandlerType: (*RemotingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Suspend", Handler: _RemotingService_Suspend_Handler},
		{MethodName: "Resume", Handler: _RemotingService_Resume_Handler},
		{MethodName: "Terminate", Handler: _RemotingService_Terminate_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Communicate", Handler: _RemotingService_Communicate_Handler, ServerStreams: true, ClientStreams: true},
		{StreamName: "Monitor", Handler: _RemotingService_Monitor_Handler, ServerStreams: true},
	},
	Metadata: "zuri/remoting.proto",
}

// RegisterRemotingServiceServer registers srv with s.
func RegisterRemotingServiceServer(s grpc.ServiceRegistrar, srv RemotingServiceServer) {
	s.RegisterService(&RemotingService_ServiceDesc, srv)
}
