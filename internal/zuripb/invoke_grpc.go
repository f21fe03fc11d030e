package zuripb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// InvokeServiceClient is the client API the isolate client uses to talk to
// an agent.
type InvokeServiceClient interface {
	CreateMachine(ctx context.Context, in *CreateMachineRequest, opts ...grpc.CallOption) (*CreateMachineResult, error)
	RunMachine(ctx context.Context, in *RunMachineRequest, opts ...grpc.CallOption) (*RunMachineResult, error)
}

type invokeServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewInvokeServiceClient wraps a dialed connection as an InvokeServiceClient.
func NewInvokeServiceClient(cc grpc.ClientConnInterface) InvokeServiceClient {
	return &invokeServiceClient{cc}
}

func (c *invokeServiceClient) CreateMachine(ctx context.Context, in *CreateMachineRequest, opts ...grpc.CallOption) (*CreateMachineResult, error) {
	out := new(CreateMachineResult)
	if err := c.cc.Invoke(ctx, "/zuri.InvokeService/CreateMachine", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *invokeServiceClient) RunMachine(ctx context.Context, in *RunMachineRequest, opts ...grpc.CallOption) (*RunMachineResult, error) {
	out := new(RunMachineResult)
	if err := c.cc.Invoke(ctx, "/zuri.InvokeService/RunMachine", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// InvokeServiceServer is the server API the agent implements.
type InvokeServiceServer interface {
	CreateMachine(context.Context, *CreateMachineRequest) (*CreateMachineResult, error)
	RunMachine(context.Context, *RunMachineRequest) (*RunMachineResult, error)
}

// UnimplementedInvokeServiceServer must be embedded by implementations to
// preserve forward compatibility.
type UnimplementedInvokeServiceServer struct{}

func (UnimplementedInvokeServiceServer) CreateMachine(context.Context, *CreateMachineRequest) (*CreateMachineResult, error) {
	return nil, status.Error(codes.Unimplemented, "method CreateMachine not implemented")
}

func (UnimplementedInvokeServiceServer) RunMachine(context.Context, *RunMachineRequest) (*RunMachineResult, error) {
	return nil, status.Error(codes.Unimplemented, "method RunMachine not implemented")
}

func _InvokeService_CreateMachine_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CreateMachineRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InvokeServiceServer).CreateMachine(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/zuri.InvokeService/CreateMachine"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InvokeServiceServer).CreateMachine(ctx, req.(*CreateMachineRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _InvokeService_RunMachine_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RunMachineRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InvokeServiceServer).RunMachine(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/zuri.InvokeService/RunMachine"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InvokeServiceServer).RunMachine(ctx, req.(*RunMachineRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// InvokeService_ServiceDesc is the grpc.ServiceDesc for InvokeService.
var InvokeService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "zuri.InvokeService",
	HandlerType: (*InvokeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateMachine", Handler: _InvokeService_CreateMachine_Handler},
		{MethodName: "RunMachine", Handler: _InvokeService_RunMachine_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "zuri/invoke.proto",
}

// RegisterInvokeServiceServer registers srv with s.
func RegisterInvokeServiceServer(s grpc.ServiceRegistrar, srv InvokeServiceServer) {
	s.RegisterService(&InvokeService_ServiceDesc, srv)
}
