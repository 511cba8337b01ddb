package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "bourse.v1.Intake"

// IntakeServer is the order intake and book query surface. Messages are
// structpb.Struct documents so no generated stubs are needed.
type IntakeServer interface {
	SubmitOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Depth(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(IntakeServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	full := "/" + serviceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(IntakeServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(IntakeServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var IntakeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*IntakeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitOrder", IntakeServer.SubmitOrder),
		unary("CancelOrder", IntakeServer.CancelOrder),
		unary("GetOrder", IntakeServer.GetOrder),
		unary("Depth", IntakeServer.Depth),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bourse/v1/intake",
}

func RegisterIntakeServer(s grpc.ServiceRegistrar, srv IntakeServer) {
	s.RegisterService(&IntakeServiceDesc, srv)
}

// IntakeClient calls the intake service over conn.
type IntakeClient struct {
	cc grpc.ClientConnInterface
}

func NewIntakeClient(cc grpc.ClientConnInterface) *IntakeClient {
	return &IntakeClient{cc: cc}
}

func (c *IntakeClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *IntakeClient) SubmitOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "SubmitOrder", in, opts...)
}

func (c *IntakeClient) CancelOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CancelOrder", in, opts...)
}

func (c *IntakeClient) GetOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetOrder", in, opts...)
}

func (c *IntakeClient) Depth(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Depth", in, opts...)
}
