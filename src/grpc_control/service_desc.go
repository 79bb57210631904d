package grpc_control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

type unaryCall func(FanoutControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(FanoutControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(FanoutControlServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes FanoutControl. Every method takes and returns a
// google.protobuf.Struct.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FanoutControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Subscribe", FanoutControlServer.Subscribe),
		unary("Unsubscribe", FanoutControlServer.Unsubscribe),
		unary("Broadcast", FanoutControlServer.Broadcast),
		unary("HealthSnapshot", FanoutControlServer.HealthSnapshot),
		unary("ListRoutes", FanoutControlServer.ListRoutes),
		unary("SetRoute", FanoutControlServer.SetRoute),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "signalhub/control/v1/fanout_control.proto",
}
