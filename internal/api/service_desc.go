package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "credits.v1.CreditService"

// CreditServiceServer is the server side of credits.v1.CreditService.
// Requests and responses are JSON-shaped google.protobuf.Struct messages
// whose fields mirror the HTTP API.
type CreditServiceServer interface {
	Estimate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Spend(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Correct(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreatePurchase(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartSubscription(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelSubscription(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(CreditServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CreditServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(CreditServiceServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// CreditServiceDesc describes credits.v1.CreditService to grpc.Server.
var CreditServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CreditServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Estimate", CreditServiceServer.Estimate),
		unary("Spend", CreditServiceServer.Spend),
		unary("Correct", CreditServiceServer.Correct),
		unary("GetBalance", CreditServiceServer.GetBalance),
		unary("ListHistory", CreditServiceServer.ListHistory),
		unary("CreateAccount", CreditServiceServer.CreateAccount),
		unary("CreatePurchase", CreditServiceServer.CreatePurchase),
		unary("StartSubscription", CreditServiceServer.StartSubscription),
		unary("CancelSubscription", CreditServiceServer.CancelSubscription),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "credits/v1/credits.proto",
}

func RegisterCreditServiceServer(s grpc.ServiceRegistrar, srv CreditServiceServer) {
	s.RegisterService(&CreditServiceDesc, srv)
}

// CreditServiceClient calls credits.v1.CreditService.
type CreditServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewCreditServiceClient(cc grpc.ClientConnInterface) *CreditServiceClient {
	return &CreditServiceClient{cc: cc}
}

// Call invokes method with a JSON-shaped request.
func (c *CreditServiceClient) Call(ctx context.Context, method string, req map[string]interface{}, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
