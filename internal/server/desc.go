package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name. Requests and responses are
// google.protobuf.Struct documents shaped like the JSON views of the submission service.
const ServiceName = "diagnostics.v1.SubmissionService"

const (
	MethodSubmit    = "/" + ServiceName + "/Submit"
	MethodGetStatus = "/" + ServiceName + "/GetStatus"
	MethodAdvance   = "/" + ServiceName + "/Advance"
	MethodRequeue   = "/" + ServiceName + "/Requeue"
	MethodList      = "/" + ServiceName + "/List"
	MethodExport    = "/" + ServiceName + "/Export"
)

// SubmissionServiceServer is the server API for the submission service.
type SubmissionServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Advance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Requeue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	List(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Export(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterSubmissionServiceServer(s grpc.ServiceRegistrar, srv SubmissionServiceServer) {
	s.RegisterService(&SubmissionServiceDesc, srv)
}

type unaryMethod func(SubmissionServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func handler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SubmissionServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(SubmissionServiceServer), ctx, req.(*structpb.Struct))
		})
	}
}

// SubmissionServiceDesc is the grpc.ServiceDesc for the submission service.
var SubmissionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SubmissionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: handler(MethodSubmit, SubmissionServiceServer.Submit)},
		{MethodName: "GetStatus", Handler: handler(MethodGetStatus, SubmissionServiceServer.GetStatus)},
		{MethodName: "Advance", Handler: handler(MethodAdvance, SubmissionServiceServer.Advance)},
		{MethodName: "Requeue", Handler: handler(MethodRequeue, SubmissionServiceServer.Requeue)},
		{MethodName: "List", Handler: handler(MethodList, SubmissionServiceServer.List)},
		{MethodName: "Export", Handler: handler(MethodExport, SubmissionServiceServer.Export)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "diagnostics/v1/submissions.proto",
}

// Client calls the submission service over a connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with in and returns the response document.
func (c *Client) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
