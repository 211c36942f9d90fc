package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// QueryServiceName is the fully qualified name of the read-only dispatch query service.
// Requests carry a single identifier; responses are the JSON form of the record
// as a google.protobuf.Struct.
const QueryServiceName = "comms.dispatch.v1.DispatchQuery"

// QueryServer is the server API for the dispatch query service.
type QueryServer interface {
	GetCommunication(ctx context.Context, id *wrapperspb.StringValue) (*structpb.Struct, error)
	GetBulk(ctx context.Context, id *wrapperspb.StringValue) (*structpb.Struct, error)
	GetProviderBalance(ctx context.Context, name *wrapperspb.StringValue) (*structpb.Struct, error)
}

type queryMethod func(srv QueryServer, ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error)

func unaryMethod(name string, call queryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(wrapperspb.StringValue)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(QueryServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + QueryServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(QueryServer), ctx, req.(*wrapperspb.StringValue))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: QueryServiceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetCommunication", QueryServer.GetCommunication),
		unaryMethod("GetBulk", QueryServer.GetBulk),
		unaryMethod("GetProviderBalance", QueryServer.GetProviderBalance),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "comms/dispatch/v1/query.proto",
}

// RegisterQueryServer attaches srv to a gRPC server.
func RegisterQueryServer(s grpc.ServiceRegistrar, srv QueryServer) {
	s.RegisterService(&queryServiceDesc, srv)
}

// QueryClient calls the dispatch query service and decodes responses into Go values.
type QueryClient struct {
	cc grpc.ClientConnInterface
}

func NewQueryClient(cc grpc.ClientConnInterface) *QueryClient {
	return &QueryClient{cc: cc}
}

// Call invokes method with id and decodes the returned record into out.
func (c *QueryClient) Call(ctx context.Context, method, id string, out any, opts ...grpc.CallOption) error {
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+QueryServiceName+"/"+method, wrapperspb.String(id), resp, opts...); err != nil {
		return err
	}
	raw, err := protojson.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode %s response: %w", method, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

// toStruct converts any JSON-encodable value to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}
