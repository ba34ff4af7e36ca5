// Copyright (c) OpenMMLab. All rights reserved.

package dist

import (
	"context"

	"google.golang.org/grpc"
)

const storeServiceName = "reduceall.v1.Store"

const (
	methodJoin      = "/" + storeServiceName + "/Join"
	methodAllReduce = "/" + storeServiceName + "/AllReduce"
	methodBroadcast = "/" + storeServiceName + "/Broadcast"
	methodBarrier   = "/" + storeServiceName + "/Barrier"
	methodLeave     = "/" + storeServiceName + "/Leave"
)

// StoreServer is the rendezvous and collective service hosted by rank 0.
type StoreServer interface {
	Join(context.Context, *JoinRequest) (*JoinResponse, error)
	AllReduce(context.Context, *CollectiveRequest) (*CollectiveResponse, error)
	Broadcast(context.Context, *CollectiveRequest) (*CollectiveResponse, error)
	Barrier(context.Context, *CollectiveRequest) (*CollectiveResponse, error)
	Leave(context.Context, *LeaveRequest) (*LeaveResponse, error)
}

func RegisterStoreServer(s grpc.ServiceRegistrar, srv StoreServer) {
	s.RegisterService(&storeServiceDesc, srv)
}

var storeServiceDesc = grpc.ServiceDesc{
	ServiceName: storeServiceName,
	HandlerType: (*StoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: joinHandler},
		{MethodName: "AllReduce", Handler: collectiveHandler(methodAllReduce, StoreServer.AllReduce)},
		{MethodName: "Broadcast", Handler: collectiveHandler(methodBroadcast, StoreServer.Broadcast)},
		{MethodName: "Barrier", Handler: collectiveHandler(methodBarrier, StoreServer.Barrier)},
		{MethodName: "Leave", Handler: leaveHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reduceall/v1/store",
}

func joinHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(JoinRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StoreServer).Join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodJoin}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StoreServer).Join(ctx, req.(*JoinRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func leaveHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LeaveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StoreServer).Leave(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodLeave}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StoreServer).Leave(ctx, req.(*LeaveRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type collectiveFunc func(StoreServer, context.Context, *CollectiveRequest) (*CollectiveResponse, error)

func collectiveHandler(fullMethod string, call collectiveFunc) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(CollectiveRequest)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(StoreServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(StoreServer), ctx, req.(*CollectiveRequest))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// storeClient is the client side of StoreServer.
type storeClient struct {
	cc grpc.ClientConnInterface
}

func newStoreClient(cc grpc.ClientConnInterface) *storeClient {
	return &storeClient{cc: cc}
}

func (c *storeClient) Join(ctx context.Context, in *JoinRequest, opts ...grpc.CallOption) (*JoinResponse, error) {
	out := new(JoinResponse)
	if err := c.cc.Invoke(ctx, methodJoin, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *storeClient) AllReduce(ctx context.Context, in *CollectiveRequest, opts ...grpc.CallOption) (*CollectiveResponse, error) {
	return c.collective(ctx, methodAllReduce, in, opts)
}

func (c *storeClient) Broadcast(ctx context.Context, in *CollectiveRequest, opts ...grpc.CallOption) (*CollectiveResponse, error) {
	return c.collective(ctx, methodBroadcast, in, opts)
}

func (c *storeClient) Barrier(ctx context.Context, in *CollectiveRequest, opts ...grpc.CallOption) (*CollectiveResponse, error) {
	return c.collective(ctx, methodBarrier, in, opts)
}

func (c *storeClient) Leave(ctx context.Context, in *LeaveRequest, opts ...grpc.CallOption) (*LeaveResponse, error) {
	out := new(LeaveResponse)
	if err := c.cc.Invoke(ctx, methodLeave, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *storeClient) collective(ctx context.Context, method string, in *CollectiveRequest, opts []grpc.CallOption) (*CollectiveResponse, error) {
	out := new(CollectiveResponse)
	if err := c.cc.Invoke(ctx, method, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
}
