// Package syncv1 定义同步 RPC 的服务描述
//
// 服务只有一个一元方法，载荷是 CBOR 编码的同步消息，外层用 BytesValue 包装，
// 因此不需要生成的 protobuf 代码。
package syncv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName    = "cfdb.v1.SyncService"
	SyncFullMethod = "/" + ServiceName + "/Sync"

	// 元数据键
	SessionHeader = "x-cfdb-session"
	RepoHeader    = "x-cfdb-repo"
)

// SyncServiceServer 是服务端实现需要满足的接口
type SyncServiceServer interface {
	Sync(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// ServiceDesc 供 grpc.Server.RegisterService 使用
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Sync", Handler: syncHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cfdb/v1/sync.proto",
}

func syncHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncServiceServer).Sync(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SyncFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SyncServiceServer).Sync(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterSyncServiceServer 注册服务实现
func RegisterSyncServiceServer(s grpc.ServiceRegistrar, srv SyncServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Invoke 发起一次 Sync 调用
func Invoke(ctx context.Context, cc grpc.ClientConnInterface, req *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := cc.Invoke(ctx, SyncFullMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
