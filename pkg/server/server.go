package server

import (
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"cfdb/pkg/api/syncv1"
)

// New 组装 gRPC 服务器：拦截器链、同步服务和健康检查
func New(registry Registry, log logrus.FieldLogger, extra ...grpc.ServerOption) *grpc.Server {
	opts := []grpc.ServerOption{
		// recovery 在内层，logging 看到的是已经转换过的状态码
		grpc.ChainUnaryInterceptor(
			UnaryLoggingInterceptor(log),
			UnaryRecoveryInterceptor(log),
		),
		grpc.MaxRecvMsgSize(64 * 1024 * 1024),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	s := grpc.NewServer(append(opts, extra...)...)

	syncv1.RegisterSyncServiceServer(s, NewSyncService(registry, log))

	hs := health.NewServer()
	hs.SetServingStatus(syncv1.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s
}
