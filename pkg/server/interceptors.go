package server

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"cfdb/pkg/api/syncv1"
)

// =============================================================================
// 1. Logging Interceptor (结构化日志)
// =============================================================================

// UnaryLoggingInterceptor 记录每个一元请求的方法、状态码和耗时
func UnaryLoggingInterceptor(log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logRPC(log, ctx, info.FullMethod, time.Since(start), err)
		return resp, err
	}
}

func logRPC(log logrus.FieldLogger, ctx context.Context, method string, duration time.Duration, err error) {
	code := status.Code(err)
	entry := log.WithFields(logrus.Fields{
		"method": method,
		"code":   code.String(),
		"dur":    duration,
	})
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if repo := md.Get(syncv1.RepoHeader); len(repo) > 0 {
			entry = entry.WithField("repo", repo[0])
		}
	}

	switch code {
	case codes.OK:
		entry.Debug("gRPC request")
	case codes.Internal, codes.Unknown:
		// 只有服务端自身的问题算 Error
		entry.WithError(err).Error("gRPC request")
	default:
		entry.WithError(err).Warn("gRPC request")
	}
}

// =============================================================================
// 2. Recovery Interceptor (防弹衣)
// =============================================================================

// UnaryRecoveryInterceptor 把 handler 中的 panic 转成 codes.Internal
func UnaryRecoveryInterceptor(log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logrus.Fields{
					"panic":  r,
					"method": info.FullMethod,
					"stack":  string(debug.Stack()),
				}).Error("panic recovered")
				err = status.Errorf(codes.Internal, "internal server error: panic recovered")
			}
		}()
		return handler(ctx, req)
	}
}
