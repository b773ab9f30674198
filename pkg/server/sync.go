package server

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"cfdb/pkg/api/syncv1"
	"cfdb/pkg/replication"
	"cfdb/pkg/repo"
)

// ErrUnknownRepo 表示请求的仓库不存在且不能被创建
var ErrUnknownRepo = errors.New("unknown repository")

// Registry 按仓库 id 找到对应的 Responder
type Registry interface {
	Responder(ctx context.Context, repoID string) (*replication.Responder, error)
}

// SyncService 实现 cfdb.v1.SyncService
type SyncService struct {
	registry Registry
	log      logrus.FieldLogger
}

func NewSyncService(registry Registry, log logrus.FieldLogger) *SyncService {
	return &SyncService{registry: registry, log: log}
}

// Sync 处理一轮同步交换
// 会话和仓库 id 通过元数据传递
func (s *SyncService) Sync(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	session, repoID := fromMetadata(ctx)
	if session == "" {
		return nil, status.Error(codes.Unauthenticated, "missing "+syncv1.SessionHeader)
	}
	if repoID == "" {
		return nil, status.Error(codes.InvalidArgument, "missing "+syncv1.RepoHeader)
	}
	typ, name, err := repo.ParseID(repoID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	id := repo.ID(typ, name)

	msg, err := replication.UnmarshalMessage(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	responder, err := s.registry.Responder(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := responder.Handle(ctx, session, msg)
	if err != nil {
		return nil, toStatus(err)
	}
	data, err := resp.Marshal()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return wrapperspb.Bytes(data), nil
}

func fromMetadata(ctx context.Context) (session, repoID string) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ""
	}
	if v := md.Get(syncv1.SessionHeader); len(v) > 0 {
		session = v[0]
	}
	if v := md.Get(syncv1.RepoHeader); len(v) > 0 {
		repoID = v[0]
	}
	return session, repoID
}

// toStatus 把领域错误映射为 gRPC 状态码
func toStatus(err error) error {
	switch {
	case errors.Is(err, repo.ErrServiceUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, replication.ErrInvalidMessage):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, replication.ErrNoSession):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, ErrUnknownRepo):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}
