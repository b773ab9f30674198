package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"cfdb/pkg/api/syncv1"
	"cfdb/pkg/replication"
)

// SyncClient 通过 gRPC 与一个对端交换同步消息
// 它实现了 replication.Transport
type SyncClient struct {
	conn    *grpc.ClientConn
	session string
	addr    string
}

var _ replication.Transport = (*SyncClient)(nil)

// New 创建客户端
// 只负责创建对象，不等待连接就绪；网络不通会在第一次 Send 时暴露
func New(addr, session string, extra ...grpc.DialOption) (*SyncClient, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(64*1024*1024),
			grpc.MaxCallSendMsgSize(64*1024*1024),
		),
		// 保持连接活跃
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	conn, err := grpc.NewClient(addr, append(opts, extra...)...)
	if err != nil {
		// 这里的 err 通常只是配置错误 (如地址格式不对)
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", addr, err)
	}
	return &SyncClient{conn: conn, session: session, addr: addr}, nil
}

// Send 发送一条同步消息并解码回复
func (c *SyncClient) Send(ctx context.Context, repoID string, msg *replication.Message) (*replication.Message, error) {
	data, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	ctx = metadata.AppendToOutgoingContext(ctx,
		syncv1.SessionHeader, c.session,
		syncv1.RepoHeader, repoID,
	)
	out, err := syncv1.Invoke(ctx, c.conn, wrapperspb.Bytes(data))
	if err != nil {
		return nil, err
	}
	return replication.UnmarshalMessage(out.GetValue())
}

// Addr 返回对端地址
func (c *SyncClient) Addr() string { return c.addr }

// Close 关闭底层连接
func (c *SyncClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
