package replication

import (
	"context"

	"cfdb/pkg/core"
	"cfdb/pkg/types"
)

// Repo 是同步协议需要的仓库能力
// *repo.Repository 满足这个接口
type Repo interface {
	ID() string
	Session() string
	Commits(session string) []*core.Commit
	PersistCommits(ctx context.Context, commits []*core.Commit, session string) ([]*core.Commit, []types.CommitID, error)
}

// Transport 把一条消息发往某个对端并等待回复
type Transport interface {
	Send(ctx context.Context, repoID string, msg *Message) (*Message, error)
}

// Toucher 在有新数据时唤醒同步循环
type Toucher interface {
	Touch()
}
