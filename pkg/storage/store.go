package storage

import (
	"context"
	"errors"

	"cfdb/pkg/core"
	"cfdb/pkg/types"
)

var (
	ErrNotFound = errors.New("commit not found")

	// ErrCommitMismatch 表示同一个 id 下出现了内容不同的两个提交
	ErrCommitMismatch = errors.New("commit id already exists with different contents")

	// ErrBusy 表示底层存储暂时被锁 (例如 SQLite 的 database is locked)
	// 调用方可以放弃本轮剩余的写入，下一轮再试
	ErrBusy = errors.New("storage is busy")
)

// RepoStorage 定义了提交的持久化后端
// 实现可以是内存、SQL 数据库或嵌入式 KV，所有实现都必须并发安全
type RepoStorage interface {
	// NumberOfCommits 返回已持久化的提交数量
	NumberOfCommits(ctx context.Context) (int, error)

	// GetCommit 按 id 读取提交，不存在时返回 ErrNotFound
	GetCommit(ctx context.Context, id types.CommitID) (*core.Commit, error)

	// AllCommitIDs 列出全部提交 id
	AllCommitIDs(ctx context.Context) ([]types.CommitID, error)

	// CommitsForKey 返回某个 Key 的全部提交 (顺序不保证)
	CommitsForKey(ctx context.Context, key string) ([]*core.Commit, error)

	// AllKeys 列出出现过的全部 Key
	AllKeys(ctx context.Context) ([]string, error)

	// PersistCommits 追加一批提交，返回其中真正新写入的子集
	// 已存在且内容相同的提交会被静默跳过 (幂等)；
	// 已存在但内容不同时返回 ErrCommitMismatch，且整批都不写入
	PersistCommits(ctx context.Context, commits []*core.Commit) ([]*core.Commit, error)

	Close() error
}
