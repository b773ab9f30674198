package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cfdb/pkg/core"
	"cfdb/pkg/storage"
	"cfdb/pkg/types"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CachedStore 是一个装饰器，它为底层的 storage.RepoStorage 添加 Redis 读缓存
// 提交不可变，所以按 id 缓存的编码永远不会过期失效，TTL 只用于控制内存占用
type CachedStore struct {
	storage.RepoStorage               // 被装饰的底层存储 (如 SQL)
	client              *redis.Client // Redis 客户端
	ttl                 time.Duration // 缓存过期时间 (例如 24h)
	prefix              string
	log                 logrus.FieldLogger
}

type Config struct {
	RedisURL string        // 标准连接字符串: redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration // 过期时间
	RepoID   string        // 用于隔离不同仓库的 Key 空间
	Logger   logrus.FieldLogger
}

func NewCachedStore(backend storage.RepoStorage, cfg Config) (*CachedStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewWithClient(backend, redis.NewClient(opts), cfg)
}

// NewWithClient 复用已有的 Redis 客户端
func NewWithClient(backend storage.RepoStorage, client *redis.Client, cfg Config) (*CachedStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	// Fail-fast 连接检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &CachedStore{
		RepoStorage: backend,
		client:      client,
		ttl:         cfg.TTL,
		prefix:      "cfdb:" + cfg.RepoID + ":commit:",
		log:         cfg.Logger.WithField("component", "redis-cache"),
	}, nil
}

// cacheKey 生成 Redis Key，添加前缀防止冲突
func (s *CachedStore) cacheKey(id types.CommitID) string {
	return s.prefix + string(id)
}

// GetCommit 优先查 Redis
func (s *CachedStore) GetCommit(ctx context.Context, id types.CommitID) (*core.Commit, error) {
	key := s.cacheKey(id)

	// 1. 查 Redis
	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		c, decErr := core.Unmarshal(data)
		if decErr == nil {
			return c, nil
		}
		// 缓存里的脏数据直接丢掉，回源
		s.log.WithError(decErr).WithField("id", id).Warn("dropping undecodable cache entry")
		s.client.Del(ctx, key)
	case !errors.Is(err, redis.Nil):
		// 缓存故障降级：Redis 挂了就退化为无缓存模式
		s.log.WithError(err).Warn("redis read failed, falling back to backend")
	}

	// 2. 缓存未命中，查底层存储
	c, err := s.RepoStorage.GetCommit(ctx, id)
	if err != nil {
		return nil, err
	}

	// 3. 缓存回填
	s.fill(ctx, c)
	return c, nil
}

// PersistCommits 穿透写入底层存储，成功后写缓存
func (s *CachedStore) PersistCommits(ctx context.Context, commits []*core.Commit) ([]*core.Commit, error) {
	fresh, err := s.RepoStorage.PersistCommits(ctx, commits)
	if err != nil {
		return nil, err
	}
	for _, c := range fresh {
		s.fill(ctx, c)
	}
	return fresh, nil
}

// fill 的错误可以忽略，不影响主流程
func (s *CachedStore) fill(ctx context.Context, c *core.Commit) {
	data, err := c.Marshal()
	if err != nil {
		return
	}
	fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.client.Set(fillCtx, s.cacheKey(c.ID), data, s.ttl).Err(); err != nil {
		s.log.WithError(err).Debug("cache fill failed")
	}
}

// Close 关闭 Redis 连接和底层存储
func (s *CachedStore) Close() error {
	return errors.Join(s.client.Close(), s.RepoStorage.Close())
}
