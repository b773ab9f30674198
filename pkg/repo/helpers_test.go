package repo

import (
	"context"
	"sync"
	"testing"
	"time"

	"cfdb/pkg/auth"
	"cfdb/pkg/core"
	"cfdb/pkg/logging"
	"cfdb/pkg/record"
	"cfdb/pkg/storage"
	"cfdb/pkg/storage/memory"
	"cfdb/pkg/types"

	"github.com/stretchr/testify/require"
)

var testScheme = record.Scheme{Namespace: "notes", Version: 1}

// fakeClock 是可手动推进的时钟
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	repo  *Repository
	pool  *auth.TrustPool
	clock *fakeClock
	store storage.RepoStorage
}

func newTestPool(t *testing.T, owner string) *auth.TrustPool {
	t.Helper()
	sess, priv, err := auth.GenerateSession(owner)
	require.NoError(t, err)
	return auth.NewTrustPool(sess, priv, logging.Discard())
}

// newFixture 创建一个同步分发、从不强制锚点的测试仓库
func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		pool:  newTestPool(t, "alice"),
		clock: newFakeClock(),
		store: memory.NewStore(),
	}
	opts := DefaultOptions()
	opts.ID = ID(RepoTypeData, "test")
	opts.TrustPool = f.pool
	opts.FanOut = FanOutSync
	opts.Logger = logging.Discard()
	opts.Now = f.clock.Now
	opts.Rand = func() float64 { return 1 }
	for _, m := range mutate {
		m(&opts)
	}

	r, err := Open(context.Background(), f.store, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	f.repo = r
	return f
}

// remote 构造一个来自其它会话的完整提交 (不签名)
func remote(session, key string, data map[string]any, ts time.Time, parents ...types.CommitID) *core.Commit {
	return remoteWithScheme(session, key, testScheme, data, ts, parents...)
}

func remoteWithScheme(session, key string, s record.Scheme, data map[string]any, ts time.Time, parents ...types.CommitID) *core.Commit {
	return core.NewCommit(core.Params{
		Key:          key,
		Session:      session,
		ConnectionID: "conn-" + session,
		Parents:      parents,
		Timestamp:    ts,
		Contents:     core.Full{Record: record.New(s, data)},
	})
}

func (f *fixture) persist(t *testing.T, commits ...*core.Commit) []*core.Commit {
	t.Helper()
	fresh, err := f.repo.PersistVerifiedCommits(context.Background(), commits)
	require.NoError(t, err)
	return fresh
}

// k1Graph 构造 A <- B, A <- C 的分叉图，时间都早于活跃窗口
func (f *fixture) k1Graph(t *testing.T) (a, b, c *core.Commit) {
	t.Helper()
	old := f.clock.Now().Add(-time.Minute)
	a = remote("s-root", "k1", map[string]any{"x": 1}, old)
	b = remote("s-one", "k1", map[string]any{"x": 2}, old.Add(time.Second), a.ID)
	c = remote("s-two", "k1", map[string]any{"x": 3}, old.Add(2*time.Second), a.ID)
	f.persist(t, a, b, c)
	return a, b, c
}

// blockingPool 在第一次签名时阻塞，直到 release 被关闭
type blockingPool struct {
	*auth.TrustPool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingPool(p *auth.TrustPool) *blockingPool {
	return &blockingPool{TrustPool: p, entered: make(chan struct{}), release: make(chan struct{})}
}

func (p *blockingPool) Sign(ctx context.Context, c *core.Commit) (*core.Commit, error) {
	p.once.Do(func() {
		close(p.entered)
		<-p.release
	})
	return p.TrustPool.Sign(ctx, c)
}

// busyStore 模拟被锁住的数据库
type busyStore struct {
	*memory.Store
}

func (s busyStore) PersistCommits(ctx context.Context, commits []*core.Commit) ([]*core.Commit, error) {
	return nil, storage.ErrBusy
}
