package repo

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"cfdb/pkg/core"
	"cfdb/pkg/record"
	"cfdb/pkg/storage"
	"cfdb/pkg/types"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

type headEntry struct {
	commit *core.Commit
	at     time.Time
}

type valueEntry struct {
	head types.CommitID
	rec  *record.Record
}

// mergeTicket 标识一次进行中的合并，只用指针身份做比较
type mergeTicket struct{ key string }

// Repository 是一个提交图的所有者
//
// 所有已知提交都常驻内存 (按 id 的 arena + 按 Key 的列表)，
// 存储层只负责持久化和启动时加载。派生缓存都有显式的失效点。
type Repository struct {
	id        string
	storage   storage.RepoStorage
	opts      Options
	trust     TrustPool
	log       logrus.FieldLogger
	scheduler Scheduler
	ownsSched *QueueScheduler
	now       func() time.Time
	rand      func() float64

	mu       sync.Mutex
	commits  map[types.CommitID]*core.Commit
	byKey    map[string][]*core.Commit
	children map[types.CommitID][]types.CommitID // parent -> children (入边)
	// sessionSeen 记录每个会话最近一次提交的时间，用于选举合并 leader
	sessionSeen map[string]time.Time

	headCache     map[string]headEntry
	recordCache   *lru.Cache[types.CommitID, *record.Record]
	valueCache    map[string]valueEntry
	corrupted     map[types.CommitID]bool
	pendingMerges map[string]*mergeTicket
	authorized    map[string][]types.CommitID // session -> 可读提交

	obsMu        sync.Mutex
	observers    []observer
	nextObserver int
}

// Open 从存储加载全部提交并返回一个 Repository
func Open(ctx context.Context, store storage.RepoStorage, opts Options) (*Repository, error) {
	if opts.TrustPool == nil {
		return nil, errors.New("repo: trust pool is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.ConnectionID == "" {
		opts.ConnectionID = uuid.NewString()
	}
	if opts.PersistBatchSize <= 0 {
		opts.PersistBatchSize = 50
	}
	if opts.RecordCacheSize <= 0 {
		opts.RecordCacheSize = 10000
	}

	cache, err := lru.New[types.CommitID, *record.Record](opts.RecordCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create record cache: %w", err)
	}

	r := &Repository{
		id:            opts.ID,
		storage:       store,
		opts:          opts,
		trust:         opts.TrustPool,
		log:           opts.Logger.WithField("repo", opts.ID),
		scheduler:     opts.Scheduler,
		now:           opts.Now,
		rand:          opts.Rand,
		commits:       make(map[types.CommitID]*core.Commit),
		byKey:         make(map[string][]*core.Commit),
		children:      make(map[types.CommitID][]types.CommitID),
		sessionSeen:   make(map[string]time.Time),
		headCache:     make(map[string]headEntry),
		recordCache:   cache,
		valueCache:    make(map[string]valueEntry),
		corrupted:     make(map[types.CommitID]bool),
		pendingMerges: make(map[string]*mergeTicket),
		authorized:    make(map[string][]types.CommitID),
	}
	if opts.FanOut == FanOutBackground && r.scheduler == nil {
		r.ownsSched = NewQueueScheduler()
		r.scheduler = r.ownsSched
	}

	if err := r.load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// load 把存储里的提交全部读进内存
func (r *Repository) load(ctx context.Context) error {
	keys, err := r.storage.AllKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		commits, err := r.storage.CommitsForKey(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to load commits for key %q: %w", key, err)
		}
		for _, c := range commits {
			r.integrateLocked(c)
		}
	}
	r.log.WithField("commits", len(r.commits)).Debug("repository loaded")
	return nil
}

// integrateLocked 把一个提交加入内存图
func (r *Repository) integrateLocked(c *core.Commit) bool {
	if _, ok := r.commits[c.ID]; ok {
		return false
	}
	r.commits[c.ID] = c
	r.byKey[c.Key] = append(r.byKey[c.Key], c)
	for _, p := range c.Parents {
		r.children[p] = append(r.children[p], c.ID)
	}
	if c.Session != "" && c.Timestamp.After(r.sessionSeen[c.Session]) {
		r.sessionSeen[c.Session] = c.Timestamp
	}
	return true
}

// Close 停止内部调度器并关闭存储
func (r *Repository) Close() error {
	if r.ownsSched != nil {
		r.ownsSched.Close()
	}
	return r.storage.Close()
}

// ID 返回仓库 id
func (r *Repository) ID() string { return r.id }

// Session 返回当前会话 id
func (r *Repository) Session() string { return r.trust.CurrentSession() }

// ConnectionID 返回当前连接 id
func (r *Repository) ConnectionID() string { return r.opts.ConnectionID }

// TrustPool 返回仓库使用的信任池
func (r *Repository) TrustPool() TrustPool { return r.trust }

// commitsForKeyDescLocked 返回按 (timestamp, id) 降序排列的副本
func (r *Repository) commitsForKeyDescLocked(key string) []*core.Commit {
	list := append([]*core.Commit(nil), r.byKey[key]...)
	core.SortDesc(list)
	return list
}

// -----------------------------------------------------------------------------
// 只读访问
// -----------------------------------------------------------------------------

// HasCommit 判断提交是否已在本地
func (r *Repository) HasCommit(id types.CommitID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.commits[id]
	return ok
}

// HasKey 判断 Key 是否有任何提交
func (r *Repository) HasKey(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey[key]) > 0
}

// GetCommit 读取提交；session 为空表示以仓库所有者身份读取
// 不存在与无权访问返回同一个 ErrServiceUnavailable，调用方无法区分
func (r *Repository) GetCommit(id types.CommitID, session string) (*core.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commits[id]
	if !ok || !r.canReadLocked(c, session) {
		return nil, unavailable("commit %s", id)
	}
	return c, nil
}

// NumberOfCommits 返回 session 可见的提交数
func (r *Repository) NumberOfCommits(session string) int {
	return len(r.Commits(session))
}

// Commits 返回 session 可见的全部提交
func (r *Repository) Commits(session string) []*core.Commit {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session == "" || session == r.trust.CurrentSession() || r.opts.Authorizer == nil {
		out := make([]*core.Commit, 0, len(r.commits))
		for _, c := range r.commits {
			out = append(out, c)
		}
		return out
	}

	ids, ok := r.authorized[session]
	if !ok {
		for _, c := range r.commits {
			if r.canReadLocked(c, session) {
				ids = append(ids, c.ID)
			}
		}
		r.authorized[session] = ids
	}
	out := make([]*core.Commit, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.commits[id])
	}
	return out
}

// CommitsForKey 返回 session 可见的某个 Key 的提交，按时间降序
func (r *Repository) CommitsForKey(key string, session string) []*core.Commit {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.commitsForKeyDescLocked(key)
	out := all[:0]
	for _, c := range all {
		if r.canReadLocked(c, session) {
			out = append(out, c)
		}
	}
	return out
}

// Keys 返回 session 可见的全部 Key (不含根/系统 Key)
func (r *Repository) Keys(session string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for key, commits := range r.byKey {
		if key == types.NullKey {
			continue
		}
		for _, c := range commits {
			if r.canReadLocked(c, session) {
				keys = append(keys, key)
				break
			}
		}
	}
	return keys
}

// canReadLocked 空 session 只用于进程内的所有者调用，远端调用者必须带上会话
func (r *Repository) canReadLocked(c *core.Commit, session string) bool {
	if session == "" || session == r.trust.CurrentSession() || r.opts.Authorizer == nil {
		return true
	}
	return r.opts.Authorizer(r.id, c, session, false)
}
