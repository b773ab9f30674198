// pkg/app/app.go
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"cfdb/pkg/auth"
	"cfdb/pkg/client"
	"cfdb/pkg/config"
	"cfdb/pkg/replication"
	"cfdb/pkg/repo"
	"cfdb/pkg/server"
	"cfdb/pkg/storage"
	"cfdb/pkg/storage/cache"
	"cfdb/pkg/storage/kvstore"
	"cfdb/pkg/storage/memory"
	"cfdb/pkg/storage/sqlstore"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// App 是整个应用程序的依赖容器 (Dependency Container)
// 它持有身份、按需打开的仓库、同步客户端以及共享的连接
type App struct {
	Log    logrus.FieldLogger
	Pool   *auth.TrustPool
	Syncer *replication.Syncer

	mu         sync.Mutex
	repos      map[string]*repo.Repository
	responders map[string]*replication.Responder
	transports map[string]*client.SyncClient
	db         *sqlstore.DB // storage.type = sql 时所有仓库共享
}

var _ server.Registry = (*App)(nil)

// NewApp 是工厂函数，负责组装这一台机器
// 它遵循 Viper 的配置，但不知道具体的 CLI 命令
func NewApp(ctx context.Context, log logrus.FieldLogger) (*App, error) {
	// 1. 本地身份
	idPath := viper.GetString("identity.path")
	if idPath == "" {
		idPath = filepath.Join(viper.GetString("storage.path"), "identity")
	}
	sess, priv, err := auth.LoadOrCreateIdentity(idPath, viper.GetString("identity.owner"))
	if err != nil {
		return nil, err
	}

	a := &App{
		Log:        log,
		Pool:       auth.NewTrustPool(sess, priv, log),
		Syncer:     replication.NewSyncer(),
		repos:      make(map[string]*repo.Repository),
		responders: make(map[string]*replication.Responder),
		transports: make(map[string]*client.SyncClient),
	}

	// 2. SQL 存储共享一个连接池
	if viper.GetString("storage.type") == "sql" {
		db, err := sqlstore.NewDB(ctx, sqlConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to init database: %w", err)
		}
		a.db = db
	}
	return a, nil
}

func sqlConfig() sqlstore.Config {
	cfg := sqlstore.Config{
		Driver:   viper.GetString("database.driver"),
		DSN:      viper.GetString("database.dsn"),
		Host:     viper.GetString("database.host"),
		Port:     viper.GetInt("database.port"),
		User:     viper.GetString("database.user"),
		Password: viper.GetString("database.password"),
		DBName:   viper.GetString("database.dbname"),
		SSLMode:  viper.GetString("database.sslmode"),
	}
	if cfg.Driver == "sqlite" && cfg.DSN == "" {
		cfg.DSN = filepath.Join(viper.GetString("storage.path"), "cfdb.sqlite")
	}
	return cfg
}

// initStore 按 storage.type 为仓库创建存储，配置了 cache.redis_url 时套上 Redis 读缓存
func (a *App) initStore(ctx context.Context, repoID string) (storage.RepoStorage, error) {
	var (
		backend storage.RepoStorage
		err     error
	)
	switch t := viper.GetString("storage.type"); t {
	case "memory":
		backend = memory.NewStore()
	case "badger":
		dir := filepath.Join(viper.GetString("storage.path"), "repos", filepath.FromSlash(repoID))
		backend, err = kvstore.Open(kvstore.Config{Path: dir, Logger: a.Log})
	case "sql":
		if a.db == nil {
			return nil, fmt.Errorf("database is not initialized")
		}
		backend = sqlstore.NewStore(a.db, repoID)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", t)
	}
	if err != nil {
		return nil, err
	}

	if url := viper.GetString("cache.redis_url"); url != "" {
		cached, err := cache.NewCachedStore(backend, cache.Config{
			RedisURL: url,
			TTL:      viper.GetDuration("cache.ttl"),
			RepoID:   repoID,
			Logger:   a.Log,
		})
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		backend = cached
	}
	return backend, nil
}

// repoOptions 把配置映射为仓库选项
func (a *App) repoOptions(id string) repo.Options {
	opts := repo.DefaultOptions()
	opts.ID = id
	opts.OrgID = viper.GetString("repo.org_id")
	opts.BuildVersion = replication.BuildVersion
	opts.TrustPool = a.Pool
	opts.Logger = a.Log
	if viper.GetString("repo.fanout") == "sync" {
		opts.FanOut = repo.FanOutSync
	}
	if viper.GetString("repo.authorizer") == "same_owner" {
		opts.Authorizer = a.Pool.SameOwner
	}
	opts.FullCommitProbability = viper.GetFloat64("repo.full_commit_probability")
	opts.DeltaRatio = viper.GetFloat64("repo.delta_ratio")
	opts.HeadCacheTTL = viper.GetDuration("repo.head_cache_ttl")
	opts.GracePeriod = viper.GetDuration("repo.grace_period")
	opts.ActivityWindow = viper.GetDuration("repo.activity_window")
	opts.AncestorsFPR = viper.GetFloat64("repo.filter_fpr")
	return opts
}

func syncConfig() replication.Config {
	return replication.Config{
		MinSyncFreq:    viper.GetDuration("sync.min_freq"),
		MaxSyncFreq:    viper.GetDuration("sync.max_freq"),
		SyncDuration:   viper.GetDuration("sync.duration"),
		MaxExtraCycles: viper.GetInt("sync.max_extra_cycles"),
	}
}

// CanonicalID 校验并规范化仓库 id："/data/notes/" -> "data/notes"
func CanonicalID(id string) (string, error) {
	typ, name, err := repo.ParseID(id)
	if err != nil {
		return "", err
	}
	return repo.ID(typ, name), nil
}

// Repository 返回 (必要时打开) 指定的仓库
// 第一次打开时发布本地会话，并为每个配置的对端注册同步客户端
func (a *App) Repository(ctx context.Context, id string) (*repo.Repository, error) {
	id, err := CanonicalID(id)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.repos[id]; ok {
		return r, nil
	}

	store, err := a.initStore(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage for %s: %w", id, err)
	}
	r, err := repo.Open(ctx, store, a.repoOptions(id))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if _, err := r.PublishSession(ctx); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("failed to publish session: %w", err)
	}

	for _, peer := range config.Peers() {
		t, err := a.transportLocked(peer)
		if err != nil {
			_ = r.Close()
			return nil, err
		}
		a.Syncer.Add(replication.NewClient(r, t,
			replication.WithConfig(syncConfig()),
			replication.WithLogger(a.Log.WithField("peer", peer)),
		))
	}

	a.repos[id] = r
	a.responders[id] = replication.NewResponder(r, a.Syncer, a.Log)
	a.Log.WithFields(logrus.Fields{"repo": id, "commits": r.NumberOfCommits("")}).Debug("repository opened")
	return r, nil
}

func (a *App) transportLocked(peer string) (*client.SyncClient, error) {
	if t, ok := a.transports[peer]; ok {
		return t, nil
	}
	t, err := client.New(peer, a.Pool.CurrentSession())
	if err != nil {
		return nil, err
	}
	a.transports[peer] = t
	return t, nil
}

// Responder 实现 server.Registry；未打开的仓库会被按需打开
func (a *App) Responder(ctx context.Context, id string) (*replication.Responder, error) {
	r, err := a.Repository(ctx, id)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.responders[r.ID()], nil
}

// Repos 返回已打开的仓库 (按 id 排序)
func (a *App) Repos() []*repo.Repository {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*repo.Repository, 0, len(a.repos))
	for _, r := range a.repos {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Close 关闭所有仓库、连接和共享的数据库
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	for id, r := range a.repos {
		if cerr := r.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", id, cerr))
		}
	}
	for _, t := range a.transports {
		err = multierr.Append(err, t.Close())
	}
	if a.db != nil {
		err = multierr.Append(err, a.db.Close())
	}
	a.repos = map[string]*repo.Repository{}
	return err
}

