package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cfdb/pkg/bloom"
	"cfdb/pkg/logging"

	"github.com/sirupsen/logrus"
)

var (
	ErrOffline         = errors.New("peer is offline")
	ErrVersionMismatch = errors.New("peer build version is newer than ours")
)

// Status 是客户端对某个对端的最新观察
type Status struct {
	Online    bool
	PeerSize  int
	LastSync  time.Time
	LastError error
}

// Client 与单个对端同步单个仓库
type Client struct {
	repo      Repo
	transport Transport
	cfg       Config
	version   string
	log       logrus.FieldLogger
	now       func() time.Time

	mu         sync.Mutex
	peerFilter *bloom.Filter
	peerSize   int
	online     bool
	lastSync   time.Time
	lastErr    error
	avgFreq    time.Duration

	touch chan struct{}
}

// ClientOption 用于定制 Client
type ClientOption func(*Client)

func WithConfig(cfg Config) ClientOption { return func(c *Client) { c.cfg = cfg } }

func WithVersion(v string) ClientOption { return func(c *Client) { c.version = v } }

func WithClock(now func() time.Time) ClientOption { return func(c *Client) { c.now = now } }

func WithLogger(log logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient 创建客户端
func NewClient(r Repo, t Transport, opts ...ClientOption) *Client {
	c := &Client{
		repo:      r,
		transport: t,
		cfg:       DefaultConfig,
		version:   BuildVersion,
		log:       logrus.StandardLogger(),
		now:       time.Now,
		touch:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("repo", r.ID())
	return c
}

// SendOnce 执行一轮交换，返回本地新持久化的提交数
func (c *Client) SendOnce(ctx context.Context, cycles int) (int, error) {
	start := c.now()

	c.mu.Lock()
	peerFilter, peerSize := c.peerFilter, c.peerSize
	c.mu.Unlock()

	local := c.repo.Commits(c.repo.Session())
	msg, err := Build(peerFilter, local, peerSize, cycles, true)
	if err != nil {
		return 0, err
	}
	msg.BuildVersion = c.version

	resp, err := c.transport.Send(ctx, c.repo.ID(), msg)
	if err != nil {
		c.markOffline(err)
		return 0, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	if CompareVersions(resp.BuildVersion, c.version) > 0 {
		c.markOffline(ErrVersionMismatch)
		return 0, ErrVersionMismatch
	}

	c.mu.Lock()
	c.peerFilter = resp.Filter
	c.peerSize = resp.Size
	c.online = true
	c.lastErr = nil
	c.lastSync = c.now()
	c.mu.Unlock()

	if len(resp.AccessDenied) > 0 {
		c.log.WithField("count", len(resp.AccessDenied)).Warn("peer denied commits")
	}

	commits, err := resp.DecodeCommits()
	if err != nil {
		return 0, err
	}
	persisted := 0
	if len(commits) > 0 {
		persistStart := c.now()
		fresh, _, err := c.repo.PersistCommits(ctx, commits, c.repo.Session())
		persisted = len(fresh)
		logging.Metric(c.log, "CommitsPersistTime", float64(c.now().Sub(persistStart).Milliseconds()), "ms", nil)
		logging.Metric(c.log, "CommitsPersistCount", float64(persisted), "count", nil)
		if err != nil {
			return persisted, err
		}
	}

	c.observeRound(c.now().Sub(start))
	return persisted, nil
}

// observeRound 以指数滑动平均记录单轮耗时
func (c *Client) observeRound(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.avgFreq == 0 {
		c.avgFreq = d
		return
	}
	c.avgFreq = (c.avgFreq*4 + d) / 5
}

// Sync 运行一次完整的同步：cycles+1 轮，之后在仍需复制时追加有限的轮数
func (c *Client) Sync(ctx context.Context) (int, error) {
	c.mu.Lock()
	cycles := c.cfg.Cycles(c.avgFreq)
	c.mu.Unlock()

	total := 0
	for i := 0; i <= cycles; i++ {
		n, err := c.SendOnce(ctx, cycles)
		total += n
		if err != nil {
			return total, err
		}
	}
	for extra := 0; extra < c.cfg.MaxExtraCycles && c.NeedsReplication(); extra++ {
		n, err := c.SendOnce(ctx, cycles)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// NeedsReplication 判断本地是否有对端 (按其最新过滤器) 还没有的提交
func (c *Client) NeedsReplication() bool {
	c.mu.Lock()
	filter := c.peerFilter
	c.mu.Unlock()

	local := c.repo.Commits(c.repo.Session())
	if filter == nil {
		return len(local) > 0
	}
	for _, commit := range local {
		if !filter.Has(string(commit.ID)) {
			return true
		}
	}
	return false
}

// Touch 请求尽快进行下一次同步
func (c *Client) Touch() {
	select {
	case c.touch <- struct{}{}:
	default:
	}
}

// IsOnline 返回最近一次交换是否成功
func (c *Client) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Status 返回当前状态快照
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Online: c.online, PeerSize: c.peerSize, LastSync: c.lastSync, LastError: c.lastErr}
}

func (c *Client) markOffline(err error) {
	c.mu.Lock()
	wasOnline := c.online
	c.online = false
	c.lastErr = err
	c.mu.Unlock()
	if wasOnline {
		c.log.WithError(err).Warn("peer went offline")
	}
}

// Run 持续同步直到 ctx 结束
// 有进展时按 MinSyncFreq 重新同步，空闲时间隔翻倍直到 MaxSyncFreq
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.MinSyncFreq
	for {
		n, err := c.Sync(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			c.log.WithError(err).Debug("sync failed")
			delay = min(delay*2, c.cfg.MaxSyncFreq)
		case n > 0 || c.NeedsReplication():
			delay = c.cfg.MinSyncFreq
		default:
			delay = min(delay*2, c.cfg.MaxSyncFreq)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.touch:
			timer.Stop()
			delay = c.cfg.MinSyncFreq
		case <-timer.C:
		}
	}
}
