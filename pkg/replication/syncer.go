package replication

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Syncer 同时驱动多个客户端 (多个仓库或多个对端)
type Syncer struct {
	mu      sync.RWMutex
	clients []*Client
}

func NewSyncer(clients ...*Client) *Syncer {
	return &Syncer{clients: clients}
}

// Add 注册一个客户端
func (s *Syncer) Add(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = append(s.clients, c)
}

func (s *Syncer) snapshot() []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Client(nil), s.clients...)
}

// Touch 唤醒全部客户端
func (s *Syncer) Touch() {
	for _, c := range s.snapshot() {
		c.Touch()
	}
}

// SyncAll 并发地对每个客户端执行一次 Sync
// 单个对端失败不会中断其它对端，所有错误合并返回
func (s *Syncer) SyncAll(ctx context.Context) (int, error) {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
		errs  error
	)
	for _, c := range s.snapshot() {
		wg.Go(func() {
			n, err := c.Sync(ctx)
			mu.Lock()
			total += n
			errs = multierr.Append(errs, err)
			mu.Unlock()
		})
	}
	wg.Wait()
	return total, errs
}

// Run 为每个客户端启动同步循环，直到 ctx 结束
func (s *Syncer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range s.snapshot() {
		g.Go(func() error { return c.Run(ctx) })
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
