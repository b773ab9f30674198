package repo

import (
	"sync"

	"cfdb/pkg/core"
)

// Scheduler 负责在后台执行任务
type Scheduler interface {
	Schedule(task func())
}

// QueueScheduler 是单 worker 的 FIFO 任务队列
// 任务按提交顺序逐个执行，任务里可以再次 Schedule
type QueueScheduler struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

func NewQueueScheduler() *QueueScheduler {
	q := &QueueScheduler{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

func (q *QueueScheduler) Schedule(task func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.tasks = append(q.tasks, task)
	q.cond.Signal()
}

func (q *QueueScheduler) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		task()
	}
}

// Close 停止接收新任务，执行完队列里剩余的任务后返回
func (q *QueueScheduler) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}

// OnNewCommit 注册一个新提交观察者，返回取消订阅函数
// 观察者按注册顺序被通知
func (r *Repository) OnNewCommit(fn func(c *core.Commit)) func() {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	id := r.nextObserver
	r.nextObserver++
	r.observers = append(r.observers, observer{id: id, fn: fn})
	return func() {
		r.obsMu.Lock()
		defer r.obsMu.Unlock()
		for i, o := range r.observers {
			if o.id == id {
				r.observers = append(r.observers[:i:i], r.observers[i+1:]...)
				return
			}
		}
	}
}

type observer struct {
	id int
	fn func(c *core.Commit)
}

func (r *Repository) snapshotObservers() []func(*core.Commit) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	out := make([]func(*core.Commit), 0, len(r.observers))
	for _, o := range r.observers {
		out = append(out, o.fn)
	}
	return out
}

// emit 分发 NewCommit 事件；调用时不能持有 r.mu
func (r *Repository) emit(commits []*core.Commit) {
	if len(commits) == 0 {
		return
	}
	observers := r.snapshotObservers()
	if len(observers) == 0 {
		return
	}
	notify := func(c *core.Commit) {
		for _, fn := range observers {
			fn(c)
		}
	}
	for _, c := range commits {
		switch r.opts.FanOut {
		case FanOutSync:
			notify(c)
		default:
			r.scheduler.Schedule(func() { notify(c) })
		}
	}
}
