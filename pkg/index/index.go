// pkg/index/index.go
package index

import (
	"sort"
	"sync"

	"cfdb/pkg/core"
	"cfdb/pkg/record"

	"github.com/sirupsen/logrus"
)

// Source 是索引的数据来源 (*repo.Repository 满足该接口)
type Source interface {
	Keys(session string) []string
	ValueForKey(key string) *record.Record
	OnNewCommit(fn func(c *core.Commit)) func()
}

// Entry 是索引视图中的一项
type Entry struct {
	Key    string
	Record *record.Record
}

// Predicate 决定一个 (key, record) 是否进入索引
type Predicate func(key string, rec *record.Record) bool

// Less 定义视图的排序；为空时按 key 排序
type Less func(a, b Entry) bool

// Index 维护仓库中满足条件的记录的有序视图
// 软删除的记录 (isDeleted 为真) 永远不会进入索引
type Index struct {
	src  Source
	pred Predicate
	less Less
	log  logrus.FieldLogger

	mu        sync.RWMutex
	records   map[string]*record.Record // key -> 最近一次看到的记录
	temporary map[string]*record.Record // 尚未提交的本地记录，优先于 head
	included  map[string]struct{}
	sorted    []Entry // nil 表示需要重新排序

	unsubscribe func()
}

// New 创建索引；需要调用 Activate 才会开始工作
func New(src Source, pred Predicate, less Less, log logrus.FieldLogger) *Index {
	if pred == nil {
		pred = func(string, *record.Record) bool { return true }
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Index{
		src:       src,
		pred:      pred,
		less:      less,
		log:       log.WithField("component", "index"),
		records:   make(map[string]*record.Record),
		temporary: make(map[string]*record.Record),
		included:  make(map[string]struct{}),
	}
}

// Activate 全量扫描一次，然后订阅新提交
func (i *Index) Activate() {
	i.mu.Lock()
	if i.unsubscribe != nil {
		i.mu.Unlock()
		return
	}
	i.mu.Unlock()

	keys := i.src.Keys("")
	for _, key := range keys {
		i.refresh(key, false)
	}
	unsubscribe := i.src.OnNewCommit(func(c *core.Commit) { i.refresh(c.Key, true) })

	i.mu.Lock()
	i.unsubscribe = unsubscribe
	i.mu.Unlock()
	i.log.WithField("keys", len(keys)).Debug("index activated")
}

// Close 取消订阅
func (i *Index) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.unsubscribe != nil {
		i.unsubscribe()
		i.unsubscribe = nil
	}
}

// refresh 只重新计算 key 这一项
// committed 为 true 表示 key 上有新提交到达，会取代临时记录
func (i *Index) refresh(key string, committed bool) {
	if key == "" {
		return
	}
	rec := i.src.ValueForKey(key)

	i.mu.Lock()
	defer i.mu.Unlock()
	if committed {
		delete(i.temporary, key)
	} else if tmp, ok := i.temporary[key]; ok {
		rec = tmp
	}
	i.updateLocked(key, rec)
}

func (i *Index) updateLocked(key string, rec *record.Record) {
	prev, seen := i.records[key]
	_, wasIncluded := i.included[key]
	include := !rec.IsNull() && !rec.IsDeleted() && i.pred(key, rec)

	if seen && prev.IsEqual(rec) && include == wasIncluded {
		return
	}
	i.records[key] = rec
	switch {
	case include:
		i.included[key] = struct{}{}
	case wasIncluded:
		delete(i.included, key)
	default:
		// 不在视图里，且没有进入视图
		return
	}
	i.sorted = nil
}

// SetTemporary 设置一条尚未提交的本地记录
func (i *Index) SetTemporary(key string, rec *record.Record) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.temporary[key] = rec.Clone()
	i.updateLocked(key, i.temporary[key])
}

// ClearTemporary 丢弃临时记录，恢复为 head 的值
func (i *Index) ClearTemporary(key string) {
	i.mu.Lock()
	_, ok := i.temporary[key]
	delete(i.temporary, key)
	i.mu.Unlock()
	if ok {
		i.refresh(key, false)
	}
}

// Values 返回排好序的视图 (调用方不要修改返回的记录)
func (i *Index) Values() []Entry {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sortedLocked()
}

func (i *Index) sortedLocked() []Entry {
	if i.sorted != nil {
		return i.sorted
	}
	out := make([]Entry, 0, len(i.included))
	for key := range i.included {
		out = append(out, Entry{Key: key, Record: i.records[key]})
	}
	less := i.less
	if less == nil {
		less = func(a, b Entry) bool { return a.Key < b.Key }
	}
	sort.SliceStable(out, func(a, b int) bool {
		if less(out[a], out[b]) {
			return true
		}
		if less(out[b], out[a]) {
			return false
		}
		return out[a].Key < out[b].Key
	})
	i.sorted = out
	return out
}

// Find 返回满足 pred 的前 limit 项；limit <= 0 表示不限
func (i *Index) Find(pred Predicate, limit int) []Entry {
	var out []Entry
	for _, e := range i.Values() {
		if pred != nil && !pred(e.Key, e.Record) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Count 统计满足 pred 的项数，最多数到 limit
func (i *Index) Count(pred Predicate, limit int) int {
	if pred == nil && limit <= 0 {
		i.mu.RLock()
		defer i.mu.RUnlock()
		return len(i.included)
	}
	return len(i.Find(pred, limit))
}

// Has 判断 key 是否在视图中
func (i *Index) Has(key string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.included[key]
	return ok
}
