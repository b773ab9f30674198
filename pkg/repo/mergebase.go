package repo

import (
	"cfdb/pkg/core"
	"cfdb/pkg/record"
	"cfdb/pkg/types"
)

// MergeBase 是一次 N 路合并的基础
type MergeBase struct {
	// Base 为 nil 表示没有公共祖先 (按并发的根来处理)
	Base *core.Commit
	// Scheme 是参与者中版本最高的 Scheme
	Scheme record.Scheme
	// Included 是可以物化、实际参与计算的提交
	Included []*core.Commit
	// ReachedRoot 表示遍历到了无父提交，历史本身就是分叉的而不是数据不全
	ReachedRoot bool
}

// FindMergeBase 对一组提交两两折叠地寻找公共祖先
func (r *Repository) FindMergeBase(ids ...types.CommitID) (MergeBase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	commits := make([]*core.Commit, 0, len(ids))
	for _, id := range ids {
		c, ok := r.commits[id]
		if !ok {
			return MergeBase{}, unavailable("commit %s", id)
		}
		commits = append(commits, c)
	}
	return r.findMergeBaseLocked(commits), nil
}

func (r *Repository) findMergeBaseLocked(commits []*core.Commit) MergeBase {
	var (
		mb     MergeBase
		noBase bool
	)
	for _, c := range commits {
		rec, err := r.recordForCommitLocked(c)
		if err != nil || r.corrupted[c.ID] {
			continue
		}
		s := rec.Scheme
		invariant(mb.Scheme.IsNull() || s.IsNull() || mb.Scheme.Namespace == s.Namespace,
			"merge of %s mixes namespaces %s and %s", c.Key, mb.Scheme, s)
		if mb.Scheme.Less(s) {
			mb.Scheme = s
		}

		if len(mb.Included) == 0 {
			mb.Base = c
			mb.Included = append(mb.Included, c)
			continue
		}
		mb.Included = append(mb.Included, c)
		if noBase {
			continue
		}
		base, root := r.lcaLocked(mb.Base, c)
		mb.ReachedRoot = mb.ReachedRoot || root
		if base == nil {
			noBase = true
		}
		mb.Base = base
	}
	if len(mb.Included) < 2 {
		// 单个提交不存在"公共祖先"
		mb.Base = nil
	}
	return mb
}

// lcaLocked 寻找 c1、c2 的最近公共祖先
// 第二个返回值表示遍历过程中是否碰到了根提交
func (r *Repository) lcaLocked(c1, c2 *core.Commit) (*core.Commit, bool) {
	// 1. 退化情况
	if c1.IsRoot() || c2.IsRoot() {
		return nil, true
	}
	if c1.Key != c2.Key {
		return nil, false
	}
	if c1.ContentsChecksum() == c2.ContentsChecksum() {
		if c2.After(c1) {
			return c1, false
		}
		return c2, false
	}
	if containsID(c1.Parents, c2.ID) {
		return c2, false
	}
	if containsID(c2.Parents, c1.ID) {
		return c1, false
	}

	// 2. 双向逐层扩展，每扩展一层检查一次交集
	left := newWalk(c1)
	right := newWalk(c2)
	reachedRoot := false
	for !left.done() || !right.done() {
		reachedRoot = left.step(r) || reachedRoot
		if base := r.bestCommonLocked(left, right); base != nil {
			return base, reachedRoot
		}
		reachedRoot = right.step(r) || reachedRoot
		if base := r.bestCommonLocked(left, right); base != nil {
			return base, reachedRoot
		}
	}
	return nil, reachedRoot
}

// bestCommonLocked 在两侧已访问集合的交集中选出 (timestamp, id) 最大的可解析提交
func (r *Repository) bestCommonLocked(a, b *walk) *core.Commit {
	small, large := a, b
	if len(small.visited) > len(large.visited) {
		small, large = large, small
	}
	var best *core.Commit
	for id := range small.visited {
		if _, ok := large.visited[id]; !ok {
			continue
		}
		c := r.commits[id]
		if c == nil || !r.hasRecordLocked(c) {
			continue
		}
		if best == nil || c.After(best) {
			best = c
		}
	}
	return best
}

// walk 是从一个提交出发的逐层祖先遍历
type walk struct {
	visited  map[types.CommitID]struct{}
	frontier []*core.Commit
}

func newWalk(c *core.Commit) *walk {
	return &walk{
		visited:  map[types.CommitID]struct{}{c.ID: {}},
		frontier: []*core.Commit{c},
	}
}

func (w *walk) done() bool { return len(w.frontier) == 0 }

// step 扩展一层父提交；本地缺失的父提交被跳过
// 返回本层是否遇到了根提交
func (w *walk) step(r *Repository) bool {
	reachedRoot := false
	var next []*core.Commit
	for _, c := range w.frontier {
		if c.IsRoot() {
			reachedRoot = true
			continue
		}
		for _, pid := range c.Parents {
			if _, ok := w.visited[pid]; ok {
				continue
			}
			p, ok := r.commits[pid]
			if !ok {
				continue
			}
			w.visited[pid] = struct{}{}
			next = append(next, p)
		}
	}
	w.frontier = next
	return reachedRoot
}

func containsID(ids []types.CommitID, id types.CommitID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
