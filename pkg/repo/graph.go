package repo

import (
	"math"

	"cfdb/pkg/bloom"
	"cfdb/pkg/core"
	"cfdb/pkg/types"
)

// hasChildrenLocked 判断是否有任何已知提交把 id 当作父提交
func (r *Repository) hasChildrenLocked(id types.CommitID) bool {
	return len(r.children[id]) > 0
}

// leavesForKeyLocked 返回精确叶子：没有入边且可以解析出记录
// 同一个 connection 只保留最新的一个
func (r *Repository) leavesForKeyLocked(key string) []*core.Commit {
	var leaves []*core.Commit
	for _, c := range r.byKey[key] {
		if r.hasChildrenLocked(c.ID) || !r.hasRecordLocked(c) {
			continue
		}
		leaves = append(leaves, c)
	}
	return latestPerConnection(leaves)
}

// latestPerConnection 按 connectionId 折叠，结果按时间降序
func latestPerConnection(commits []*core.Commit) []*core.Commit {
	sorted := append([]*core.Commit(nil), commits...)
	core.SortDesc(sorted)
	seen := make(map[string]bool, len(sorted))
	out := sorted[:0]
	for _, c := range sorted {
		if c.ConnectionID != "" {
			if seen[c.ConnectionID] {
				continue
			}
			seen[c.ConnectionID] = true
		}
		out = append(out, c)
	}
	return out
}

// leafSampleSize 返回 ceil(2·log₄(n))，即 ceil(log₂(n))
func leafSampleSize(n int) int {
	if n <= 1 {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(n))))
}

// isProbableLeafLocked 在图不完整时用祖先过滤器判断 c 是否 (大概率) 是叶子
func (r *Repository) isProbableLeafLocked(c *core.Commit) bool {
	if r.hasChildrenLocked(c.ID) {
		return false
	}
	all := r.commitsForKeyDescLocked(c.Key)
	sample := leafSampleSize(len(r.commits))
	if len(all) < sample {
		return true
	}

	now := r.now()
	current := r.trust.CurrentSession()
	for _, s := range all[:sample] {
		if s.ID == c.ID || !s.After(c) {
			continue
		}
		if !s.AncestorsFilter.Has(string(c.ID)) {
			continue
		}
		// 自己的写入可信；刚出现的提交还没来得及被别人看到，不足以下结论
		if s.Session == current || now.Sub(s.Timestamp) <= r.opts.GracePeriod {
			continue
		}
		return false
	}
	return true
}

// ancestorsLocked 返回从 parents 出发可达的全部祖先 id (包含 parents 本身)
// 本地缺失的提交也计入，只是不再继续展开
func (r *Repository) ancestorsLocked(parents []types.CommitID) map[types.CommitID]struct{} {
	visited := make(map[types.CommitID]struct{})
	queue := append([]types.CommitID(nil), parents...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		if c, ok := r.commits[id]; ok {
			queue = append(queue, c.Parents...)
		}
	}
	return visited
}

// ancestorsFilterLocked 为新提交构建祖先过滤器；根提交返回 (nil, 0)
func (r *Repository) ancestorsFilterLocked(parents []types.CommitID) (*bloom.Filter, int) {
	if len(parents) == 0 {
		return nil, 0
	}
	ancestors := r.ancestorsLocked(parents)
	f := bloom.New(len(ancestors), r.opts.AncestorsFPR)
	for id := range ancestors {
		f.Add(string(id))
	}
	return f, len(ancestors)
}

// LeavesForKey 返回 key 的精确叶子 (按时间降序)
func (r *Repository) LeavesForKey(key string) []*core.Commit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leavesForKeyLocked(key)
}

// IsProbableLeaf 判断提交是否大概率是叶子；未知提交返回 false
func (r *Repository) IsProbableLeaf(id types.CommitID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commits[id]
	return ok && r.isProbableLeafLocked(c)
}
