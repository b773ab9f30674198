package repo

import (
	"errors"

	"cfdb/pkg/core"
	"cfdb/pkg/logging"
	"cfdb/pkg/record"
	"cfdb/pkg/types"

	"github.com/sirupsen/logrus"
)

// recordForCommitLocked 物化提交对应的完整记录
//
// 返回值可能是缓存中的共享实例，调用方修改前必须 Clone。
// 增量的基础提交缺失时返回 ErrServiceUnavailable；
// 校验和不匹配时把提交标记为损坏并返回该 Key 最近的可用记录，不会报错。
func (r *Repository) recordForCommitLocked(c *core.Commit) (*record.Record, error) {
	rec, err := r.resolveLocked(c, nil)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return r.latestGoodRecordLocked(c.Key), nil
	}
	return rec, nil
}

// resolveLocked 沿增量链物化记录，不做任何回退
// 提交或它的基础链上有损坏时返回 nil 记录，并把提交标记为损坏。
// visiting 记录当前链上的提交，用来识别成环的增量链。
func (r *Repository) resolveLocked(c *core.Commit, visiting map[types.CommitID]bool) (*record.Record, error) {
	if rec, ok := r.recordCache.Get(c.ID); ok {
		return rec, nil
	}
	if r.corrupted[c.ID] {
		return nil, nil
	}

	switch v := c.Contents.(type) {
	case core.Full:
		r.recordCache.Add(c.ID, v.Record)
		return v.Record, nil

	case core.Delta:
		if visiting[c.ID] {
			r.markCorruptedLocked(c, "delta chain cycle")
			return nil, nil
		}
		base, ok := r.commits[v.Base]
		if !ok {
			return nil, unavailable("base %s of commit %s is missing", v.Base, c.ID)
		}
		if visiting == nil {
			visiting = make(map[types.CommitID]bool)
		}
		visiting[c.ID] = true
		baseRec, err := r.resolveLocked(base, visiting)
		if err != nil {
			return nil, err
		}
		if baseRec == nil || baseRec.Checksum() != v.Edit.SrcChecksum {
			r.markCorruptedLocked(c, "src checksum mismatch")
			return nil, nil
		}
		rec := baseRec.Clone()
		if v.Edit.Scheme != nil {
			rec.UpgradeScheme(*v.Edit.Scheme)
		}
		rec.Patch(v.Edit.Changes)
		if rec.Checksum() != v.Edit.DstChecksum {
			r.markCorruptedLocked(c, "dst checksum mismatch")
			return nil, nil
		}
		r.recordCache.Add(c.ID, rec)
		return rec, nil
	}

	invariant(false, "commit %s has unknown contents %T", c.ID, c.Contents)
	return nil, nil
}

func (r *Repository) markCorruptedLocked(c *core.Commit, reason string) {
	r.corrupted[c.ID] = true
	r.recordCache.Remove(c.ID)
	r.log.WithFields(logrus.Fields{"commit": c.ID, "key": c.Key, "reason": reason}).Warn("corrupted commit detected")
	logging.Metric(r.log, "CommitsCorrupted", 1, "count", logrus.Fields{"key": c.Key})
}

// latestGoodRecordLocked 按时间降序找最近一个未损坏且可解析的记录
func (r *Repository) latestGoodRecordLocked(key string) *record.Record {
	for _, c := range r.commitsForKeyDescLocked(key) {
		if r.corrupted[c.ID] {
			continue
		}
		rec, err := r.resolveLocked(c, nil)
		if err != nil || rec == nil {
			continue
		}
		return rec
	}
	return record.Null()
}

// hasRecordLocked 判断提交是否可以被正常解析 (不缺数据且未损坏)
func (r *Repository) hasRecordLocked(c *core.Commit) bool {
	rec, err := r.resolveLocked(c, nil)
	return err == nil && rec != nil
}

// RecordForCommit 返回提交物化后的记录副本
func (r *Repository) RecordForCommit(id types.CommitID) (*record.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commits[id]
	if !ok {
		return nil, unavailable("commit %s", id)
	}
	rec, err := r.recordForCommitLocked(c)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// IsCorrupted 判断提交是否已被标记为损坏
func (r *Repository) IsCorrupted(id types.CommitID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.corrupted[id]
}

// -----------------------------------------------------------------------------
// Head
// -----------------------------------------------------------------------------

// pickBestLocked 为当前客户端挑选一个提交：
// 本连接 > 本会话 > 最新的可解析提交
func (r *Repository) pickBestLocked(candidates []*core.Commit) *core.Commit {
	sorted := append([]*core.Commit(nil), candidates...)
	core.SortDesc(sorted)
	session := r.trust.CurrentSession()

	var bySession, newest *core.Commit
	for _, c := range sorted {
		if !r.hasRecordLocked(c) {
			continue
		}
		if c.ConnectionID == r.opts.ConnectionID {
			return c
		}
		if bySession == nil && c.Session == session {
			bySession = c
		}
		if newest == nil {
			newest = c
		}
	}
	if bySession != nil {
		return bySession
	}
	return newest
}

// headForKeyLocked 返回 Key 当前的 head；没有可用提交时返回 nil
func (r *Repository) headForKeyLocked(key string) *core.Commit {
	if e, ok := r.headCache[key]; ok {
		if r.now().Sub(e.at) < r.opts.HeadCacheTTL && e.commit.ConnectionID == r.opts.ConnectionID {
			return e.commit
		}
	}

	var head *core.Commit
	leaves := r.leavesForKeyLocked(key)
	switch len(leaves) {
	case 0:
	case 1:
		head = leaves[0]
	default:
		head = r.pickBestLocked(leaves)
	}
	if head == nil {
		head = r.pickBestLocked(r.byKey[key])
	}
	if head != nil {
		r.headCache[key] = headEntry{commit: head, at: r.now()}
	}
	return head
}

// HeadForKey 返回 Key 的当前 head 提交
func (r *Repository) HeadForKey(key string) (*core.Commit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	head := r.headForKeyLocked(key)
	return head, head != nil
}

// valueForKeyLocked 返回 head 的记录；结果按 head id 缓存
func (r *Repository) valueForKeyLocked(key string) (*record.Record, *core.Commit) {
	head := r.headForKeyLocked(key)
	if head == nil {
		return record.Null(), nil
	}
	if e, ok := r.valueCache[key]; ok && e.head == head.ID {
		return e.rec, head
	}
	rec, err := r.recordForCommitLocked(head)
	if err != nil {
		// head 一定是可解析的；能走到这里说明图在解析过程中被改坏了
		invariant(errors.Is(err, ErrServiceUnavailable), "unexpected resolve error: %v", err)
		return record.Null(), nil
	}
	if !r.corrupted[head.ID] {
		r.valueCache[key] = valueEntry{head: head.ID, rec: rec}
	}
	return rec, head
}

// ValueForKey 返回 Key 的当前值 (副本)；不存在时返回空记录
func (r *Repository) ValueForKey(key string) *record.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, _ := r.valueForKeyLocked(key)
	return rec.Clone()
}
