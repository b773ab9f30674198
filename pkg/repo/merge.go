package repo

import (
	"context"
	"errors"

	"cfdb/pkg/core"
	"cfdb/pkg/record"
	"cfdb/pkg/types"

	"github.com/sirupsen/logrus"
)

// createMergeRecordLocked 计算一组提交的 N 路合并结果
//
// 根提交 (并发独立创建) 以相对空记录的 diff 并入；
// 其它提交以相对公共祖先的 diff 并入，本会话的修改在冲突时优先。
func (r *Repository) createMergeRecordLocked(commits []*core.Commit) (*record.Record, *core.Commit, error) {
	var roots, chained []*core.Commit
	scheme := record.Scheme{}
	records := make(map[*core.Commit]*record.Record, len(commits))
	for _, c := range commits {
		rec, err := r.recordForCommitLocked(c)
		if err != nil {
			return nil, nil, err
		}
		invariant(scheme.IsNull() || rec.Scheme.IsNull() || scheme.Namespace == rec.Scheme.Namespace,
			"merge of %s mixes namespaces %s and %s", c.Key, scheme, rec.Scheme)
		if scheme.Less(rec.Scheme) {
			scheme = rec.Scheme
		}
		records[c] = rec
		if c.IsRoot() {
			roots = append(roots, c)
		} else {
			chained = append(chained, c)
		}
	}

	var baseCommit *core.Commit
	base := record.Null()
	switch {
	case len(chained) >= 2:
		mb := r.findMergeBaseLocked(chained)
		if mb.Base != nil {
			baseCommit = mb.Base
			rec, err := r.recordForCommitLocked(mb.Base)
			if err != nil {
				return nil, nil, err
			}
			base = rec.Clone()
		}
		if scheme.Less(mb.Scheme) {
			scheme = mb.Scheme
		}
	case len(chained) == 1:
		baseCommit = chained[0]
		base = records[chained[0]].Clone()
	}
	base.UpgradeScheme(scheme)

	current := r.trust.CurrentSession()
	var changes record.Changes
	for _, c := range roots {
		rec := records[c].Clone()
		rec.UpgradeScheme(scheme)
		changes = append(changes, record.Diff(record.Null(), rec, c.Session == current)...)
	}
	for _, c := range chained {
		rec := records[c].Clone()
		rec.UpgradeScheme(scheme)
		changes = append(changes, record.Diff(base, rec, c.Session == current)...)
	}
	base.Patch(changes)
	return base, baseCommit, nil
}

// createMergeCommitLocked 构建 (未签名的) 合并提交
func (r *Repository) createMergeCommitLocked(key string, commits []*core.Commit) (*core.Commit, error) {
	rec, base, err := r.createMergeRecordLocked(commits)
	if err != nil {
		return nil, err
	}
	parents := make([]types.CommitID, 0, len(commits))
	for _, c := range commits {
		parents = append(parents, c.ID)
	}
	filter, count := r.ancestorsFilterLocked(parents)
	invariant(count > 0 && filter != nil, "merge commit for %q has no ancestors", key)

	p := core.Params{
		Key:             key,
		Session:         r.trust.CurrentSession(),
		ConnectionID:    r.opts.ConnectionID,
		OrgID:           r.opts.OrgID,
		Parents:         parents,
		Timestamp:       r.now(),
		Contents:        core.Full{Record: rec},
		AncestorsFilter: filter,
		AncestorsCount:  count,
		BuildVersion:    r.opts.BuildVersion,
		MergeLeader:     r.trust.CurrentSession(),
	}
	if base != nil {
		p.MergeBase = base.ID
	}
	return r.deltaCompressLocked(core.NewCommit(p)), nil
}

// MergeIfNeeded 在 key 有多个叶子且当前会话是 leader 时创建合并提交
// 不需要合并、不是 leader、已有合并在进行或数据暂不可用时返回 (nil, nil)
func (r *Repository) MergeIfNeeded(ctx context.Context, key string) (*core.Commit, error) {
	r.mu.Lock()
	leaves := r.leavesForKeyLocked(key)
	if len(leaves) <= 1 {
		r.mu.Unlock()
		return nil, nil
	}
	current := r.trust.CurrentSession()
	if leader := r.mergeLeaderLocked(key); leader != current {
		r.mu.Unlock()
		r.log.WithFields(logrus.Fields{"key": key, "leader": leader}).Debug("not merge leader, backing off")
		return nil, nil
	}
	if _, busy := r.pendingMerges[key]; busy {
		r.mu.Unlock()
		return nil, nil
	}
	candidates := r.mergeCandidatesLocked(leaves)
	if len(candidates) <= 1 {
		r.mu.Unlock()
		return nil, nil
	}
	c, err := r.createMergeCommitLocked(key, candidates)
	if err != nil {
		r.mu.Unlock()
		return nil, ignoreUnavailable(err)
	}
	ticket := &mergeTicket{key: key}
	r.pendingMerges[key] = ticket
	r.mu.Unlock()
	defer r.releaseTicket(ticket)

	signed, err := r.trust.Sign(ctx, c)
	if err != nil {
		return nil, err
	}
	if _, err := r.PersistVerifiedCommits(ctx, []*core.Commit{signed}); err != nil {
		return nil, ignoreUnavailable(err)
	}
	r.log.WithFields(logrus.Fields{
		"key":     key,
		"commit":  signed.ID,
		"parents": len(signed.Parents),
	}).Debug("merge commit created")
	return signed, nil
}

// mergeCandidatesLocked 只保留大概率是叶子的提交，并按内容去重
func (r *Repository) mergeCandidatesLocked(leaves []*core.Commit) []*core.Commit {
	seen := make(map[string]bool, len(leaves))
	var out []*core.Commit
	for _, c := range leaves {
		if !r.isProbableLeafLocked(c) {
			continue
		}
		sum := string(c.ContentsChecksum())
		if seen[sum] {
			continue
		}
		seen[sum] = true
		out = append(out, c)
	}
	return out
}

// releaseTicket 只删除仍属于自己的票据
func (r *Repository) releaseTicket(t *mergeTicket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingMerges[t.key] == t {
		delete(r.pendingMerges, t.key)
	}
}

// IsMergePending 判断 key 上是否有合并正在进行
func (r *Repository) IsMergePending(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pendingMerges[key]
	return ok
}

func ignoreUnavailable(err error) error {
	if errors.Is(err, ErrServiceUnavailable) {
		return nil
	}
	return err
}
