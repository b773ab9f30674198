package repo

import (
	"context"

	"cfdb/pkg/core"
	"cfdb/pkg/record"
	"cfdb/pkg/types"
)

// SetValueForKey 为 key 写入新值，返回新提交
//
// parent 为空时使用当前客户端视角下最合适的提交作为父提交。
// 值为空记录或与当前值相同时返回 (nil, nil)；
// 写入触发了合并时返回合并提交。
func (r *Repository) SetValueForKey(ctx context.Context, key string, value *record.Record, parent types.CommitID) (*core.Commit, error) {
	r.mu.Lock()
	if _, busy := r.pendingMerges[key]; busy {
		r.mu.Unlock()
		return nil, unavailable("merge in progress for key %q", key)
	}
	if value.IsNull() {
		r.mu.Unlock()
		return nil, nil
	}
	if cur, _ := r.valueForKeyLocked(key); cur.IsEqual(value) {
		r.mu.Unlock()
		return nil, nil
	}

	var parents []types.CommitID
	if !parent.IsZero() {
		if _, ok := r.commits[parent]; !ok {
			r.mu.Unlock()
			return nil, unavailable("parent %s of key %q", parent, key)
		}
		parents = []types.CommitID{parent}
	} else if best := r.pickBestLocked(r.byKey[key]); best != nil {
		parents = []types.CommitID{best.ID}
	}

	filter, count := r.ancestorsFilterLocked(parents)
	c := core.NewCommit(core.Params{
		Key:             key,
		Session:         r.trust.CurrentSession(),
		ConnectionID:    r.opts.ConnectionID,
		OrgID:           r.opts.OrgID,
		Parents:         parents,
		Timestamp:       r.now(),
		Contents:        core.Full{Record: value.Clone()},
		AncestorsFilter: filter,
		AncestorsCount:  count,
		BuildVersion:    r.opts.BuildVersion,
	})
	c = r.deltaCompressLocked(c)
	delete(r.headCache, key)
	r.mu.Unlock()

	signed, err := r.trust.Sign(ctx, c)
	if err != nil {
		return nil, err
	}
	// 签名期间可能有合并开始，入库前再确认一次
	if _, err := r.persistVerified(ctx, []*core.Commit{signed}, key); err != nil {
		return nil, err
	}
	merged, err := r.MergeIfNeeded(ctx, key)
	if err != nil {
		return nil, err
	}
	if merged != nil {
		return merged, nil
	}
	return signed, nil
}

// Rebase 把基于 baseID 的本地编辑重放到当前 head 之上
// 字段级后写者胜，本地编辑优先
func (r *Repository) Rebase(key string, edited *record.Record, baseID types.CommitID) (*record.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	headRec, head := r.valueForKeyLocked(key)
	if head == nil || head.ID == baseID || edited.IsEqual(headRec) {
		return edited, nil
	}

	base := record.Null()
	if !baseID.IsZero() {
		c, ok := r.commits[baseID]
		if !ok {
			return nil, unavailable("rebase base %s of key %q", baseID, key)
		}
		rec, err := r.recordForCommitLocked(c)
		if err != nil {
			return nil, err
		}
		base = rec.Clone()
	}

	// 三者对齐到最高版本的 Scheme
	headRec = headRec.Clone()
	edited = edited.Clone()
	scheme := base.Scheme
	for _, s := range []record.Scheme{headRec.Scheme, edited.Scheme} {
		if scheme.Less(s) {
			scheme = s
		}
	}
	base.UpgradeScheme(scheme)
	headRec.UpgradeScheme(scheme)
	edited.UpgradeScheme(scheme)

	changes := append(record.Diff(base, headRec, false), record.Diff(base, edited, true)...)
	base.Patch(changes)
	return base, nil
}
