package repo

import (
	"context"
	"errors"
	"fmt"

	"cfdb/pkg/core"
	"cfdb/pkg/logging"
	"cfdb/pkg/record"
	"cfdb/pkg/storage"
	"cfdb/pkg/types"

	"github.com/sirupsen/logrus"
)

// VerifyCommits 按签名和写权限把提交分成通过与被拒两组
// session 为空表示以仓库所有者身份写入，只做签名检查
func (r *Repository) VerifyCommits(commits []*core.Commit, session string) (ok []*core.Commit, denied []*core.Commit) {
	current := r.trust.CurrentSession()
	for _, c := range commits {
		if !r.trust.Verify(c) {
			denied = append(denied, c)
			continue
		}
		if session != "" && session != current && r.opts.Authorizer != nil &&
			!r.opts.Authorizer(r.id, c, session, true) {
			denied = append(denied, c)
			continue
		}
		ok = append(ok, c)
	}
	return ok, denied
}

// PersistCommits 验证并持久化来自其它副本的提交
// 返回新加入的提交与被拒绝的提交 id；新提交涉及的 key 会尝试合并
func (r *Repository) PersistCommits(ctx context.Context, commits []*core.Commit, session string) ([]*core.Commit, []types.CommitID, error) {
	// 会话记录先入库，同一批次里由这些会话签名的数据才能通过验证
	var sessions, rest []*core.Commit
	for _, c := range commits {
		if rec := c.Record(); rec != nil && rec.Scheme.Namespace == record.NSSessions {
			sessions = append(sessions, c)
		} else {
			rest = append(rest, c)
		}
	}

	var (
		fresh     []*core.Commit
		deniedIDs []types.CommitID
	)
	for _, group := range [][]*core.Commit{sessions, rest} {
		if len(group) == 0 {
			continue
		}
		ok, denied := r.VerifyCommits(group, session)
		for _, c := range denied {
			deniedIDs = append(deniedIDs, c.ID)
		}
		persisted, err := r.PersistVerifiedCommits(ctx, ok)
		fresh = append(fresh, persisted...)
		if err != nil {
			return fresh, deniedIDs, err
		}
	}
	if len(deniedIDs) > 0 {
		logging.Metric(r.log, "CommitsDenied", float64(len(deniedIDs)), "count", logrus.Fields{"session": session})
	}

	seen := make(map[string]bool)
	for _, c := range fresh {
		if seen[c.Key] {
			continue
		}
		seen[c.Key] = true
		if _, err := r.MergeIfNeeded(ctx, c.Key); err != nil {
			return fresh, deniedIDs, err
		}
	}
	return fresh, deniedIDs, nil
}

// PersistVerifiedCommits 持久化已经验证过的提交，把它们并入内存图并通知观察者
// 返回真正新加入的提交
func (r *Repository) PersistVerifiedCommits(ctx context.Context, commits []*core.Commit) ([]*core.Commit, error) {
	return r.persistVerified(ctx, commits, "")
}

// persistVerified guardKey 非空时，在锁内确认该 key 上没有进行中的合并
func (r *Repository) persistVerified(ctx context.Context, commits []*core.Commit, guardKey string) ([]*core.Commit, error) {
	candidates, err := r.filterIncoming(commits, guardKey)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// 1. 分批写入存储 (不持有锁)
	var (
		fresh    []*core.Commit
		fatalErr error
	)
	batchSize := r.opts.PersistBatchSize
loop:
	for start := 0; start < len(candidates); start += batchSize {
		end := min(start+batchSize, len(candidates))
		batch := candidates[start:end]

		persisted, err := r.storage.PersistCommits(ctx, batch)
		switch {
		case err == nil:
			fresh = append(fresh, persisted...)
		case errors.Is(err, storage.ErrBusy):
			logging.Metric(r.log, "PersistBusy", float64(len(candidates)-start), "count", nil)
			break loop
		case errors.Is(err, storage.ErrCommitMismatch):
			// 整批被拒，逐个重试以隔离冲突的提交
			single, busy, err := r.persistOneByOne(ctx, batch)
			fresh = append(fresh, single...)
			if err != nil {
				fatalErr = err
				break loop
			}
			if busy {
				break loop
			}
		default:
			fatalErr = fmt.Errorf("failed to persist commits: %w", err)
			break loop
		}
	}

	// 2. 并入内存图并使派生缓存失效
	sessions := r.integrate(fresh)

	// 3. 新会话进入信任池
	for _, rec := range sessions {
		if err := r.trust.RegisterSession(rec); err != nil {
			r.log.WithError(err).Warn("failed to register session")
		}
	}

	r.emit(fresh)
	return fresh, fatalErr
}

// filterIncoming 过滤掉其它组织的提交和已知提交
func (r *Repository) filterIncoming(commits []*core.Commit, guardKey string) ([]*core.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if guardKey != "" {
		if _, busy := r.pendingMerges[guardKey]; busy {
			return nil, unavailable("merge in progress for key %q", guardKey)
		}
	}
	seen := make(map[types.CommitID]bool, len(commits))
	out := make([]*core.Commit, 0, len(commits))
	for _, c := range commits {
		if r.opts.OrgID != "" && c.OrgID != "" && c.OrgID != r.opts.OrgID {
			continue
		}
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		if existing, ok := r.commits[c.ID]; ok {
			if !existing.Equal(c) {
				r.log.WithField("commit", c.ID).Warn("commit id reused with different contents")
				logging.Metric(r.log, "CommitMismatch", 1, "count", logrus.Fields{"key": c.Key})
			}
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *Repository) persistOneByOne(ctx context.Context, batch []*core.Commit) ([]*core.Commit, bool, error) {
	var fresh []*core.Commit
	for i, c := range batch {
		persisted, err := r.storage.PersistCommits(ctx, []*core.Commit{c})
		switch {
		case err == nil:
			fresh = append(fresh, persisted...)
		case errors.Is(err, storage.ErrCommitMismatch):
			r.log.WithField("commit", c.ID).Warn("storage rejected commit with mismatched contents")
			logging.Metric(r.log, "CommitMismatch", 1, "count", logrus.Fields{"key": c.Key})
		case errors.Is(err, storage.ErrBusy):
			logging.Metric(r.log, "PersistBusy", float64(len(batch)-i), "count", nil)
			return fresh, true, nil
		default:
			return fresh, false, fmt.Errorf("failed to persist commit %s: %w", c.ID, err)
		}
	}
	return fresh, false, nil
}

// integrate 把新持久化的提交并入内存图
// 返回需要注册到信任池的会话记录
func (r *Repository) integrate(fresh []*core.Commit) []*record.Record {
	if len(fresh) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make(map[string]bool)
	sessionKeys := make(map[string]bool)
	for _, c := range fresh {
		if r.integrateLocked(c) {
			keys[c.Key] = true
			if c.Scheme().Namespace == record.NSSessions {
				sessionKeys[c.Key] = true
			}
		}
	}

	now := r.now()
	for key := range keys {
		if e, ok := r.headCache[key]; !ok || now.Sub(e.at) >= r.opts.HeadCacheTTL {
			delete(r.valueCache, key)
		}
	}
	for _, c := range fresh {
		if r.isProbableLeafLocked(c) {
			delete(r.headCache, c.Key)
		}
	}
	clear(r.authorized)

	var sessions []*record.Record
	for key := range sessionKeys {
		head := r.headForKeyLocked(key)
		if head == nil {
			continue
		}
		rec, err := r.recordForCommitLocked(head)
		if err != nil || rec.Scheme.Namespace != record.NSSessions {
			continue
		}
		sessions = append(sessions, rec.Clone())
	}
	return sessions
}
