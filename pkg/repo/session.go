package repo

import (
	"context"

	"cfdb/pkg/core"
)

// PublishSession 把当前会话写入 sessions 命名空间
// 其它副本同步到这条记录后才会信任当前会话签名的提交；已发布时返回 (nil, nil)
func (r *Repository) PublishSession(ctx context.Context) (*core.Commit, error) {
	key, rec := r.trust.CurrentSessionRecord()
	return r.SetValueForKey(ctx, key, rec, "")
}
