package auth

import (
	"cfdb/pkg/core"
	"cfdb/pkg/record"
)

// AllowAll 放行所有读写
func AllowAll(repoID string, c *core.Commit, session string, write bool) bool {
	return true
}

// SameOwner 只允许同一用户的会话访问彼此的提交
// 会话记录本身对所有已知会话可读，否则无法建立信任
func (p *TrustPool) SameOwner(repoID string, c *core.Commit, session string, write bool) bool {
	caller, ok := p.Session(session)
	if !ok {
		return false
	}
	if !write {
		if rec := c.Record(); rec != nil && rec.Scheme.Namespace == record.NSSessions {
			return true
		}
	}
	author, ok := p.Session(c.Session)
	if !ok {
		// 作者未知时只能写入自己的提交
		return write && c.Session == session
	}
	return author.Owner == caller.Owner
}
