package repo

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

// activeSessionsLocked 返回 ActivityWindow 内有过提交的会话，总是包含当前会话
func (r *Repository) activeSessionsLocked() []string {
	current := r.trust.CurrentSession()
	cutoff := r.now().Add(-r.opts.ActivityWindow)
	sessions := []string{current}
	for s, ts := range r.sessionSeen {
		if s != current && ts.After(cutoff) {
			sessions = append(sessions, s)
		}
	}
	sort.Strings(sessions)
	return sessions
}

// mergeLeaderLocked 用 rendezvous 哈希为 key 选出合并 leader
// 各副本在相同的活跃会话集合上会独立得出相同的结果
func (r *Repository) mergeLeaderLocked(key string) string {
	return rendezvous.New(r.activeSessionsLocked(), xxhash.Sum64String).Lookup(key)
}

// MergeLeader 返回 key 当前的合并 leader
func (r *Repository) MergeLeader(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mergeLeaderLocked(key)
}
