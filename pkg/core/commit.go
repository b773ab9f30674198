package core

import (
	"errors"
	"sort"
	"time"

	"cfdb/pkg/bloom"
	"cfdb/pkg/record"
	"cfdb/pkg/types"

	"github.com/google/uuid"
)

var ErrInvalidCommit = errors.New("invalid commit encoding")

// Commit 是某个 Key 历史 DAG 中的一个不可变节点
// 创建之后不允许修改；需要"修改"时使用 With* 方法得到一个新副本
type Commit struct {
	ID           types.CommitID
	Key          string
	Session      string
	ConnectionID string
	OrgID        string

	// Parents 为空表示这是该 Key 的根提交
	Parents   []types.CommitID
	Timestamp time.Time

	Contents Contents

	// AncestorsFilter 覆盖创建时可达的 (近似) 全部祖先
	AncestorsFilter *bloom.Filter
	AncestorsCount  int

	BuildVersion string
	Signature    string
	MergeBase    types.CommitID
	MergeLeader  string
	Revert       types.CommitID
}

// Params 用于构造新的 Commit
type Params struct {
	ID              types.CommitID // 为空时随机生成
	Key             string
	Session         string
	ConnectionID    string
	OrgID           string
	Parents         []types.CommitID
	Timestamp       time.Time // 为零值时取当前时间
	Contents        Contents
	AncestorsFilter *bloom.Filter
	AncestorsCount  int
	BuildVersion    string
	MergeBase       types.CommitID
	MergeLeader     string
	Revert          types.CommitID
}

// NewCommit 创建一个新的 Commit
func NewCommit(p Params) *Commit {
	id := p.ID
	if id.IsZero() {
		id = types.CommitID(uuid.NewString())
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Commit{
		ID:              id,
		Key:             p.Key,
		Session:         p.Session,
		ConnectionID:    p.ConnectionID,
		OrgID:           p.OrgID,
		Parents:         dedupe(p.Parents),
		Timestamp:       time.UnixMilli(ts.UnixMilli()), // 与编码精度保持一致 (毫秒)
		Contents:        p.Contents,
		AncestorsFilter: p.AncestorsFilter,
		AncestorsCount:  p.AncestorsCount,
		BuildVersion:    p.BuildVersion,
		MergeBase:       p.MergeBase,
		MergeLeader:     p.MergeLeader,
		Revert:          p.Revert,
	}
}

// dedupe 去重但保持原有顺序
func dedupe(ids []types.CommitID) []types.CommitID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[types.CommitID]struct{}, len(ids))
	out := make([]types.CommitID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id.IsZero() {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// IsRoot 判断是否为根提交
func (c *Commit) IsRoot() bool { return len(c.Parents) == 0 }

// IsDelta 判断内容是否为增量形式
func (c *Commit) IsDelta() bool {
	_, ok := c.Contents.(Delta)
	return ok
}

// Record 返回完整记录；增量提交返回 nil
func (c *Commit) Record() *record.Record {
	if f, ok := c.Contents.(Full); ok {
		return f.Record
	}
	return nil
}

// ContentsChecksum 返回内容校验和
// 增量提交返回目标校验和，即物化后记录应有的校验和
func (c *Commit) ContentsChecksum() types.Checksum {
	if c.Contents == nil {
		return ""
	}
	return c.Contents.Checksum()
}

// Scheme 返回提交内容的 Scheme (增量提交可能没有)
func (c *Commit) Scheme() record.Scheme {
	switch v := c.Contents.(type) {
	case Full:
		return v.Record.Scheme
	case Delta:
		if v.Edit.Scheme != nil {
			return *v.Edit.Scheme
		}
	}
	return record.Scheme{}
}

// After 按 (timestamp, id) 比较：c 是否比 o 更新
func (c *Commit) After(o *Commit) bool {
	if !c.Timestamp.Equal(o.Timestamp) {
		return c.Timestamp.After(o.Timestamp)
	}
	return c.ID > o.ID
}

// SortDesc 按 (timestamp, id) 降序原地排序
func SortDesc(commits []*Commit) {
	sort.Slice(commits, func(i, j int) bool { return commits[i].After(commits[j]) })
}

// clone 返回浅拷贝 (内容本身也是不可变的，所以浅拷贝足够)
func (c *Commit) clone() *Commit {
	cp := *c
	cp.Parents = append([]types.CommitID(nil), c.Parents...)
	return &cp
}

// WithContents 返回一个替换了内容的副本 (用于增量压缩)
func (c *Commit) WithContents(contents Contents) *Commit {
	cp := c.clone()
	cp.Contents = contents
	cp.Signature = ""
	return cp
}

// WithSignature 返回一个带签名的副本
func (c *Commit) WithSignature(sig string) *Commit {
	cp := c.clone()
	cp.Signature = sig
	return cp
}
