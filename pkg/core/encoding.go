package core

import (
	"bytes"
	"fmt"
	"time"

	"cfdb/pkg/bloom"
	"cfdb/pkg/codec"
	"cfdb/pkg/record"
	"cfdb/pkg/types"
)

// wireCommit 是 Commit 的编码形式
// 字段标签与其他语言的实现保持一致，Map 顺序无关
type wireCommit struct {
	BuildVersion string        `cbor:"ver,omitempty"`
	ID           string        `cbor:"id"`
	Key          string        `cbor:"k,omitempty"`
	Session      string        `cbor:"s"`
	ConnectionID string        `cbor:"cid,omitempty"`
	OrgID        string        `cbor:"org,omitempty"`
	Timestamp    int64         `cbor:"ts"`
	Parents      []string      `cbor:"p,omitempty"`
	Contents     wireContents  `cbor:"c"`
	Ancestors    *bloom.Filter `cbor:"af,omitempty"`
	AncestorsCnt int           `cbor:"ac,omitempty"`
	Signature    string        `cbor:"sig,omitempty"`
	MergeBase    string        `cbor:"mb,omitempty"`
	MergeLeader  string        `cbor:"ml,omitempty"`
	Revert       string        `cbor:"revert,omitempty"`
}

type wireContents struct {
	Record *record.Record `cbor:"r,omitempty"`
	Base   string         `cbor:"b,omitempty"`
	Edit   *Edit          `cbor:"e,omitempty"`
}

func (c *Commit) toWire(withSignature bool) wireCommit {
	w := wireCommit{
		BuildVersion: c.BuildVersion,
		ID:           string(c.ID),
		Key:          c.Key,
		Session:      c.Session,
		ConnectionID: c.ConnectionID,
		OrgID:        c.OrgID,
		Timestamp:    c.Timestamp.UnixMilli(),
		Ancestors:    c.AncestorsFilter,
		AncestorsCnt: c.AncestorsCount,
		MergeBase:    string(c.MergeBase),
		MergeLeader:  c.MergeLeader,
		Revert:       string(c.Revert),
	}
	if withSignature {
		w.Signature = c.Signature
	}
	for _, p := range c.Parents {
		w.Parents = append(w.Parents, string(p))
	}
	switch v := c.Contents.(type) {
	case Full:
		w.Contents.Record = v.Record
	case Delta:
		edit := v.Edit
		w.Contents.Base = string(v.Base)
		w.Contents.Edit = &edit
	}
	return w
}

// Marshal 编码完整提交 (包含签名)
func (c *Commit) Marshal() ([]byte, error) {
	return codec.Marshal(c.toWire(true))
}

// SigningBytes 返回签名覆盖的字节 (不含签名本身)
func (c *Commit) SigningBytes() ([]byte, error) {
	return codec.Marshal(c.toWire(false))
}

// Unmarshal 解码一个提交
func Unmarshal(data []byte) (*Commit, error) {
	var w wireCommit
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommit, err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidCommit)
	}

	c := &Commit{
		ID:              types.CommitID(w.ID),
		Key:             w.Key,
		Session:         w.Session,
		ConnectionID:    w.ConnectionID,
		OrgID:           w.OrgID,
		Timestamp:       time.UnixMilli(w.Timestamp),
		AncestorsFilter: w.Ancestors,
		AncestorsCount:  w.AncestorsCnt,
		BuildVersion:    w.BuildVersion,
		Signature:       w.Signature,
		MergeBase:       types.CommitID(w.MergeBase),
		MergeLeader:     w.MergeLeader,
		Revert:          types.CommitID(w.Revert),
	}
	for _, p := range w.Parents {
		c.Parents = append(c.Parents, types.CommitID(p))
	}

	// 内容必须恰好是两种形式之一
	switch {
	case w.Contents.Record != nil && w.Contents.Edit == nil && w.Contents.Base == "":
		if w.Contents.Record.Data == nil {
			w.Contents.Record.Data = make(map[string]any)
		}
		c.Contents = Full{Record: w.Contents.Record}
	case w.Contents.Record == nil && w.Contents.Edit != nil && w.Contents.Base != "":
		c.Contents = Delta{Base: types.CommitID(w.Contents.Base), Edit: *w.Contents.Edit}
	default:
		return nil, fmt.Errorf("%w: contents must be either a record or a base+edit pair", ErrInvalidCommit)
	}
	return c, nil
}

// Equal 判断两个提交是否值相等 (编码后逐字节比较)
func (c *Commit) Equal(o *Commit) bool {
	if c == nil || o == nil {
		return c == o
	}
	a, errA := c.Marshal()
	b, errB := o.Marshal()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// EncodedSize 返回编码后的字节数
func EncodedSize(v any) int {
	data, err := codec.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
