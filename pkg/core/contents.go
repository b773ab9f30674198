package core

import (
	"cfdb/pkg/record"
	"cfdb/pkg/types"
)

// Contents 是 Commit 内容的标签联合：Full 或 Delta
type Contents interface {
	isContents()
	Checksum() types.Checksum
}

// Full 是完整快照
type Full struct {
	Record *record.Record
}

func (Full) isContents() {}

func (f Full) Checksum() types.Checksum { return f.Record.Checksum() }

// Delta 是相对于 Base 提交的增量
type Delta struct {
	Base types.CommitID
	Edit Edit
}

func (Delta) isContents() {}

func (d Delta) Checksum() types.Checksum { return d.Edit.DstChecksum }

// Edit 描述从源记录到目标记录的字段修改
type Edit struct {
	Changes     record.Changes `cbor:"c"`
	SrcChecksum types.Checksum `cbor:"sc"`
	DstChecksum types.Checksum `cbor:"dc"`
	// Scheme 不为空时表示这次修改伴随 Scheme 升级
	Scheme *record.Scheme `cbor:"s,omitempty"`
}
