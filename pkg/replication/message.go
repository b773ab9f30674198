package replication

import (
	"errors"
	"fmt"

	"cfdb/pkg/bloom"
	"cfdb/pkg/codec"
	"cfdb/pkg/core"

	"github.com/fxamacker/cbor/v2"
)

var ErrInvalidMessage = errors.New("invalid sync message")

// Message 是一轮同步交换的消息
//
// Filter 覆盖发送方已知的全部提交 id；Commits 是发送方认为接收方缺少的提交
type Message struct {
	BuildVersion string            `cbor:"ver,omitempty"`
	Filter       *bloom.Filter     `cbor:"f"`
	Size         int               `cbor:"s"`
	Commits      []cbor.RawMessage `cbor:"c,omitempty"`
	AccessDenied []string          `cbor:"ad,omitempty"`
}

// Build 构造一条消息
// peerFilter 为空或 includeMissing 为假时只携带过滤器
func Build(peerFilter *bloom.Filter, commits []*core.Commit, peerSize, cycles int, includeMissing bool) (*Message, error) {
	entries := max(len(commits), peerSize)
	filter := bloom.New(max(1, entries), FilterFPR(entries, cycles))
	msg := &Message{Filter: filter, Size: len(commits)}
	for _, c := range commits {
		filter.Add(string(c.ID))
		if peerFilter == nil || !includeMissing || peerFilter.Has(string(c.ID)) {
			continue
		}
		data, err := c.Marshal()
		if err != nil {
			return nil, fmt.Errorf("failed to encode commit %s: %w", c.ID, err)
		}
		msg.Commits = append(msg.Commits, data)
	}
	return msg, nil
}

// Marshal 编码消息
func (m *Message) Marshal() ([]byte, error) {
	return codec.Marshal(m)
}

// UnmarshalMessage 解码消息
func UnmarshalMessage(data []byte) (*Message, error) {
	var m Message
	if err := codec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Filter == nil {
		return nil, fmt.Errorf("%w: missing filter", ErrInvalidMessage)
	}
	return &m, nil
}

// DecodeCommits 解码消息携带的提交
func (m *Message) DecodeCommits() ([]*core.Commit, error) {
	out := make([]*core.Commit, 0, len(m.Commits))
	for _, raw := range m.Commits {
		c, err := core.Unmarshal(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
