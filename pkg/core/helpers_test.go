package core

import (
	"testing"
	"time"

	"cfdb/pkg/bloom"
	"cfdb/pkg/record"
	"cfdb/pkg/types"

	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 辅助工具
// -----------------------------------------------------------------------------

var notes = record.Scheme{Namespace: "notes", Version: 1}

func fullCommit(key string, data map[string]any, parents ...types.CommitID) *Commit {
	return NewCommit(Params{
		Key:      key,
		Session:  "s1",
		Parents:  parents,
		Contents: Full{Record: record.New(notes, data)},
	})
}

// mustRoundTrip 编码再解码，失败直接终止测试
func mustRoundTrip(t *testing.T, c *Commit, msgAndArgs ...any) *Commit {
	t.Helper()
	data, err := c.Marshal()
	require.NoError(t, err, msgAndArgs...)
	out, err := Unmarshal(data)
	require.NoError(t, err, msgAndArgs...)
	return out
}

func ancestors(ids ...string) *bloom.Filter {
	f := bloom.New(len(ids), 0.25)
	for _, id := range ids {
		f.Add(id)
	}
	return f
}

func at(ms int64) time.Time { return time.UnixMilli(ms) }
