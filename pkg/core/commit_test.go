package core

import (
	"testing"

	"cfdb/pkg/codec"
	"cfdb/pkg/record"
	"cfdb/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommit_Defaults(t *testing.T) {
	c := fullCommit("k1", map[string]any{"x": 1}, "a", "b", "a", "")

	assert.False(t, c.ID.IsZero(), "id must be generated")
	assert.False(t, c.Timestamp.IsZero())
	assert.Equal(t, []types.CommitID{"a", "b"}, c.Parents, "parents deduplicated, order kept")
	assert.False(t, c.IsRoot())
	assert.False(t, c.IsDelta())
}

func TestCommit_FullRoundTrip(t *testing.T) {
	c := NewCommit(Params{
		Key:             "k1",
		Session:         "s1",
		ConnectionID:    "conn-1",
		Parents:         []types.CommitID{"p1"},
		Timestamp:       at(1700000000123),
		Contents:        Full{Record: record.New(notes, map[string]any{"x": 1, "tags": []any{"a"}})},
		AncestorsFilter: ancestors("p1"),
		AncestorsCount:  1,
		BuildVersion:    "1.2.3",
		MergeBase:       "p0",
		MergeLeader:     "s1",
	}).WithSignature("sig")

	out := mustRoundTrip(t, c)

	assert.True(t, c.Equal(out))
	assert.Equal(t, c.Timestamp, out.Timestamp)
	assert.Equal(t, c.ContentsChecksum(), out.ContentsChecksum())
	assert.True(t, out.AncestorsFilter.Has("p1"))
	assert.Equal(t, "sig", out.Signature)
}

func TestCommit_DeltaRoundTrip(t *testing.T) {
	base := record.New(notes, map[string]any{"x": 1})
	next := record.New(notes, map[string]any{"x": 2, "flag": false})

	c := NewCommit(Params{
		Key:     "k1",
		Session: "s1",
		Parents: []types.CommitID{"base"},
		Contents: Delta{Base: "base", Edit: Edit{
			Changes:     record.Diff(base, next, false),
			SrcChecksum: base.Checksum(),
			DstChecksum: next.Checksum(),
		}},
	})

	out := mustRoundTrip(t, c)
	require.True(t, out.IsDelta())

	d := out.Contents.(Delta)
	patched := base.Clone()
	patched.Patch(d.Edit.Changes)
	assert.Equal(t, next.Checksum(), patched.Checksum(), "false values must survive encoding")
	assert.Equal(t, next.Checksum(), out.ContentsChecksum())
}

func TestCommit_SigningBytesExcludeSignature(t *testing.T) {
	c := fullCommit("k1", map[string]any{"x": 1})
	a, err := c.SigningBytes()
	require.NoError(t, err)

	b, err := c.WithSignature("abc").SigningBytes()
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.False(t, c.Equal(c.WithSignature("abc")))
}

func TestUnmarshal_RejectsAmbiguousContents(t *testing.T) {
	tests := []struct {
		name string
		wire wireCommit
	}{
		{"missing id", wireCommit{Session: "s", Contents: wireContents{Record: record.New(notes, nil)}}},
		{"no contents", wireCommit{ID: "x", Session: "s"}},
		{"both forms", wireCommit{ID: "x", Session: "s", Contents: wireContents{
			Record: record.New(notes, nil), Base: "b", Edit: &Edit{},
		}}},
		{"edit without base", wireCommit{ID: "x", Session: "s", Contents: wireContents{Edit: &Edit{}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := codec.Marshal(tt.wire)
			require.NoError(t, err)
			_, err = Unmarshal(data)
			assert.ErrorIs(t, err, ErrInvalidCommit)
		})
	}
}

func TestSortDesc(t *testing.T) {
	a := NewCommit(Params{ID: "a", Timestamp: at(1000), Contents: Full{Record: record.Null()}})
	b := NewCommit(Params{ID: "b", Timestamp: at(2000), Contents: Full{Record: record.Null()}})
	c := NewCommit(Params{ID: "c", Timestamp: at(2000), Contents: Full{Record: record.Null()}})

	list := []*Commit{a, b, c}
	SortDesc(list)

	// 相同时间戳按 id 降序
	assert.Equal(t, []types.CommitID{"c", "b", "a"}, []types.CommitID{list[0].ID, list[1].ID, list[2].ID})
}

func TestWithContents_ClearsSignature(t *testing.T) {
	c := fullCommit("k1", map[string]any{"x": 1}).WithSignature("sig")
	d := c.WithContents(Delta{Base: "b", Edit: Edit{}})

	assert.Empty(t, d.Signature)
	assert.Equal(t, c.ID, d.ID)
	assert.False(t, c.IsDelta(), "original must stay untouched")
}
