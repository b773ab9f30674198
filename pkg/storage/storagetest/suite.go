// Package storagetest 提供所有 RepoStorage 实现共享的一致性测试
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"cfdb/pkg/core"
	"cfdb/pkg/record"
	"cfdb/pkg/storage"
	"cfdb/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory 为每个子测试创建一个全新的存储
type Factory func(t *testing.T) storage.RepoStorage

var scheme = record.Scheme{Namespace: "notes", Version: 1}

// NewCommit 构造测试用的完整提交
func NewCommit(key string, data map[string]any, parents ...types.CommitID) *core.Commit {
	return core.NewCommit(core.Params{
		Key:       key,
		Session:   "session-a",
		Parents:   parents,
		Timestamp: time.UnixMilli(1700000000000),
		Contents:  core.Full{Record: record.New(scheme, data)},
	})
}

// Run 执行一致性测试
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("EmptyStore", func(t *testing.T) {
		s := newStore(t)
		n, err := s.NumberOfCommits(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = s.GetCommit(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("PersistAndRead", func(t *testing.T) {
		s := newStore(t)
		a := NewCommit("k1", map[string]any{"x": 1})
		b := NewCommit("k1", map[string]any{"x": 2}, a.ID)
		c := NewCommit("k2", map[string]any{"y": "z"})

		persisted, err := s.PersistCommits(ctx, []*core.Commit{a, b, c})
		require.NoError(t, err)
		assert.Len(t, persisted, 3)

		n, err := s.NumberOfCommits(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		got, err := s.GetCommit(ctx, b.ID)
		require.NoError(t, err)
		assert.True(t, b.Equal(got), "stored commit must be value-equal")

		forKey, err := s.CommitsForKey(ctx, "k1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []types.CommitID{a.ID, b.ID}, ids(forKey))

		keys, err := s.AllKeys(ctx)
		require.NoError(t, err)
		sort.Strings(keys)
		assert.Equal(t, []string{"k1", "k2"}, keys)

		all, err := s.AllCommitIDs(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []types.CommitID{a.ID, b.ID, c.ID}, all)
	})

	t.Run("NullKey", func(t *testing.T) {
		s := newStore(t)
		root := NewCommit(types.NullKey, map[string]any{"root": true})
		_, err := s.PersistCommits(ctx, []*core.Commit{root})
		require.NoError(t, err)

		forKey, err := s.CommitsForKey(ctx, types.NullKey)
		require.NoError(t, err)
		require.Len(t, forKey, 1)
		assert.Equal(t, root.ID, forKey[0].ID)
	})

	t.Run("IdempotentPersist", func(t *testing.T) {
		s := newStore(t)
		a := NewCommit("k1", map[string]any{"x": 1})

		first, err := s.PersistCommits(ctx, []*core.Commit{a})
		require.NoError(t, err)
		assert.Len(t, first, 1)

		second, err := s.PersistCommits(ctx, []*core.Commit{a, a})
		require.NoError(t, err)
		assert.Empty(t, second, "re-persisting the same commit must be a no-op")

		n, err := s.NumberOfCommits(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("RejectsMismatch", func(t *testing.T) {
		s := newStore(t)
		a := NewCommit("k1", map[string]any{"x": 1})
		_, err := s.PersistCommits(ctx, []*core.Commit{a})
		require.NoError(t, err)

		forged := core.NewCommit(core.Params{
			ID:        a.ID,
			Key:       "k1",
			Session:   "session-a",
			Timestamp: a.Timestamp,
			Contents:  core.Full{Record: record.New(scheme, map[string]any{"x": 999})},
		})
		other := NewCommit("k3", map[string]any{"q": 1})

		_, err = s.PersistCommits(ctx, []*core.Commit{other, forged})
		assert.ErrorIs(t, err, storage.ErrCommitMismatch)

		// 整批都不应写入
		_, err = s.GetCommit(ctx, other.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		got, err := s.GetCommit(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, a.Equal(got), "original commit must survive")
	})

	t.Run("DeltaCommit", func(t *testing.T) {
		s := newStore(t)
		base := record.New(scheme, map[string]any{"x": 1})
		next := record.New(scheme, map[string]any{"x": 2})
		a := NewCommit("k1", base.Data)
		d := core.NewCommit(core.Params{
			Key:     "k1",
			Session: "session-a",
			Parents: []types.CommitID{a.ID},
			Contents: core.Delta{Base: a.ID, Edit: core.Edit{
				Changes:     record.Diff(base, next, false),
				SrcChecksum: base.Checksum(),
				DstChecksum: next.Checksum(),
			}},
		})
		_, err := s.PersistCommits(ctx, []*core.Commit{a, d})
		require.NoError(t, err)

		got, err := s.GetCommit(ctx, d.ID)
		require.NoError(t, err)
		assert.True(t, got.IsDelta())
		assert.True(t, d.Equal(got))
	})

	t.Run("ManyCommits", func(t *testing.T) {
		s := newStore(t)
		var batch []*core.Commit
		for i := 0; i < 120; i++ {
			batch = append(batch, NewCommit(fmt.Sprintf("key-%d", i%7), map[string]any{"i": i}))
		}
		persisted, err := s.PersistCommits(ctx, batch)
		require.NoError(t, err)
		assert.Len(t, persisted, 120)

		keys, err := s.AllKeys(ctx)
		require.NoError(t, err)
		assert.Len(t, keys, 7)
	})
}

func ids(commits []*core.Commit) []types.CommitID {
	out := make([]types.CommitID, 0, len(commits))
	for _, c := range commits {
		out = append(out, c.ID)
	}
	return out
}
