package repo

import (
	"context"
	"testing"
	"time"

	"cfdb/pkg/record"
	"cfdb/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetValueForKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// 1. 首次写入产生根提交
	v1 := record.New(testScheme, map[string]any{"title": "hello"})
	c1, err := f.repo.SetValueForKey(ctx, "note", v1, "")
	require.NoError(t, err)
	require.NotNil(t, c1)
	assert.True(t, c1.IsRoot())
	assert.Equal(t, f.pool.CurrentSession(), c1.Session)
	assert.Equal(t, f.repo.ConnectionID(), c1.ConnectionID)
	assert.True(t, f.pool.Verify(c1))

	// 2. 值不变是空操作
	same, err := f.repo.SetValueForKey(ctx, "note", v1.Clone(), "")
	require.NoError(t, err)
	assert.Nil(t, same)

	// 3. 空记录不会写入
	none, err := f.repo.SetValueForKey(ctx, "note", record.Null(), "")
	require.NoError(t, err)
	assert.Nil(t, none)

	// 4. 第二次写入以上一次为父提交
	f.clock.Advance(time.Second)
	v2 := record.New(testScheme, map[string]any{"title": "world"})
	c2, err := f.repo.SetValueForKey(ctx, "note", v2, "")
	require.NoError(t, err)
	require.NotNil(t, c2)
	assert.Equal(t, []types.CommitID{c1.ID}, c2.Parents)
	assert.Equal(t, 1, c2.AncestorsCount)
	assert.True(t, c2.AncestorsFilter.Has(string(c1.ID)))

	head, ok := f.repo.HeadForKey("note")
	require.True(t, ok)
	assert.Equal(t, c2.ID, head.ID)
	assert.True(t, f.repo.ValueForKey("note").IsEqual(v2))
}

func TestSetValueForKey_ExplicitParent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.repo.SetValueForKey(ctx, "note", record.New(testScheme, map[string]any{"v": 1}), "missing")
	assert.ErrorIs(t, err, ErrServiceUnavailable)

	a, _, _ := f.k1Graph(t)
	c, err := f.repo.SetValueForKey(ctx, "k1", record.New(testScheme, map[string]any{"x": 42}), a.ID)
	require.NoError(t, err)
	require.NotNil(t, c)
	// 写入制造了第三个叶子，当前会话是 leader，所以返回的是合并提交
	assert.Len(t, c.Parents, 3)
	assert.Equal(t, f.pool.CurrentSession(), c.MergeLeader)

	v, _ := f.repo.ValueForKey("k1").Get("x")
	assert.EqualValues(t, 42, v, "local writes win the merge")
}

func TestRebase(t *testing.T) {
	f := newFixture(t)
	ts := f.clock.Now().Add(-time.Minute)
	a := remote("s1", "k1", map[string]any{"x": 1, "y": 1}, ts)
	f.persist(t, a)

	// 1. head 没变，原样返回
	edited := record.New(testScheme, map[string]any{"x": 1, "y": 5})
	out, err := f.repo.Rebase("k1", edited, a.ID)
	require.NoError(t, err)
	assert.Same(t, edited, out)

	// 2. 远端修改了 x，本地修改了 y，两者都保留
	b := remote("s2", "k1", map[string]any{"x": 2, "y": 1}, ts.Add(time.Second), a.ID)
	f.persist(t, b)

	out, err = f.repo.Rebase("k1", edited, a.ID)
	require.NoError(t, err)
	x, _ := out.Get("x")
	y, _ := out.Get("y")
	assert.EqualValues(t, 2, x)
	assert.EqualValues(t, 5, y)

	// 3. 同一字段冲突时本地优先
	conflict := record.New(testScheme, map[string]any{"x": 7, "y": 1})
	out, err = f.repo.Rebase("k1", conflict, a.ID)
	require.NoError(t, err)
	x, _ = out.Get("x")
	assert.EqualValues(t, 7, x)

	// 4. 编辑的基础不在本地
	_, err = f.repo.Rebase("k1", edited, "missing")
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestRebase_UpgradesScheme(t *testing.T) {
	f := newFixture(t)
	ts := f.clock.Now().Add(-time.Minute)
	v2 := record.Scheme{Namespace: "notes", Version: 2}
	a := remote("s1", "k1", map[string]any{"x": 1}, ts)
	b := remoteWithScheme("s2", "k1", v2, map[string]any{"x": 1, "z": 1}, ts.Add(time.Second), a.ID)
	f.persist(t, a, b)

	out, err := f.repo.Rebase("k1", record.New(testScheme, map[string]any{"x": 3}), a.ID)
	require.NoError(t, err)
	assert.Equal(t, v2, out.Scheme)
}

func TestSetValueForKey_MergeStartedWhileSigning(t *testing.T) {
	ctx := context.Background()
	blocking := newBlockingPool(newTestPool(t, "alice"))
	f := newFixture(t, func(o *Options) { o.TrustPool = blocking })

	done := make(chan error, 1)
	go func() {
		_, err := f.repo.SetValueForKey(ctx, "note", record.New(testScheme, map[string]any{"title": "hello"}), "")
		done <- err
	}()

	// 写入停在签名处时，另一个合并拿到了票据
	<-blocking.entered
	ticket := &mergeTicket{key: "note"}
	f.repo.mu.Lock()
	f.repo.pendingMerges["note"] = ticket
	f.repo.mu.Unlock()

	close(blocking.release)
	assert.ErrorIs(t, <-done, ErrServiceUnavailable)
	assert.Empty(t, f.repo.CommitsForKey("note", ""))

	f.repo.releaseTicket(ticket)
	c, err := f.repo.SetValueForKey(ctx, "note", record.New(testScheme, map[string]any{"title": "hello"}), "")
	require.NoError(t, err)
	assert.NotNil(t, c)
}
