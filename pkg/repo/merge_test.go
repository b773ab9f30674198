package repo

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"cfdb/pkg/core"
	"cfdb/pkg/record"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindMergeBase_K1(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.k1Graph(t)

	mb, err := f.repo.FindMergeBase(b.ID, c.ID)
	require.NoError(t, err)
	require.NotNil(t, mb.Base)
	assert.Equal(t, a.ID, mb.Base.ID)
	assert.Len(t, mb.Included, 2)
	assert.Equal(t, testScheme, mb.Scheme)
}

func TestFindMergeBase_DegenerateCases(t *testing.T) {
	f := newFixture(t)
	ts := f.clock.Now().Add(-time.Minute)
	a := remote("s1", "k1", map[string]any{"x": 1}, ts)
	b := remote("s1", "k1", map[string]any{"x": 2}, ts.Add(time.Second), a.ID)
	c := remote("s1", "k1", map[string]any{"x": 3}, ts.Add(2*time.Second), b.ID)
	other := remote("s1", "k2", map[string]any{"x": 1}, ts)
	otherChild := remote("s1", "k2", map[string]any{"x": 2}, ts.Add(time.Second), other.ID)
	f.persist(t, a, b, c, other, otherChild)

	r := f.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	t.Run("RootHasNoBase", func(t *testing.T) {
		base, root := r.lcaLocked(a, c)
		assert.Nil(t, base)
		assert.True(t, root)
	})
	t.Run("DifferentKeys", func(t *testing.T) {
		base, root := r.lcaLocked(c, otherChild)
		assert.Nil(t, base)
		assert.False(t, root)
	})
	t.Run("ParentChild", func(t *testing.T) {
		base, _ := r.lcaLocked(c, b)
		require.NotNil(t, base)
		assert.Equal(t, b.ID, base.ID)
	})
	t.Run("Ancestor", func(t *testing.T) {
		d := remote("s1", "k1", map[string]any{"x": 9}, ts.Add(3*time.Second), a.ID)
		base, _ := r.lcaLocked(c, d)
		require.NotNil(t, base)
		assert.Equal(t, a.ID, base.ID)
	})
}

func TestFindMergeBase_EqualContentsIsNoOp(t *testing.T) {
	f := newFixture(t)
	ts := f.clock.Now().Add(-time.Minute)
	a := remote("s1", "k1", map[string]any{"x": 1}, ts)
	b := remote("s1", "k1", map[string]any{"x": 2}, ts.Add(time.Second), a.ID)
	c := remote("s2", "k1", map[string]any{"x": 2}, ts.Add(2*time.Second), a.ID)
	f.persist(t, a, b, c)

	mb, err := f.repo.FindMergeBase(b.ID, c.ID)
	require.NoError(t, err)
	require.NotNil(t, mb.Base)
	assert.Equal(t, b.ID, mb.Base.ID, "the earlier of two equal commits is the base")

	// 内容相同的叶子去重后只剩一个，不需要合并
	merged, err := f.repo.MergeIfNeeded(context.Background(), "k1")
	require.NoError(t, err)
	assert.Nil(t, merged)
}

func TestFindMergeBase_NamespaceMismatchPanics(t *testing.T) {
	f := newFixture(t)
	ts := f.clock.Now().Add(-time.Minute)
	a := remote("s1", "k1", map[string]any{"x": 1}, ts)
	b := remote("s1", "k1", map[string]any{"x": 2}, ts.Add(time.Second), a.ID)
	c := remoteWithScheme("s2", "k1", record.Scheme{Namespace: "tasks", Version: 1},
		map[string]any{"x": 3}, ts.Add(2*time.Second), a.ID)
	f.persist(t, a, b, c)

	assert.Panics(t, func() { _, _ = f.repo.FindMergeBase(b.ID, c.ID) })
}

func TestMergeIfNeeded_K1Scenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, b, c := f.k1Graph(t)

	// 1. 只有当前会话活跃，所以当前会话就是 leader
	assert.Equal(t, f.pool.CurrentSession(), f.repo.MergeLeader("k1"))

	// 2. 合并出 D
	d, err := f.repo.MergeIfNeeded(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.ElementsMatch(t, []string{string(b.ID), string(c.ID)}, []string{string(d.Parents[0]), string(d.Parents[1])})
	assert.Equal(t, f.pool.CurrentSession(), d.MergeLeader)
	assert.NotEmpty(t, d.MergeBase)
	assert.Equal(t, 3, d.AncestorsCount)
	assert.NotEmpty(t, d.Signature)

	// 3. head 收敛到 D
	head, ok := f.repo.HeadForKey("k1")
	require.True(t, ok)
	assert.Equal(t, d.ID, head.ID)

	// 4. 再次调用不会产生新的合并
	again, err := f.repo.MergeIfNeeded(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestMergeIfNeeded_ConcurrentRoots(t *testing.T) {
	f := newFixture(t)
	ts := f.clock.Now().Add(-time.Minute)
	r1 := remote("s1", "k1", map[string]any{"a": 1}, ts)
	r2 := remote("s2", "k1", map[string]any{"b": 2}, ts.Add(time.Second))
	f.persist(t, r1, r2)

	d, err := f.repo.MergeIfNeeded(context.Background(), "k1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Empty(t, d.MergeBase)

	v := f.repo.ValueForKey("k1")
	a, _ := v.Get("a")
	b, _ := v.Get("b")
	assert.EqualValues(t, 1, a)
	assert.EqualValues(t, 2, b)
}

func TestMergeIfNeeded_SchemeNeverRegresses(t *testing.T) {
	f := newFixture(t)
	ts := f.clock.Now().Add(-time.Minute)
	v1 := record.Scheme{Namespace: "notes", Version: 1}
	v3 := record.Scheme{Namespace: "notes", Version: 3}
	a := remoteWithScheme("s1", "k1", v1, map[string]any{"x": 1}, ts)
	b := remoteWithScheme("s1", "k1", v3, map[string]any{"x": 2}, ts.Add(time.Second), a.ID)
	c := remoteWithScheme("s2", "k1", v1, map[string]any{"y": 1}, ts.Add(2*time.Second), a.ID)
	f.persist(t, a, b, c)

	d, err := f.repo.MergeIfNeeded(context.Background(), "k1")
	require.NoError(t, err)
	require.NotNil(t, d)

	rec, err := f.repo.RecordForCommit(d.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Scheme.Version)
}

func TestMergeIfNeeded_AtMostOnePerKey(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, "alice")
	blocking := newBlockingPool(pool)
	f := newFixture(t, func(o *Options) { o.TrustPool = blocking })
	f.k1Graph(t)

	// 1. 第一个合并在签名处阻塞
	type result struct {
		c   *core.Commit
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := f.repo.MergeIfNeeded(ctx, "k1")
		done <- result{c, err}
	}()
	<-blocking.entered
	assert.True(t, f.repo.IsMergePending("k1"))

	// 2. 并发的第二次调用立即返回 nil
	second, err := f.repo.MergeIfNeeded(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, second)

	// 3. 合并进行中拒绝写入
	_, err = f.repo.SetValueForKey(ctx, "k1", record.New(testScheme, map[string]any{"x": 7}), "")
	assert.ErrorIs(t, err, ErrServiceUnavailable)

	// 4. 放行第一个合并
	close(blocking.release)
	first := <-done
	require.NoError(t, first.err)
	require.NotNil(t, first.c)
	assert.False(t, f.repo.IsMergePending("k1"))

	merges := 0
	for _, c := range f.repo.CommitsForKey("k1", "") {
		if c.MergeLeader != "" {
			merges++
		}
	}
	assert.Equal(t, 1, merges)
}

func TestMergeIfNeeded_NonLeaderBacksOff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	current := f.pool.CurrentSession()
	const peer = "peer-session"

	sessions := []string{current, peer}
	sort.Strings(sessions)
	ring := rendezvous.New(sessions, xxhash.Sum64String)
	key := ""
	for i := 0; i < 1000; i++ {
		k := fmt.Sprintf("key-%d", i)
		if ring.Lookup(k) == peer {
			key = k
			break
		}
	}
	require.NotEmpty(t, key)

	now := f.clock.Now()
	a := remote("s-root", key, map[string]any{"x": 1}, now.Add(-time.Minute))
	b := remote(peer, key, map[string]any{"x": 2}, now.Add(-time.Second), a.ID)
	c := remote("s-two", key, map[string]any{"x": 3}, now.Add(-time.Minute).Add(time.Second), a.ID)
	f.persist(t, a, b, c)

	assert.Equal(t, peer, f.repo.MergeLeader(key))
	merged, err := f.repo.MergeIfNeeded(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, merged)
	assert.Equal(t, 3, f.repo.NumberOfCommits(""))

	// peer 超出活跃窗口之后由当前会话接手
	f.clock.Advance(10 * time.Second)
	assert.Equal(t, current, f.repo.MergeLeader(key))
	merged, err = f.repo.MergeIfNeeded(ctx, key)
	require.NoError(t, err)
	assert.NotNil(t, merged)
}
