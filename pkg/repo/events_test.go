package repo

import (
	"context"
	"sync"
	"testing"
	"time"

	"cfdb/pkg/core"
	"cfdb/pkg/record"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnNewCommit_SyncFanOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var got []*core.Commit
	unsubscribe := f.repo.OnNewCommit(func(c *core.Commit) { got = append(got, c) })

	c, err := f.repo.SetValueForKey(ctx, "k1", record.New(testScheme, map[string]any{"x": 1}), "")
	require.NoError(t, err)
	require.Len(t, got, 1, "sync fan-out notifies before returning")
	assert.Equal(t, c.ID, got[0].ID)

	unsubscribe()
	_, err = f.repo.SetValueForKey(ctx, "k1", record.New(testScheme, map[string]any{"x": 2}), "")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestOnNewCommit_BackgroundFanOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.FanOut = FanOutBackground })

	var (
		mu  sync.Mutex
		got []string
	)
	f.repo.OnNewCommit(func(c *core.Commit) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, c.Key)
	})

	for _, key := range []string{"a", "b", "c"} {
		_, err := f.repo.SetValueForKey(ctx, key, record.New(testScheme, map[string]any{"x": 1}), "")
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got, "background tasks run in order")
}

func TestQueueScheduler_DrainsOnClose(t *testing.T) {
	q := NewQueueScheduler()
	var (
		mu  sync.Mutex
		ran []int
	)
	for i := 0; i < 5; i++ {
		q.Schedule(func() {
			mu.Lock()
			ran = append(ran, i)
			mu.Unlock()
		})
	}
	q.Close()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, ran)

	// 关闭之后的任务被丢弃
	q.Schedule(func() { t.Error("task scheduled after close must not run") })
}
