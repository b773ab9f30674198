package replication

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"cfdb/pkg/auth"
	"cfdb/pkg/logging"
	"cfdb/pkg/record"
	"cfdb/pkg/repo"
	"cfdb/pkg/storage/memory"

	"github.com/stretchr/testify/require"
)

var notesScheme = record.Scheme{Namespace: "notes", Version: 1}

// fastConfig 让一次 Sync 跑很多轮，小集合下的假阳性不会卡住收敛
var fastConfig = Config{
	MinSyncFreq:    time.Millisecond,
	MaxSyncFreq:    10 * time.Millisecond,
	SyncDuration:   20 * time.Millisecond,
	MaxExtraCycles: 10,
}

func newRepo(t *testing.T, owner string, mutate ...func(*repo.Options)) *repo.Repository {
	t.Helper()
	sess, priv, err := auth.GenerateSession(owner)
	require.NoError(t, err)

	opts := repo.DefaultOptions()
	opts.ID = repo.ID(repo.RepoTypeData, "notes")
	opts.TrustPool = auth.NewTrustPool(sess, priv, logging.Discard())
	opts.FanOut = repo.FanOutSync
	opts.Logger = logging.Discard()
	for _, m := range mutate {
		m(&opts)
	}

	r, err := repo.Open(context.Background(), memory.NewStore(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	_, err = r.PublishSession(context.Background())
	require.NoError(t, err)
	return r
}

func put(t *testing.T, r *repo.Repository, key string, data map[string]any) {
	t.Helper()
	_, err := r.SetValueForKey(context.Background(), key, record.New(notesScheme, data), "")
	require.NoError(t, err)
}

// loopback 把消息编码再解码后直接交给对端的 Responder
type loopback struct {
	responder *Responder
	session   string
	calls     atomic.Int32
}

func (l *loopback) Send(ctx context.Context, _ string, msg *Message) (*Message, error) {
	l.calls.Add(1)
	req, err := roundTrip(msg)
	if err != nil {
		return nil, err
	}
	resp, err := l.responder.Handle(ctx, l.session, req)
	if err != nil {
		return nil, err
	}
	return roundTrip(resp)
}

func roundTrip(msg *Message) (*Message, error) {
	data, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	return UnmarshalMessage(data)
}

type brokenTransport struct{}

func (brokenTransport) Send(context.Context, string, *Message) (*Message, error) {
	return nil, errors.New("connection refused")
}

type countingToucher struct{ n atomic.Int32 }

func (c *countingToucher) Touch() { c.n.Add(1) }

func pair(t *testing.T, local, remote *repo.Repository, opts ...ClientOption) (*Client, *loopback) {
	t.Helper()
	lb := &loopback{
		responder: NewResponder(remote, nil, logging.Discard()),
		session:   local.Session(),
	}
	opts = append([]ClientOption{WithConfig(fastConfig), WithLogger(logging.Discard())}, opts...)
	return NewClient(local, lb, opts...), lb
}

// syncUntil 反复 Sync 直到 done 为真
func syncUntil(t *testing.T, c *Client, done func() bool) {
	t.Helper()
	for i := 0; i < 10 && !done(); i++ {
		_, err := c.Sync(context.Background())
		require.NoError(t, err)
	}
	require.True(t, done(), "replicas did not converge")
}
