package auth

import (
	"context"
	"testing"
	"time"

	"cfdb/pkg/core"
	"cfdb/pkg/logging"
	"cfdb/pkg/record"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTrustPool(t *testing.T, owner string) *TrustPool {
	t.Helper()
	s, priv, err := GenerateSession(owner)
	require.NoError(t, err)
	return NewTrustPool(s, priv, logging.Discard())
}

func commitFor(session string, rec *record.Record) *core.Commit {
	return core.NewCommit(core.Params{Key: "k1", Session: session, Contents: core.Full{Record: rec}})
}

func TestTrustPool_SignVerify(t *testing.T) {
	ctx := context.Background()
	pool := mustTrustPool(t, "alice")

	c := commitFor(pool.CurrentSession(), record.New(record.Scheme{Namespace: "notes", Version: 1}, map[string]any{"x": 1}))
	signed, err := pool.Sign(ctx, c)
	require.NoError(t, err)

	assert.NotEmpty(t, signed.Signature)
	assert.True(t, pool.Verify(signed))
	assert.False(t, pool.Verify(c), "unsigned commits are never trusted")

	// 签名后篡改内容
	tampered := signed.WithContents(core.Full{Record: record.New(record.Scheme{Namespace: "notes", Version: 1}, map[string]any{"x": 2})}).
		WithSignature(signed.Signature)
	assert.False(t, pool.Verify(tampered))
}

func TestTrustPool_RefusesForeignSession(t *testing.T) {
	pool := mustTrustPool(t, "alice")
	_, err := pool.Sign(context.Background(), commitFor("someone-else", record.Null()))
	assert.Error(t, err)
}

func TestTrustPool_SessionBootstrap(t *testing.T) {
	ctx := context.Background()
	alice := mustTrustPool(t, "alice")
	bob := mustTrustPool(t, "bob")

	// bob 的普通提交在 alice 这里不可信
	note := commitFor(bob.CurrentSession(), record.New(record.Scheme{Namespace: "notes", Version: 1}, nil))
	signedNote, err := bob.Sign(ctx, note)
	require.NoError(t, err)
	assert.False(t, alice.Verify(signedNote))

	// bob 的会话记录可以自证
	sessCommit := core.NewCommit(core.Params{
		Key:      bob.Current().Key(),
		Session:  bob.CurrentSession(),
		Contents: core.Full{Record: bob.Current().ToRecord()},
	})
	signedSess, err := bob.Sign(ctx, sessCommit)
	require.NoError(t, err)
	assert.True(t, alice.Verify(signedSess))

	// 注册之后 bob 的其他提交也可信了
	require.NoError(t, alice.RegisterSession(signedSess.Record()))
	assert.True(t, alice.Verify(signedNote))
}

func TestTrustPool_ExpiredSession(t *testing.T) {
	pool := mustTrustPool(t, "alice")
	pool.current.Expiration = time.Now().Add(-time.Minute)

	signed, err := pool.Sign(context.Background(), commitFor(pool.CurrentSession(), record.Null()))
	require.NoError(t, err)
	assert.False(t, pool.Verify(signed))
}

func TestSession_RecordRoundTrip(t *testing.T) {
	s, _, err := GenerateSession("carol")
	require.NoError(t, err)
	s.Expiration = time.UnixMilli(1900000000000)

	out, err := SessionFromRecord(s.ToRecord())
	require.NoError(t, err)
	assert.Equal(t, s.ID, out.ID)
	assert.Equal(t, s.Owner, out.Owner)
	assert.Equal(t, s.PublicKey, out.PublicKey)
	assert.True(t, s.Expiration.Equal(out.Expiration))

	_, err = SessionFromRecord(record.New(record.Scheme{Namespace: "notes", Version: 1}, nil))
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestSameOwner(t *testing.T) {
	alice := mustTrustPool(t, "alice")
	aliceLaptop, _, err := GenerateSession("alice")
	require.NoError(t, err)
	mallory, _, err := GenerateSession("mallory")
	require.NoError(t, err)
	alice.AddSession(aliceLaptop)
	alice.AddSession(mallory)

	c := commitFor(alice.CurrentSession(), record.New(record.Scheme{Namespace: "notes", Version: 1}, nil))
	assert.True(t, alice.SameOwner("repo", c, aliceLaptop.ID, false))
	assert.False(t, alice.SameOwner("repo", c, mallory.ID, false))
	assert.False(t, alice.SameOwner("repo", c, "unknown", false))

	sess := commitFor(alice.CurrentSession(), alice.Current().ToRecord())
	assert.True(t, alice.SameOwner("repo", sess, mallory.ID, false), "session records are world readable")
}
