package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"cfdb/pkg/core"
	"cfdb/pkg/record"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

var ErrUnknownSession = errors.New("unknown session")

// TrustPool 持有当前会话的私钥和所有已知会话的公钥
// 签名使用 Ed25519 (jwt 的 EdDSA 实现)，签名覆盖提交的规范化编码
type TrustPool struct {
	mu       sync.RWMutex
	current  *Session
	priv     ed25519.PrivateKey
	sessions map[string]*Session
	now      func() time.Time
	log      logrus.FieldLogger
}

func NewTrustPool(current *Session, priv ed25519.PrivateKey, log logrus.FieldLogger) *TrustPool {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TrustPool{
		current:  current,
		priv:     priv,
		sessions: map[string]*Session{current.ID: current},
		now:      time.Now,
		log:      log.WithField("component", "trust"),
	}
}

// CurrentSession 返回当前会话 id
func (p *TrustPool) CurrentSession() string {
	return p.current.ID
}

// Current 返回当前会话
func (p *TrustPool) Current() *Session {
	return p.current
}

// CurrentSessionRecord 返回当前会话在 sessions 命名空间下的 key 和记录
func (p *TrustPool) CurrentSessionRecord() (string, *record.Record) {
	return p.current.Key(), p.current.ToRecord()
}

// AddSession 信任一个会话
func (p *TrustPool) AddSession(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[s.ID] = s
}

// Session 查询已知会话
func (p *TrustPool) Session(id string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	return s, ok
}

// RegisterSession 从 sessions 命名空间的记录中还原并信任会话
func (p *TrustPool) RegisterSession(rec *record.Record) error {
	s, err := SessionFromRecord(rec)
	if err != nil {
		return err
	}
	p.AddSession(s)
	p.log.WithFields(logrus.Fields{"session": s.ID, "owner": s.Owner}).Debug("session trusted")
	return nil
}

// Sign 用当前会话的私钥签名，返回带签名的副本
func (p *TrustPool) Sign(ctx context.Context, c *core.Commit) (*core.Commit, error) {
	if c.Session != p.current.ID {
		return nil, fmt.Errorf("cannot sign commit %s for foreign session %s", c.ID, c.Session)
	}
	payload, err := c.SigningBytes()
	if err != nil {
		return nil, err
	}
	sig, err := jwt.SigningMethodEdDSA.Sign(string(payload), p.priv)
	if err != nil {
		return nil, fmt.Errorf("failed to sign commit %s: %w", c.ID, err)
	}
	return c.WithSignature(base64.RawURLEncoding.EncodeToString(sig)), nil
}

// Verify 检查提交签名
// 未知会话的 sessions 命名空间提交允许用记录自带的公钥自证 (信任引导)
func (p *TrustPool) Verify(c *core.Commit) bool {
	if c.Signature == "" {
		return false
	}
	s, ok := p.Session(c.Session)
	if !ok {
		s = p.selfSignedSession(c)
		if s == nil {
			return false
		}
	}
	if s.IsExpired(p.now()) {
		return false
	}

	sig, err := base64.RawURLEncoding.DecodeString(c.Signature)
	if err != nil {
		return false
	}
	payload, err := c.SigningBytes()
	if err != nil {
		return false
	}
	return jwt.SigningMethodEdDSA.Verify(string(payload), sig, s.PublicKey) == nil
}

func (p *TrustPool) selfSignedSession(c *core.Commit) *Session {
	rec := c.Record()
	if rec == nil || rec.Scheme.Namespace != record.NSSessions {
		return nil
	}
	s, err := SessionFromRecord(rec)
	if err != nil || s.ID != c.Session {
		return nil
	}
	return s
}
