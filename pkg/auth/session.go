package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"cfdb/pkg/record"

	"github.com/google/uuid"
)

var ErrInvalidSession = errors.New("invalid session record")

// SessionScheme 是会话记录的 Scheme
var SessionScheme = record.Scheme{Namespace: record.NSSessions, Version: 1}

// Session 是一个经过认证的身份 (用户 + 设备)
type Session struct {
	ID         string
	Owner      string
	PublicKey  ed25519.PublicKey
	Expiration time.Time // 零值表示永不过期
}

// GenerateSession 生成新会话和对应的私钥
func GenerateSession(owner string) (*Session, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	return &Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		PublicKey: pub,
	}, priv, nil
}

// Key 返回会话记录在仓库中的 Key
func (s *Session) Key() string {
	return "/sessions/" + s.ID
}

// IsExpired 判断会话在 now 时刻是否已过期
func (s *Session) IsExpired(now time.Time) bool {
	return !s.Expiration.IsZero() && now.After(s.Expiration)
}

// ToRecord 把会话编码为 sessions 命名空间下的记录
func (s *Session) ToRecord() *record.Record {
	data := map[string]any{
		"id":        s.ID,
		"owner":     s.Owner,
		"publicKey": base64.StdEncoding.EncodeToString(s.PublicKey),
	}
	if !s.Expiration.IsZero() {
		data["expiration"] = s.Expiration.UnixMilli()
	}
	return record.New(SessionScheme, data)
}

// SessionFromRecord 从记录还原会话
func SessionFromRecord(rec *record.Record) (*Session, error) {
	if rec.IsNull() || rec.Scheme.Namespace != record.NSSessions {
		return nil, fmt.Errorf("%w: wrong scheme %s", ErrInvalidSession, rec.Scheme)
	}

	id, _ := rec.Data["id"].(string)
	owner, _ := rec.Data["owner"].(string)
	encoded, _ := rec.Data["publicKey"].(string)
	if id == "" || encoded == "" {
		return nil, fmt.Errorf("%w: missing id or public key", ErrInvalidSession)
	}
	pub, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad public key", ErrInvalidSession)
	}

	s := &Session{ID: id, Owner: owner, PublicKey: ed25519.PublicKey(pub)}
	switch v := rec.Data["expiration"].(type) {
	case int64:
		s.Expiration = time.UnixMilli(v)
	case uint64:
		s.Expiration = time.UnixMilli(int64(v))
	case int:
		s.Expiration = time.UnixMilli(int64(v))
	}
	return s, nil
}
