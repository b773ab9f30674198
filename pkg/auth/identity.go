package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cfdb/pkg/codec"
)

// identityFile 是本地身份在磁盘上的编码
type identityFile struct {
	ID    string `cbor:"id"`
	Owner string `cbor:"owner"`
	Seed  []byte `cbor:"seed"`
}

// LoadOrCreateIdentity 从 path 读取本地会话；文件不存在时生成新会话并写入
// 文件权限为 0600，其中保存的是私钥种子
func LoadOrCreateIdentity(path, owner string) (*Session, ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var f identityFile
		if err := codec.Unmarshal(data, &f); err != nil {
			return nil, nil, fmt.Errorf("corrupt identity file %s: %w", path, err)
		}
		if len(f.Seed) != ed25519.SeedSize || f.ID == "" {
			return nil, nil, fmt.Errorf("corrupt identity file %s: bad seed", path)
		}
		priv := ed25519.NewKeyFromSeed(f.Seed)
		return &Session{
			ID:        f.ID,
			Owner:     f.Owner,
			PublicKey: priv.Public().(ed25519.PublicKey),
		}, priv, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, nil, fmt.Errorf("failed to read identity: %w", err)
	}

	sess, priv, err := GenerateSession(owner)
	if err != nil {
		return nil, nil, err
	}
	data, err = codec.Marshal(identityFile{ID: sess.ID, Owner: owner, Seed: priv.Seed()})
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, nil, fmt.Errorf("failed to write identity: %w", err)
	}
	return sess, priv, nil
}
