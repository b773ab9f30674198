// pkg/types/common.go
package types

import (
	"crypto/sha256"
	"encoding/hex"
)

// CommitID 是 Commit 的全局唯一标识符
// 注意：它与内容无关 (随机生成)，不要把它当作内容哈希使用
type CommitID string

func (id CommitID) String() string { return string(id) }
func (id CommitID) IsZero() bool   { return id == "" }

// Checksum 代表 Record 内容的校验和 (SHA256 Hex String)
// 这是一个"值对象"，应当是不可变的。
type Checksum string

func (c Checksum) String() string { return string(c) }
func (c Checksum) IsZero() bool   { return c == "" }
func (c Checksum) IsValid() bool  { return len(c) == 64 } // 简单的长度检查

// Sum 计算任意字节序列的 Checksum
func Sum(data []byte) Checksum {
	sum := sha256.Sum256(data)
	return Checksum(hex.EncodeToString(sum[:]))
}

// NullKey 是根/系统记录使用的保留 Key
const NullKey = ""
