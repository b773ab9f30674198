package backup

import (
	"errors"
	"fmt"
	"io"
	"time"

	"cfdb/pkg/codec"
	"cfdb/pkg/core"

	"github.com/fxamacker/cbor/v2"
	"github.com/ulikunitz/xz"
)

const archiveVersion = 1

var ErrInvalidArchive = errors.New("invalid backup archive")

// Archive 是一个仓库在某一时刻的提交快照
type Archive struct {
	Version   int               `cbor:"v"`
	RepoID    string            `cbor:"r"`
	CreatedAt int64             `cbor:"ts"` // unix 毫秒
	Commits   []cbor.RawMessage `cbor:"c"`
}

// WriteArchive 把提交编码为 xz 压缩的 CBOR 写入 w
func WriteArchive(w io.Writer, repoID string, createdAt time.Time, commits []*core.Commit) error {
	a := Archive{Version: archiveVersion, RepoID: repoID, CreatedAt: createdAt.UnixMilli()}
	for _, c := range commits {
		data, err := c.Marshal()
		if err != nil {
			return fmt.Errorf("failed to encode commit %s: %w", c.ID, err)
		}
		a.Commits = append(a.Commits, data)
	}
	data, err := codec.Marshal(a)
	if err != nil {
		return err
	}

	zw, err := xz.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// ReadArchive 解码归档，返回元信息和提交
func ReadArchive(r io.Reader) (*Archive, []*core.Commit, error) {
	zr, err := xz.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	var a Archive
	if err := codec.Unmarshal(data, &a); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	if a.Version != archiveVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidArchive, a.Version)
	}
	commits := make([]*core.Commit, 0, len(a.Commits))
	for _, raw := range a.Commits {
		c, err := core.Unmarshal(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		commits = append(commits, c)
	}
	return &a, commits, nil
}
