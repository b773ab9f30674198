package backup

import (
	"context"
	"errors"
	"io"
)

var ErrNotFound = errors.New("backup object not found")

// ObjectStore 是备份归档的落地位置
// 对象 key 形如 "<repo id>/<时间戳>.cbor.xz"
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List 返回以 prefix 开头的全部 key (按字典序)
	List(ctx context.Context, prefix string) ([]string, error)
}
