package repo

import (
	"errors"
	"fmt"
)

// ErrServiceUnavailable 是瞬时错误：数据尚未同步到本地、合并进行中，或无权访问
// 调用方应稍后重试，而不是把它当作永久失败
var ErrServiceUnavailable = errors.New("service unavailable")

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrServiceUnavailable, fmt.Sprintf(format, args...))
}

// invariant 用于不变量检查，失败即说明程序有 bug
func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("repo: invariant violated: "+format, args...))
	}
}
