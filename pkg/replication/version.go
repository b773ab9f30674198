package replication

import (
	"strings"

	"golang.org/x/mod/semver"
)

// BuildVersion 是本进程的协议版本，发布时通过 -ldflags 覆盖
var BuildVersion = "v0.1.0"

// CompareVersions 比较两个构建版本，缺少 "v" 前缀时自动补齐
// 任何一方无法解析时视为相等，开发构建之间互不阻塞
func CompareVersions(a, b string) int {
	a, b = canonical(a), canonical(b)
	if !semver.IsValid(a) || !semver.IsValid(b) {
		return 0
	}
	return semver.Compare(a, b)
}

func canonical(v string) string {
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
