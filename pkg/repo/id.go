package repo

import (
	"fmt"
	"strings"
)

// RepoType 是仓库的类别
type RepoType string

const (
	RepoTypeSys  RepoType = "sys"
	RepoTypeData RepoType = "data"
	RepoTypeUser RepoType = "user"
)

// Valid 判断是否为已知类别
func (t RepoType) Valid() bool {
	switch t {
	case RepoTypeSys, RepoTypeData, RepoTypeUser:
		return true
	}
	return false
}

// ID 拼出仓库 id："<type>/<name>"
func ID(typ RepoType, name string) string {
	return fmt.Sprintf("%s/%s", typ, name)
}

// NormalizeID 规范化仓库 id：保证以 "/" 开头且不以 "/" 结尾
func NormalizeID(id string) string {
	if !strings.HasPrefix(id, "/") {
		id = "/" + id
	}
	return strings.TrimSuffix(id, "/")
}

// ParseID 拆出仓库 id 的类别与名字
func ParseID(id string) (RepoType, string, error) {
	parts := strings.SplitN(strings.TrimPrefix(NormalizeID(id), "/"), "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository id %q", id)
	}
	typ := RepoType(parts[0])
	if !typ.Valid() {
		return "", "", fmt.Errorf("unknown repository type %q", parts[0])
	}
	return typ, parts[1], nil
}
