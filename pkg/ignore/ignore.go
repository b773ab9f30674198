package ignore

import (
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName 是用户自定义忽略规则的文件名
const FileName = ".cfdbignore"

// sessionsPrefix 下的 key 永远不会被忽略：恢复时需要它们来验证签名
const sessionsPrefix = "sessions/"

// Matcher 判断某个 key 是否应该被排除在备份之外
// 规则语法与 .gitignore 相同，key 去掉开头的 "/" 之后按路径匹配
type Matcher struct {
	ignorer *gitignore.GitIgnore
}

// 默认规则总是生效
var defaultRules = []string{
	// 临时数据
	"tmp",
	"*.tmp",
}

// NewMatcher 初始化忽略匹配器
// rootPath: 查找 .cfdbignore 的目录
func NewMatcher(rootPath string) (*Matcher, error) {
	return NewMatcherFromFile(filepath.Join(rootPath, FileName))
}

// NewMatcherFromFile 用指定文件里的规则加默认规则初始化
// 文件不存在时仅使用默认规则
func NewMatcherFromFile(path string) (*Matcher, error) {
	if path == "" {
		return &Matcher{ignorer: gitignore.CompileIgnoreLines(defaultRules...)}, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &Matcher{ignorer: gitignore.CompileIgnoreLines(defaultRules...)}, nil
		}
		return nil, err
	}
	ignorer, err := gitignore.CompileIgnoreFileAndLines(path, defaultRules...)
	if err != nil {
		return nil, err
	}
	return &Matcher{ignorer: ignorer}, nil
}

// MatchesKey 检查 key 是否匹配忽略规则
// 返回 true 表示跳过；nil Matcher 不忽略任何 key
func (m *Matcher) MatchesKey(key string) bool {
	if m == nil || m.ignorer == nil {
		return false
	}
	path := strings.TrimPrefix(key, "/")
	if path == "" || strings.HasPrefix(path, sessionsPrefix) {
		return false
	}
	return m.ignorer.MatchesPath(path)
}
