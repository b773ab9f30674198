package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcher_Defaults(t *testing.T) {
	// 1. 空目录，没有 .cfdbignore
	matcher, err := NewMatcher(t.TempDir())
	require.NoError(t, err)

	tests := []struct {
		key      string
		shouldIg bool
	}{
		{"/tmp", true},
		{"/tmp/scratch", true}, // 子 key 也应该被忽略
		{"notes/draft.tmp", true},
		{"/notes/1", false},
		{"/sessions/abc", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.shouldIg, matcher.MatchesKey(tt.key), "key: %s", tt.key)
		})
	}
}

func TestMatcher_WithUserFile(t *testing.T) {
	tmpDir := t.TempDir()

	// 1. 写入自定义规则
	content := `
# 这是注释
cache
*.draft
sessions
!keep.draft
`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, FileName), []byte(content), 0o644))

	matcher, err := NewMatcher(tmpDir)
	require.NoError(t, err)

	tests := []struct {
		key      string
		shouldIg bool
	}{
		// --- 默认规则依然要生效 ---
		{"/tmp/x", true},

		// --- 用户规则生效 ---
		{"/cache", true},
		{"/cache/users/1", true},
		{"/notes/a.draft", true},

		// --- 正常 key ---
		{"/notes/1", false},

		// --- 负向规则 ---
		{"/keep.draft", false},

		// --- 会话永远保留 ---
		{"/sessions/abc", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.shouldIg, matcher.MatchesKey(tt.key), "key: %s", tt.key)
		})
	}
}

func TestMatcher_Nil(t *testing.T) {
	var m *Matcher
	assert.False(t, m.MatchesKey("/tmp"))

	m, err := NewMatcherFromFile(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.True(t, m.MatchesKey("/tmp"))
}
