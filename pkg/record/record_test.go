package record

import (
	"testing"

	"cfdb/pkg/codec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var notes = Scheme{Namespace: "notes", Version: 1}

func TestRecord_ChecksumIgnoresMapOrder(t *testing.T) {
	a := New(notes, map[string]any{"x": 1, "y": "two", "z": []any{1, 2}})
	b := New(notes, map[string]any{"z": []any{1, 2}, "y": "two", "x": 1})

	assert.Equal(t, a.Checksum(), b.Checksum())
	assert.True(t, a.IsEqual(b))
}

func TestRecord_ChecksumSurvivesEncoding(t *testing.T) {
	r := New(notes, map[string]any{
		"title": "hello",
		"count": 3,
		"score": 0.5,
		"tags":  []any{"a", "b"},
		"meta":  map[string]any{"nested": true},
	})

	data, err := codec.Marshal(r)
	require.NoError(t, err)

	var decoded Record
	require.NoError(t, codec.Unmarshal(data, &decoded))
	assert.Equal(t, r.Checksum(), decoded.Checksum())
}

func TestRecord_NullSemantics(t *testing.T) {
	n := Null()
	assert.True(t, n.IsNull())
	assert.True(t, n.IsEqual(Null()))
	assert.False(t, n.IsEqual(New(notes, nil)))

	var nilRec *Record
	assert.True(t, nilRec.IsNull())
}

func TestRecord_CloneIsDeep(t *testing.T) {
	r := New(notes, map[string]any{"meta": map[string]any{"k": "v"}})
	c := r.Clone()

	c.Data["meta"].(map[string]any)["k"] = "changed"
	assert.Equal(t, "v", r.Data["meta"].(map[string]any)["k"])
}

func TestRecord_UpgradeScheme(t *testing.T) {
	r := New(notes, map[string]any{"x": 1})

	assert.True(t, r.UpgradeScheme(Scheme{Namespace: "notes", Version: 3}))
	assert.Equal(t, 3, r.Scheme.Version)

	// 只升不降
	assert.True(t, r.UpgradeScheme(Scheme{Namespace: "notes", Version: 2}))
	assert.Equal(t, 3, r.Scheme.Version)

	// 命名空间不同
	assert.False(t, r.UpgradeScheme(Scheme{Namespace: "tasks", Version: 9}))

	// 空记录可以升级到任意 Scheme
	n := Null()
	assert.True(t, n.UpgradeScheme(notes))
	assert.Equal(t, notes, n.Scheme)
}

func TestRecord_IsDeleted(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  bool
	}{
		{"true bool", true, true},
		{"false bool", false, false},
		{"number", 1, true},
		{"zero", 0, false},
		{"string", "yes", true},
		{"empty string", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(notes, map[string]any{"isDeleted": tt.value})
			assert.Equal(t, tt.want, r.IsDeleted())
		})
	}
	assert.False(t, New(notes, nil).IsDeleted())
}

func TestDiffPatch_RoundTrip(t *testing.T) {
	a := New(notes, map[string]any{"x": 1, "y": "keep", "gone": true})
	b := New(notes, map[string]any{"x": 2, "y": "keep", "new": []any{"v"}})

	changes := Diff(a, b, false)
	assert.Len(t, changes, 3) // x 修改, new 新增, gone 删除

	patched := a.Clone()
	patched.Patch(changes)
	assert.Equal(t, b.Checksum(), patched.Checksum())
}

func TestPatch_LocalWins(t *testing.T) {
	base := New(notes, map[string]any{"x": 1})
	remote := New(notes, map[string]any{"x": 2})
	local := New(notes, map[string]any{"x": 3})

	// 本地修改在前、远端修改在后，本地仍然胜出
	changes := append(Diff(base, local, true), Diff(base, remote, false)...)
	out := base.Clone()
	out.Patch(changes)
	assert.EqualValues(t, 3, out.Data["x"])

	// 顺序反过来同样如此
	changes = append(Diff(base, remote, false), Diff(base, local, true)...)
	out = base.Clone()
	out.Patch(changes)
	assert.EqualValues(t, 3, out.Data["x"])
}

func TestDiff_Unchanged(t *testing.T) {
	a := New(notes, map[string]any{"x": 1})
	assert.True(t, Diff(a, a.Clone(), false).IsEmpty())
}
