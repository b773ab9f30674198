package record

import (
	"bytes"
	"fmt"
	"sort"

	"cfdb/pkg/codec"
	"cfdb/pkg/types"
)

// NSSessions 是会话/认证记录所在的命名空间
// 这些记录用于建立信任，永远不做增量压缩
const NSSessions = "sessions"

// Scheme 描述一条记录的结构版本
type Scheme struct {
	Namespace string `cbor:"ns"`
	Version   int    `cbor:"v"`
}

// IsNull 判断是否为空 Scheme (空记录使用)
func (s Scheme) IsNull() bool { return s.Namespace == "" }

// Less 判断 s 的版本是否低于 o
func (s Scheme) Less(o Scheme) bool {
	if s.IsNull() {
		return !o.IsNull()
	}
	return s.Version < o.Version
}

func (s Scheme) String() string {
	if s.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%s/v%d", s.Namespace, s.Version)
}

// Record 是一条文档记录：一个 Scheme 加上一组字段
// 字段值只允许可被 CBOR 编码的类型 (字符串、数字、布尔、数组、map[string]any)
type Record struct {
	Scheme Scheme         `cbor:"s"`
	Data   map[string]any `cbor:"d,omitempty"`
}

// New 创建记录
func New(scheme Scheme, data map[string]any) *Record {
	if data == nil {
		data = make(map[string]any)
	}
	return &Record{Scheme: scheme, Data: data}
}

// Null 返回空记录
// 空记录是所有 Key 的隐式初始状态
func Null() *Record {
	return &Record{Data: make(map[string]any)}
}

// IsNull 判断是否为空记录
func (r *Record) IsNull() bool {
	return r == nil || r.Scheme.IsNull()
}

// Get 读取字段
func (r *Record) Get(field string) (any, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.Data[field]
	return v, ok
}

// Set 写入字段
func (r *Record) Set(field string, value any) {
	if r.Data == nil {
		r.Data = make(map[string]any)
	}
	r.Data[field] = value
}

// Delete 删除字段
func (r *Record) Delete(field string) {
	delete(r.Data, field)
}

// IsDeleted 判断记录是否被软删除 (isDeleted 字段为真值)
func (r *Record) IsDeleted() bool {
	v, ok := r.Get("isDeleted")
	if !ok {
		return false
	}
	return truthy(v)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case uint64:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}

// Checksum 计算记录的内容校验和
// 基于规范化 CBOR 编码，所以与 map 遍历顺序无关
func (r *Record) Checksum() types.Checksum {
	if r == nil {
		r = Null()
	}
	if r.Data == nil {
		r = &Record{Scheme: r.Scheme, Data: map[string]any{}}
	}
	sum, err := codec.Checksum(r)
	if err != nil {
		// 记录只包含可编码的值，编码失败说明调用方塞进了非法类型
		panic(fmt.Sprintf("record: checksum failed: %v", err))
	}
	return sum
}

// IsEqual 判断两条记录内容是否相同
func (r *Record) IsEqual(o *Record) bool {
	if r.IsNull() || o.IsNull() {
		return r.IsNull() && o.IsNull()
	}
	return r.Scheme == o.Scheme && r.Checksum() == o.Checksum()
}

// Clone 深拷贝
func (r *Record) Clone() *Record {
	if r == nil {
		return Null()
	}
	out := &Record{Scheme: r.Scheme, Data: make(map[string]any, len(r.Data))}
	for k, v := range r.Data {
		out.Data[k] = cloneValue(v)
	}
	return out
}

// UpgradeScheme 把记录升级到更高版本的 Scheme
// 命名空间不同时拒绝升级并返回 false；版本只升不降
func (r *Record) UpgradeScheme(s Scheme) bool {
	if s.IsNull() {
		return true
	}
	if !r.Scheme.IsNull() && r.Scheme.Namespace != s.Namespace {
		return false
	}
	if r.Scheme.Less(s) {
		r.Scheme = s
	}
	return true
}

// Fields 返回排序后的字段名
func (r *Record) Fields() []string {
	fields := make([]string, 0, len(r.Data))
	for k := range r.Data {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

func cloneValue(v any) any {
	out, err := codec.Clone(v)
	if err != nil {
		panic(fmt.Sprintf("record: clone failed: %v", err))
	}
	return out
}

func valueEqual(a, b any) bool {
	ea, errA := codec.Marshal(a)
	eb, errB := codec.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}
