package codec

import (
	"fmt"
	"reflect"

	"cfdb/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

// 规范化 (Canonical) CBOR 编码选项
// 同一个值永远编码成同一串字节，Checksum 和签名都依赖这一点
var encOptions = cbor.EncOptions{
	// 1. 强制 Map Key 排序
	Sort: cbor.SortCanonical,

	// 2. 浮点数必须使用64位表示
	ShortestFloat: cbor.ShortestFloatNone,

	// 3. 时间格式化为 Unix 整数
	Time:    cbor.TimeUnix,
	TimeTag: cbor.EncTagNone,

	// 4. 禁止不定长编码
	IndefLength: cbor.IndefLengthForbidden,

	BigIntConvert: cbor.BigIntConvertShortest,
}

var em, _ = encOptions.EncMode()

var decOptions = cbor.DecOptions{
	// --- 安全性配置 (防 DoS 攻击) ---
	// 同步消息一次可能携带大量 Commit，数组上限放宽
	MaxArrayElements: 1 << 20,
	MaxMapPairs:      1 << 16,
	MaxNestedLevels:  64,

	IndefLength: cbor.IndefLengthForbidden,
	DupMapKey:   cbor.DupMapKeyEnforcedAPF,
	BignumTag:   cbor.BignumTagForbidden,
	TimeTag:     cbor.DecTagIgnored,

	// 嵌套 Map 统一解码为 map[string]any，保证 Record 字段可比较、可再编码
	DefaultMapType: reflect.TypeOf(map[string]any(nil)),
}

var dm, _ = decOptions.DecMode()

// Marshal 使用规范化编码序列化任意值
func Marshal(v any) ([]byte, error) {
	data, err := em.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object: %w", err)
	}
	return data, nil
}

// Unmarshal 使用严格模式解码
func Unmarshal(data []byte, v any) error {
	return dm.Unmarshal(data, v)
}

// Checksum 计算值的规范化编码的 SHA-256
func Checksum(v any) (types.Checksum, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return types.Sum(data), nil
}

// Clone 通过一次编解码深拷贝一个值
func Clone(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to clone value: %w", err)
	}
	return out, nil
}
