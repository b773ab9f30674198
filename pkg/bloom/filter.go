package bloom

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

var ErrInvalidFilter = errors.New("invalid bloom filter encoding")

// Filter 是一个带随机种子的标准布隆过滤器
// 每个 Filter 在创建时都会生成自己的种子，所以对同一组 id 构建的两个过滤器
// 会产生不同的假阳性。同步协议依赖这一点：上一轮被误判为"已存在"的 id，
// 下一轮大概率会被正确识别为缺失。
type Filter struct {
	bits  *bitset.BitSet
	m     uint   // bit 数
	k     uint   // 哈希函数个数
	seed  uint64 // 随机种子
	count int    // 插入次数 (近似集合大小)
}

// New 按预期元素个数和目标假阳性率创建过滤器
func New(size int, fpr float64) *Filter {
	m, k := estimate(size, fpr)
	return &Filter{
		bits: bitset.New(m),
		m:    m,
		k:    k,
		seed: randomSeed(),
	}
}

// estimate 计算最优参数
// m = -n*ln(p) / (ln2)^2, k = m/n * ln2
func estimate(n int, p float64) (uint, uint) {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	k := math.Round(m / float64(n) * math.Ln2)
	if m < 8 {
		m = 8
	}
	if k < 1 {
		k = 1
	}
	return uint(m), uint(k)
}

func randomSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("bloom: failed to read random seed: %v", err))
	}
	return binary.LittleEndian.Uint64(b[:])
}

// hashes 使用双重哈希 (Kirsch-Mitzenmacher) 推导出 k 个位置
func (f *Filter) hashes(value string) (uint64, uint64) {
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], f.seed)

	d := xxhash.New()
	_, _ = d.Write(seed[:])
	_, _ = d.WriteString(value)
	h1 := d.Sum64()

	d.Reset()
	_, _ = d.WriteString(value)
	_, _ = d.Write(seed[:])
	h2 := d.Sum64() | 1 // 保证为奇数，避免步长退化

	return h1, h2
}

// Add 插入一个值
func (f *Filter) Add(value string) {
	h1, h2 := f.hashes(value)
	for i := uint64(0); i < uint64(f.k); i++ {
		f.bits.Set(uint((h1 + i*h2) % uint64(f.m)))
	}
	f.count++
}

// Has 判断值是否 (可能) 存在
// 返回 false 时一定不存在，返回 true 时可能是假阳性
func (f *Filter) Has(value string) bool {
	if f == nil {
		return false
	}
	h1, h2 := f.hashes(value)
	for i := uint64(0); i < uint64(f.k); i++ {
		if !f.bits.Test(uint((h1 + i*h2) % uint64(f.m))) {
			return false
		}
	}
	return true
}

// Count 返回插入次数
func (f *Filter) Count() int {
	if f == nil {
		return 0
	}
	return f.count
}

// IsEmpty 判断是否从未插入过任何元素
func (f *Filter) IsEmpty() bool {
	return f == nil || f.count == 0
}

// wireFilter 是 Filter 的序列化形式
type wireFilter struct {
	M     uint   `cbor:"m"`
	K     uint   `cbor:"k"`
	Seed  uint64 `cbor:"s"`
	Count int    `cbor:"n"`
	Bits  []byte `cbor:"d"`
}

// MarshalCBOR 实现 cbor.Marshaler
// 种子随过滤器一起序列化，接收方才能用相同的哈希序列做查询
func (f *Filter) MarshalCBOR() ([]byte, error) {
	bits, err := f.bits.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bitset: %w", err)
	}
	return cbor.Marshal(wireFilter{
		M:     f.m,
		K:     f.k,
		Seed:  f.seed,
		Count: f.count,
		Bits:  bits,
	})
}

// UnmarshalCBOR 实现 cbor.Unmarshaler
func (f *Filter) UnmarshalCBOR(data []byte) error {
	var w wireFilter
	if err := cbor.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	if w.M == 0 || w.K == 0 {
		return ErrInvalidFilter
	}
	bits := new(bitset.BitSet)
	if err := bits.UnmarshalBinary(w.Bits); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	if bits.Len() < w.M {
		return ErrInvalidFilter
	}
	*f = Filter{bits: bits, m: w.M, k: w.K, seed: w.Seed, count: w.Count}
	return nil
}

// Marshal 是 MarshalCBOR 的便捷封装
func (f *Filter) Marshal() ([]byte, error) {
	return f.MarshalCBOR()
}

// Unmarshal 从字节还原过滤器
func Unmarshal(data []byte) (*Filter, error) {
	f := new(Filter)
	if err := f.UnmarshalCBOR(data); err != nil {
		return nil, err
	}
	return f, nil
}
