package replication

import (
	"math"
	"time"
)

// Config 控制同步循环的节奏
type Config struct {
	MinSyncFreq  time.Duration
	MaxSyncFreq  time.Duration
	SyncDuration time.Duration
	// MaxExtraCycles 限制 NeedsReplication 为真时额外运行的轮数
	MaxExtraCycles int
}

// DefaultConfig 是客户端与服务端共用的默认配置
var DefaultConfig = Config{
	MinSyncFreq:    300 * time.Millisecond,
	MaxSyncFreq:    3 * time.Second,
	SyncDuration:   600 * time.Millisecond,
	MaxExtraCycles: 10,
}

// Cycles 返回期望的同步轮数：floor(SyncDuration / max(actualFreq, MinSyncFreq))
func (c Config) Cycles(actualFreq time.Duration) int {
	freq := max(actualFreq, c.MinSyncFreq)
	if freq <= 0 {
		return 1
	}
	return int(c.SyncDuration / freq)
}

// FilterFPR 按双方规模和期望轮数计算过滤器的假阳性率
//
// 近似关系 2·log_fpr(N) = C，即 fpr = N^(-2/C)，上限 0.5
func FilterFPR(entries, cycles int) float64 {
	n := float64(max(1, entries))
	c := float64(max(1, cycles))
	return math.Min(0.5, 1/math.Pow(n, 1/(0.5*c)))
}
