package repo

import (
	"context"
	"time"

	"cfdb/pkg/core"
	"cfdb/pkg/record"

	"github.com/sirupsen/logrus"
)

// FanOutMode 决定 NewCommit 事件如何分发
type FanOutMode int

const (
	// FanOutBackground 把通知交给注入的 Scheduler (客户端，避免阻塞交互)
	FanOutBackground FanOutMode = iota
	// FanOutSync 在持久化调用返回前同步通知 (服务端/优先级仓库)
	FanOutSync
)

// TrustPool 是签名与信任的抽象
type TrustPool interface {
	CurrentSession() string
	CurrentSessionRecord() (key string, rec *record.Record)
	Sign(ctx context.Context, c *core.Commit) (*core.Commit, error)
	Verify(c *core.Commit) bool
	// RegisterSession 从 sessions 命名空间的 head 记录还原会话并信任它
	RegisterSession(rec *record.Record) error
}

// Authorizer 判断 session 是否可以读/写某个提交
type Authorizer func(repoID string, c *core.Commit, session string, write bool) bool

// Options 控制 Repository 的行为
// 经验常数 (TTL、宽限期、假阳性率等) 都放在这里，而不是写死在算法里
type Options struct {
	ID           string
	OrgID        string
	ConnectionID string // 为空时随机生成
	BuildVersion string

	TrustPool  TrustPool // 必填
	Authorizer Authorizer

	FanOut    FanOutMode
	Scheduler Scheduler // FanOutBackground 时使用；为空时创建内部队列

	Logger logrus.FieldLogger
	Now    func() time.Time
	Rand   func() float64

	HeadCacheTTL   time.Duration
	GracePeriod    time.Duration
	ActivityWindow time.Duration

	// FullCommitProbability 是强制写完整快照 (锚点) 的概率
	FullCommitProbability float64
	// DeltaRatio 增量编码不超过完整编码的这个比例时才使用增量
	DeltaRatio float64
	// AncestorsFPR 是祖先过滤器的目标假阳性率
	AncestorsFPR float64

	PersistBatchSize int
	RecordCacheSize  int
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		FanOut:                FanOutBackground,
		HeadCacheTTL:          300 * time.Millisecond,
		GracePeriod:           3 * time.Second,
		ActivityWindow:        5 * time.Second,
		FullCommitProbability: 1.0 / 20,
		DeltaRatio:            0.85,
		AncestorsFPR:          0.25,
		PersistBatchSize:      50,
		RecordCacheSize:       10000,
	}
}
