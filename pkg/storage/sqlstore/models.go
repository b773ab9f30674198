package sqlstore

import (
	"time"

	"gorm.io/datatypes"
)

// CommitModel 是 core.Commit 在关系型数据库中的投影
// 完整的提交以规范化 CBOR 存在 Data 里，其余列只是为了查询和索引
type CommitModel struct {
	// (Repo, ID) 组成联合主键，一张表可以承载多个仓库
	Repo string `gorm:"primaryKey;type:varchar(255)"`
	ID   string `gorm:"primaryKey;type:varchar(64)"`

	// Key 列名避开 SQL 关键字
	Key       string `gorm:"column:record_key;index:idx_repo_key;type:varchar(512)"`
	Session   string `gorm:"index;type:varchar(100)"`
	Timestamp int64  `gorm:"index"` // 毫秒时间戳，方便范围查询

	// Parents: 父节点列表 ["id1", "id2"]
	Parents datatypes.JSON

	Data []byte `gorm:"not null"`

	CreatedAt time.Time
}

// TableName 强制指定表名
func (CommitModel) TableName() string {
	return "commits"
}
