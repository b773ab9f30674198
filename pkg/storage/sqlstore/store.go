package sqlstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cfdb/pkg/core"
	"cfdb/pkg/storage"
	"cfdb/pkg/types"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const insertBatchSize = 50

// Store 把一个仓库的提交存进 SQL 数据库
type Store struct {
	db   *DB
	repo string
	// ownsDB 为 true 时 Close 会关闭连接池
	ownsDB bool
}

// NewStore 在已有连接上为某个仓库创建存储
func NewStore(db *DB, repoID string) *Store {
	return &Store{db: db, repo: repoID}
}

// Open 建立连接并返回独占该连接的存储
func Open(ctx context.Context, cfg Config, repoID string) (*Store, error) {
	db, err := NewDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, repo: repoID, ownsDB: true}, nil
}

func (s *Store) scoped(ctx context.Context) *gorm.DB {
	return s.db.GetConn().WithContext(ctx).Model(&CommitModel{}).Where("repo = ?", s.repo)
}

func (s *Store) NumberOfCommits(ctx context.Context) (int, error) {
	var n int64
	if err := s.scoped(ctx).Count(&n).Error; err != nil {
		return 0, mapErr(err)
	}
	return int(n), nil
}

func (s *Store) GetCommit(ctx context.Context, id types.CommitID) (*core.Commit, error) {
	var m CommitModel
	err := s.scoped(ctx).Where("id = ?", string(id)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return decode(&m)
}

func (s *Store) AllCommitIDs(ctx context.Context) ([]types.CommitID, error) {
	var raw []string
	if err := s.scoped(ctx).Pluck("id", &raw).Error; err != nil {
		return nil, mapErr(err)
	}
	ids := make([]types.CommitID, len(raw))
	for i, id := range raw {
		ids[i] = types.CommitID(id)
	}
	return ids, nil
}

func (s *Store) CommitsForKey(ctx context.Context, key string) ([]*core.Commit, error) {
	var models []CommitModel
	err := s.scoped(ctx).
		Where("record_key = ?", key).
		Order("timestamp DESC").
		Find(&models).Error
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]*core.Commit, 0, len(models))
	for i := range models {
		c, err := decode(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) AllKeys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := s.scoped(ctx).Distinct("record_key").Pluck("record_key", &keys).Error; err != nil {
		return nil, mapErr(err)
	}
	return keys, nil
}

// PersistCommits 在一个事务里完成校验与写入
func (s *Store) PersistCommits(ctx context.Context, commits []*core.Commit) ([]*core.Commit, error) {
	if len(commits) == 0 {
		return nil, nil
	}

	// 1. 先编码，后续比较直接用字节
	models := make([]CommitModel, 0, len(commits))
	byID := make(map[string]*core.Commit, len(commits))
	for _, c := range commits {
		m, err := s.encode(c)
		if err != nil {
			return nil, err
		}
		if prev, ok := byID[m.ID]; ok {
			if !prev.Equal(c) {
				return nil, fmt.Errorf("%w: %s", storage.ErrCommitMismatch, c.ID)
			}
			continue
		}
		byID[m.ID] = c
		models = append(models, m)
	}

	var fresh []*core.Commit
	err := s.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 2. 查出已存在的 id，逐个做防御性相等检查
		ids := make([]string, 0, len(models))
		for _, m := range models {
			ids = append(ids, m.ID)
		}
		var existing []CommitModel
		if err := tx.Where("repo = ? AND id IN ?", s.repo, ids).Find(&existing).Error; err != nil {
			return err
		}
		known := make(map[string][]byte, len(existing))
		for _, e := range existing {
			known[e.ID] = e.Data
		}

		toInsert := make([]CommitModel, 0, len(models))
		for _, m := range models {
			if data, ok := known[m.ID]; ok {
				if !bytes.Equal(data, m.Data) {
					return fmt.Errorf("%w: %s", storage.ErrCommitMismatch, m.ID)
				}
				continue
			}
			toInsert = append(toInsert, m)
			fresh = append(fresh, byID[m.ID])
		}
		if len(toInsert) == 0 {
			return nil
		}

		// 3. 幂等写入：主键冲突时什么都不做
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "repo"}, {Name: "id"}},
			DoNothing: true,
		}).CreateInBatches(toInsert, insertBatchSize).Error
	})
	if err != nil {
		if errors.Is(err, storage.ErrCommitMismatch) {
			return nil, err
		}
		return nil, mapErr(err)
	}
	return fresh, nil
}

func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Store) encode(c *core.Commit) (CommitModel, error) {
	data, err := c.Marshal()
	if err != nil {
		return CommitModel{}, err
	}
	parents := make([]string, 0, len(c.Parents))
	for _, p := range c.Parents {
		parents = append(parents, string(p))
	}
	parentsJSON, err := json.Marshal(parents)
	if err != nil {
		return CommitModel{}, fmt.Errorf("failed to marshal parents: %w", err)
	}
	return CommitModel{
		Repo:      s.repo,
		ID:        string(c.ID),
		Key:       c.Key,
		Session:   c.Session,
		Timestamp: c.Timestamp.UnixMilli(),
		Parents:   datatypes.JSON(parentsJSON),
		Data:      data,
		CreatedAt: time.Now(),
	}, nil
}

func decode(m *CommitModel) (*core.Commit, error) {
	c, err := core.Unmarshal(m.Data)
	if err != nil {
		return nil, fmt.Errorf("commit %s is corrupted in database: %w", m.ID, err)
	}
	return c, nil
}

// mapErr 把数据库锁冲突映射为 storage.ErrBusy
// 兼容性：SQLite 与 PG 的报错文本不同
func mapErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "could not obtain lock") {
		return fmt.Errorf("%w: %v", storage.ErrBusy, err)
	}
	return err
}
