package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"cfdb/pkg/core"
	"cfdb/pkg/storage"
	"cfdb/pkg/types"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var (
	commitPrefix = []byte("c:")
	keyPrefix    = []byte("k:")
)

// Config 用于初始化嵌入式 KV 存储
type Config struct {
	Path     string // 数据目录；InMemory 为 true 时忽略
	InMemory bool
	Logger   logrus.FieldLogger
}

// Store 基于 badger 的 RepoStorage 实现
//
// 布局：
//
//	c:<id>              -> 提交的 CBOR 编码
//	k:<key>\x00<id>     -> 空 (Key 索引)
type Store struct {
	db  *badger.DB
	log logrus.FieldLogger
}

func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", cfg.Path, err)
	}
	cfg.Logger.WithFields(logrus.Fields{"path": cfg.Path, "inMemory": cfg.InMemory}).Debug("kv store opened")
	return &Store{db: db, log: cfg.Logger}, nil
}

func commitKey(id types.CommitID) []byte {
	return append(append([]byte{}, commitPrefix...), id...)
}

func indexKey(key string, id types.CommitID) []byte {
	b := append([]byte{}, keyPrefix...)
	b = append(b, key...)
	b = append(b, 0)
	return append(b, id...)
}

func indexPrefix(key string) []byte {
	b := append([]byte{}, keyPrefix...)
	b = append(b, key...)
	return append(b, 0)
}

func (s *Store) NumberOfCommits(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(commitPrefix); it.ValidForPrefix(commitPrefix); it.Next() {
			n++
		}
		return nil
	})
	return n, mapErr(err)
}

func (s *Store) GetCommit(ctx context.Context, id types.CommitID) (*core.Commit, error) {
	var c *core.Commit
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = getCommit(txn, id)
		return err
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return c, nil
}

func getCommit(txn *badger.Txn, id types.CommitID) (*core.Commit, error) {
	item, err := txn.Get(commitKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return core.Unmarshal(data)
}

func (s *Store) AllCommitIDs(ctx context.Context) ([]types.CommitID, error) {
	var ids []types.CommitID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(commitPrefix); it.ValidForPrefix(commitPrefix); it.Next() {
			k := it.Item().Key()
			ids = append(ids, types.CommitID(k[len(commitPrefix):]))
		}
		return nil
	})
	return ids, mapErr(err)
}

func (s *Store) CommitsForKey(ctx context.Context, key string) ([]*core.Commit, error) {
	var out []*core.Commit
	prefix := indexPrefix(key)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := types.CommitID(it.Item().KeyCopy(nil)[len(prefix):])
			c, err := getCommit(txn, id)
			if err != nil {
				return fmt.Errorf("index points at unreadable commit %s: %w", id, err)
			}
			out = append(out, c)
		}
		return nil
	})
	return out, mapErr(err)
}

func (s *Store) AllKeys(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			raw := it.Item().Key()[len(keyPrefix):]
			sep := bytes.LastIndexByte(raw, 0)
			if sep < 0 {
				continue
			}
			k := string(raw[:sep])
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		return nil
	})
	return keys, mapErr(err)
}

func (s *Store) PersistCommits(ctx context.Context, commits []*core.Commit) ([]*core.Commit, error) {
	var fresh []*core.Commit
	err := s.db.Update(func(txn *badger.Txn) error {
		fresh = fresh[:0]
		pending := make(map[types.CommitID][]byte, len(commits))
		for _, c := range commits {
			data, err := c.Marshal()
			if err != nil {
				return err
			}

			// 1. 同一批内重复
			if prev, ok := pending[c.ID]; ok {
				if !bytes.Equal(prev, data) {
					return fmt.Errorf("%w: %s", storage.ErrCommitMismatch, c.ID)
				}
				continue
			}

			// 2. 已经落盘
			item, err := txn.Get(commitKey(c.ID))
			switch {
			case err == nil:
				existing, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if !bytes.Equal(existing, data) {
					return fmt.Errorf("%w: %s", storage.ErrCommitMismatch, c.ID)
				}
				continue
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}

			if err := txn.Set(commitKey(c.ID), data); err != nil {
				return err
			}
			if err := txn.Set(indexKey(c.Key, c.ID), nil); err != nil {
				return err
			}
			pending[c.ID] = data
			fresh = append(fresh, c)
		}
		return nil
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
	return s.db.Close()
}

// mapErr 把事务冲突映射为 storage.ErrBusy
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrConflict) || errors.Is(err, badger.ErrTxnTooBig) {
		return fmt.Errorf("%w: %v", storage.ErrBusy, err)
	}
	return err
}
