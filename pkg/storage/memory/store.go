package memory

import (
	"context"
	"fmt"
	"sync"

	"cfdb/pkg/core"
	"cfdb/pkg/storage"
	"cfdb/pkg/types"
)

// Store 是纯内存的 RepoStorage 实现
// 适用于测试和不需要持久化的临时仓库
type Store struct {
	mu      sync.RWMutex
	commits map[types.CommitID]*core.Commit
	byKey   map[string][]types.CommitID
}

func NewStore() *Store {
	return &Store{
		commits: make(map[types.CommitID]*core.Commit),
		byKey:   make(map[string][]types.CommitID),
	}
}

func (s *Store) NumberOfCommits(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.commits), nil
}

func (s *Store) GetCommit(ctx context.Context, id types.CommitID) (*core.Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commits[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c, nil
}

func (s *Store) AllCommitIDs(ctx context.Context) ([]types.CommitID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]types.CommitID, 0, len(s.commits))
	for id := range s.commits {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) CommitsForKey(ctx context.Context, key string) ([]*core.Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byKey[key]
	out := make([]*core.Commit, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.commits[id])
	}
	return out, nil
}

func (s *Store) AllKeys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.byKey))
	for k := range s.byKey {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *Store) PersistCommits(ctx context.Context, commits []*core.Commit) ([]*core.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 1. 先校验整批，保证"要么全写，要么全不写"
	fresh := make([]*core.Commit, 0, len(commits))
	seen := make(map[types.CommitID]*core.Commit, len(commits))
	for _, c := range commits {
		if existing, ok := s.commits[c.ID]; ok {
			if !existing.Equal(c) {
				return nil, fmt.Errorf("%w: %s", storage.ErrCommitMismatch, c.ID)
			}
			continue
		}
		if prev, ok := seen[c.ID]; ok {
			if !prev.Equal(c) {
				return nil, fmt.Errorf("%w: %s", storage.ErrCommitMismatch, c.ID)
			}
			continue
		}
		seen[c.ID] = c
		fresh = append(fresh, c)
	}

	// 2. 写入
	for _, c := range fresh {
		s.commits[c.ID] = c
		s.byKey[c.Key] = append(s.byKey[c.Key], c.ID)
	}
	return fresh, nil
}

func (s *Store) Close() error { return nil }
