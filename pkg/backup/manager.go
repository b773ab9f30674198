package backup

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"cfdb/pkg/core"
	"cfdb/pkg/ignore"
	"cfdb/pkg/logging"
	"cfdb/pkg/types"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Repo 是备份需要的仓库能力，*repo.Repository 满足它
type Repo interface {
	ID() string
	Commits(session string) []*core.Commit
	PersistCommits(ctx context.Context, commits []*core.Commit, session string) ([]*core.Commit, []types.CommitID, error)
}

// Result 汇总一次备份或恢复
type Result struct {
	RepoID  string
	Object  string
	Commits int
	Skipped int // 备份时被忽略或恢复时被拒绝的提交
}

// Manager 负责把仓库备份到 ObjectStore 以及从中恢复
type Manager struct {
	store       ObjectStore
	matcher     *ignore.Matcher
	log         logrus.FieldLogger
	now         func() time.Time
	concurrency int
}

// NewManager 创建 Manager；matcher 为 nil 时不忽略任何 key
func NewManager(store ObjectStore, matcher *ignore.Matcher, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{store: store, matcher: matcher, log: log, now: time.Now, concurrency: 4}
}

// objectPrefix 把仓库 id 映射为对象前缀："data/notes" -> "data/notes/"
func objectPrefix(repoID string) string {
	return strings.Trim(repoID, "/") + "/"
}

// Backup 备份单个仓库，返回写入的对象 key
func (m *Manager) Backup(ctx context.Context, r Repo) (Result, error) {
	res := Result{RepoID: r.ID()}
	var kept []*core.Commit
	for _, c := range r.Commits("") {
		if m.matcher.MatchesKey(c.Key) {
			res.Skipped++
			continue
		}
		kept = append(kept, c)
	}
	core.SortDesc(kept)
	res.Commits = len(kept)

	now := m.now()
	var buf bytes.Buffer
	if err := WriteArchive(&buf, r.ID(), now, kept); err != nil {
		return res, err
	}
	res.Object = fmt.Sprintf("%s%d.cbor.xz", objectPrefix(r.ID()), now.UnixMilli())
	size := buf.Len()
	if err := m.store.Put(ctx, res.Object, bytes.NewReader(buf.Bytes())); err != nil {
		return res, fmt.Errorf("failed to upload %s: %w", res.Object, err)
	}

	logging.Metric(m.log, "BackupSize", float64(size), "bytes", logrus.Fields{"repo": r.ID()})
	m.log.WithFields(logrus.Fields{"repo": r.ID(), "object": res.Object, "commits": res.Commits}).Info("backup written")
	return res, nil
}

// BackupAll 并发备份多个仓库
func (m *Manager) BackupAll(ctx context.Context, repos []Repo) ([]Result, error) {
	results := make([]Result, len(repos))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, r := range repos {
		g.Go(func() error {
			res, err := m.Backup(ctx, r)
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}

// Latest 返回某个仓库最新的归档 key
func (m *Manager) Latest(ctx context.Context, repoID string) (string, error) {
	keys, err := m.store.List(ctx, objectPrefix(repoID))
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("%w: no backups for %s", ErrNotFound, repoID)
	}
	// 文件名是定长的毫秒时间戳，字典序即时间序
	return keys[len(keys)-1], nil
}

// Restore 把归档中的提交导入仓库；object 为空时使用最新的归档
// 提交照常验签，恢复是幂等的
func (m *Manager) Restore(ctx context.Context, r Repo, object string) (Result, error) {
	res := Result{RepoID: r.ID(), Object: object}
	if object == "" {
		latest, err := m.Latest(ctx, r.ID())
		if err != nil {
			return res, err
		}
		res.Object = latest
	}

	rc, err := m.store.Get(ctx, res.Object)
	if err != nil {
		return res, err
	}
	defer rc.Close()

	a, commits, err := ReadArchive(rc)
	if err != nil {
		return res, err
	}
	if a.RepoID != r.ID() {
		m.log.WithFields(logrus.Fields{"archive": a.RepoID, "repo": r.ID()}).Warn("restoring archive into a different repository")
	}

	fresh, denied, err := r.PersistCommits(ctx, commits, "")
	res.Commits = len(fresh)
	res.Skipped = len(denied)
	if err != nil {
		return res, err
	}
	m.log.WithFields(logrus.Fields{"repo": r.ID(), "object": res.Object, "restored": res.Commits, "denied": res.Skipped}).Info("backup restored")
	return res, nil
}
