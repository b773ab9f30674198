package repo

import (
	"cfdb/pkg/core"
	"cfdb/pkg/logging"
	"cfdb/pkg/record"

	"github.com/sirupsen/logrus"
)

// deltaCompressLocked 决定是否把一个完整提交改写为增量
// c 还没有加入内存图；返回值可能就是 c 本身
func (r *Repository) deltaCompressLocked(c *core.Commit) *core.Commit {
	rec := c.Record()
	if rec == nil || rec.Scheme.Namespace == record.NSSessions {
		return c
	}
	// 定期写完整快照作为锚点
	if r.rand() < r.opts.FullCommitProbability {
		return c
	}

	base, baseRec := r.deltaBaseLocked(c.Key, c)
	if base == nil || baseRec.IsNull() {
		return c
	}
	if baseRec.Scheme.Namespace != rec.Scheme.Namespace || rec.Scheme.Less(baseRec.Scheme) {
		return c
	}

	edit := core.Edit{
		Changes:     record.Diff(baseRec, rec, false),
		SrcChecksum: baseRec.Checksum(),
		DstChecksum: rec.Checksum(),
	}
	if baseRec.Scheme != rec.Scheme {
		s := rec.Scheme
		edit.Scheme = &s
	}

	fullSize := core.EncodedSize(rec)
	deltaSize := core.EncodedSize(edit)
	if fullSize == 0 || float64(deltaSize) > r.opts.DeltaRatio*float64(fullSize) {
		return c
	}

	logging.Metric(r.log, "DeltaFormatSavings", float64(fullSize-deltaSize), "bytes", logrus.Fields{
		"key":  c.Key,
		"full": fullSize,
	})
	return c.WithContents(core.Delta{Base: base.ID, Edit: edit})
}

// deltaBaseLocked 返回该 Key 最近的可解析提交
func (r *Repository) deltaBaseLocked(key string, exclude *core.Commit) (*core.Commit, *record.Record) {
	for _, c := range r.commitsForKeyDescLocked(key) {
		if c.ID == exclude.ID || !r.hasRecordLocked(c) {
			continue
		}
		rec, err := r.recordForCommitLocked(c)
		if err != nil {
			continue
		}
		return c, rec
	}
	return nil, nil
}
