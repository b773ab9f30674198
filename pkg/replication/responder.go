package replication

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// ErrNoSession 表示对端没有表明身份
// 空 session 在仓库内部代表所有者，不能由远端使用
var ErrNoSession = errors.New("missing caller session")

// Responder 处理对端发来的同步消息
type Responder struct {
	repo     Repo
	cfg      Config
	version  string
	replicas Toucher
	log      logrus.FieldLogger
}

// NewResponder 创建 Responder；replicas 可为 nil
func NewResponder(r Repo, replicas Toucher, log logrus.FieldLogger) *Responder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Responder{
		repo:     r,
		cfg:      DefaultConfig,
		version:  BuildVersion,
		replicas: replicas,
		log:      log.WithField("repo", r.ID()),
	}
}

// SetVersion 覆盖本端的构建版本
func (s *Responder) SetVersion(v string) { s.version = v }

// Handle 持久化对方的提交，并回复本端的过滤器和对方缺失的提交
// 对方构建版本低于本端时不下发提交，只回复过滤器
func (s *Responder) Handle(ctx context.Context, session string, req *Message) (*Message, error) {
	if session == "" {
		return nil, ErrNoSession
	}
	incoming, err := req.DecodeCommits()
	if err != nil {
		return nil, err
	}

	var denied []string
	if len(incoming) > 0 {
		fresh, deniedIDs, err := s.repo.PersistCommits(ctx, incoming, session)
		if err != nil {
			return nil, err
		}
		for _, id := range deniedIDs {
			denied = append(denied, string(id))
		}
		if len(fresh) > 0 && s.replicas != nil {
			s.replicas.Touch()
		}
		s.log.WithFields(logrus.Fields{"received": len(incoming), "persisted": len(fresh)}).Debug("sync request")
	}

	include := CompareVersions(req.BuildVersion, s.version) >= 0
	local := s.repo.Commits(session)
	resp, err := Build(req.Filter, local, req.Size, s.cfg.Cycles(0), include)
	if err != nil {
		return nil, err
	}
	resp.BuildVersion = s.version
	resp.AccessDenied = denied
	return resp, nil
}
