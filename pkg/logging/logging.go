package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New 按配置创建 logger
// format 支持 "text" (默认) 和 "json"
func New(level, format string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)

	switch format {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return log, nil
}

// Discard 返回一个丢弃所有输出的 logger，测试里用
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// Metric 以结构化日志的形式上报一个指标
// 日志系统按 severity=METRIC 把这些条目路由到指标后端
func Metric(log logrus.FieldLogger, name string, value float64, unit string, fields logrus.Fields) {
	entry := log.WithFields(logrus.Fields{
		"severity": "METRIC",
		"name":     name,
		"value":    value,
		"unit":     unit,
	})
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Info("metric")
}
