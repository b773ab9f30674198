package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load 初始化 Viper 配置
// cfgFile: 可选，用户显式指定的配置文件路径
func Load(cfgFile string) error {
	// 1. 设置默认值 (Defaults)
	setDefaults()

	// 2. 配置搜索路径
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		// 搜索顺序：当前目录 > ./.cfdb > ~/.cfdb
		viper.AddConfigPath(".")
		viper.AddConfigPath(".cfdb")
		viper.AddConfigPath(filepath.Join(home, ".cfdb"))

		viper.SetConfigType("yaml")
		viper.SetConfigName("config") // 找 config.yaml
	}

	// 3. 读取环境变量 (CFDB_STORAGE_TYPE、CFDB_SYNC_PEERS 等)
	viper.SetEnvPrefix("CFDB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// 4. 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		// 没找到配置文件不算错，可能全靠环境变量和默认值
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("fatal error config file: %w", err)
		}
	}
	return Validate()
}

func setDefaults() {
	// 存储默认值
	wd, _ := os.Getwd()
	viper.SetDefault("storage.type", "badger")
	viper.SetDefault("storage.path", filepath.Join(wd, ".cfdb", "data"))

	// 数据库默认值 (storage.type = sql)
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("cache.ttl", 24*time.Hour)

	viper.SetDefault("identity.owner", "local")

	// 仓库行为
	viper.SetDefault("repo.fanout", "background")
	viper.SetDefault("repo.authorizer", "all")
	viper.SetDefault("repo.full_commit_probability", 1.0/20)
	viper.SetDefault("repo.delta_ratio", 0.85)
	viper.SetDefault("repo.head_cache_ttl", 300*time.Millisecond)
	viper.SetDefault("repo.grace_period", 3*time.Second)
	viper.SetDefault("repo.activity_window", 5*time.Second)
	viper.SetDefault("repo.filter_fpr", 0.25)

	// 同步
	viper.SetDefault("sync.min_freq", 300*time.Millisecond)
	viper.SetDefault("sync.max_freq", 3*time.Second)
	viper.SetDefault("sync.duration", 600*time.Millisecond)
	viper.SetDefault("sync.max_extra_cycles", 10)

	viper.SetDefault("server.addr", ":7410")
	viper.SetDefault("server.repos", []string{})

	viper.SetDefault("backup.region", "us-east-1")
	viper.SetDefault("backup.ignore_file", "")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
}

// Validate 检查枚举类配置项
func Validate() error {
	checks := []struct {
		key     string
		allowed []string
	}{
		{"storage.type", []string{"memory", "sql", "badger"}},
		{"database.driver", []string{"sqlite", "postgres"}},
		{"repo.fanout", []string{"sync", "background"}},
		{"repo.authorizer", []string{"all", "same_owner"}},
	}
	for _, c := range checks {
		v := viper.GetString(c.key)
		if !contains(c.allowed, v) {
			return fmt.Errorf("invalid %s %q (allowed: %s)", c.key, v, strings.Join(c.allowed, ", "))
		}
	}
	if p := viper.GetFloat64("repo.full_commit_probability"); p < 0 || p > 1 {
		return fmt.Errorf("repo.full_commit_probability must be in [0, 1], got %v", p)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Peers 返回 sync.peers，同时兼容列表和逗号分隔的字符串 (环境变量)
func Peers() []string {
	var out []string
	for _, p := range viper.GetStringSlice("sync.peers") {
		for _, part := range strings.Split(p, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
