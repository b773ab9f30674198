package commands

import (
	"fmt"
	"os"

	"cfdb/pkg/app"
	"cfdb/pkg/config"
	"cfdb/pkg/logging"
	"cfdb/pkg/repo"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	repoID  string
	// 全局应用实例，供子命令使用
	DB *app.App
)

var rootCmd = &cobra.Command{
	Use:           "cfdb",
	Short:         "cfdb: a peer-replicated commit-graph document store",
	SilenceUsage:  true,
	SilenceErrors: false,
	// PersistentPreRunE 会在所有子命令执行前运行
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log, err := logging.New(viper.GetString("log.level"), viper.GetString("log.format"))
		if err != nil {
			return err
		}
		DB, err = app.NewApp(cmd.Context(), log)
		if err != nil {
			return fmt.Errorf("failed to initialize cfdb: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if DB == nil {
			return nil
		}
		err := DB.Close()
		DB = nil
		return err
	},
}

// Execute 是入口
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// 在初始化时，加载配置
	cobra.OnInitialize(initConfig)

	// 1. 全局参数 --config
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cfdb/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&repoID, "repo", "r", "data/default", "repository id (<type>/<name>)")

	// 2. storage.path 参数绑定到 Viper
	// 既可以在 yaml 里写，也可以用 --storage-path 覆盖
	rootCmd.PersistentFlags().String("storage-path", "", "directory for local data")
	if err := viper.BindPFlag("storage.path", rootCmd.PersistentFlags().Lookup("storage-path")); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to bind flag:", err)
		os.Exit(1)
	}
}

// initConfig 读取配置文件和环境变量
func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "Config error:", err)
		os.Exit(1)
	}
}

// currentRepo 打开 --repo 指定的仓库
func currentRepo(cmd *cobra.Command) (*repo.Repository, error) {
	if DB == nil {
		return nil, fmt.Errorf("app not initialized")
	}
	return DB.Repository(cmd.Context(), repoID)
}
