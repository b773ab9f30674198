package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"cfdb/pkg/backup"
	"cfdb/pkg/ignore"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var backupDir string

// backupManager 选择归档位置：--dir > backup.bucket (S3) > <storage.path>/backups
func backupManager(ctx context.Context) (*backup.Manager, error) {
	var (
		store backup.ObjectStore
		err   error
	)
	switch {
	case backupDir != "":
		store, err = backup.NewDirStore(backupDir)
	case viper.GetString("backup.bucket") != "":
		store, err = backup.NewS3Store(ctx, backup.S3Config{
			Endpoint:        viper.GetString("backup.endpoint"),
			Region:          viper.GetString("backup.region"),
			Bucket:          viper.GetString("backup.bucket"),
			Prefix:          viper.GetString("backup.prefix"),
			AccessKeyID:     viper.GetString("backup.access_key_id"),
			SecretAccessKey: viper.GetString("backup.secret_access_key"),
		}, DB.Log)
	default:
		store, err = backup.NewDirStore(filepath.Join(viper.GetString("storage.path"), "backups"))
	}
	if err != nil {
		return nil, err
	}

	ignoreFile := viper.GetString("backup.ignore_file")
	if ignoreFile == "" {
		ignoreFile = ignore.FileName
	}
	matcher, err := ignore.NewMatcherFromFile(ignoreFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load ignore rules: %w", err)
	}
	return backup.NewManager(store, matcher, DB.Log), nil
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a compressed snapshot of the repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := currentRepo(cmd)
		if err != nil {
			return err
		}
		m, err := backupManager(cmd.Context())
		if err != nil {
			return err
		}
		res, err := m.Backup(cmd.Context(), r)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%d commits, %d ignored)\n", res.Object, res.Commits, res.Skipped)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore [object]",
	Short: "Import commits from a snapshot (latest when omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := currentRepo(cmd)
		if err != nil {
			return err
		}
		m, err := backupManager(cmd.Context())
		if err != nil {
			return err
		}
		object := ""
		if len(args) > 0 {
			object = args[0]
		}
		res, err := m.Restore(cmd.Context(), r, object)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: restored %d commits (%d denied)\n", res.Object, res.Commits, res.Skipped)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{backupCmd, restoreCmd} {
		c.Flags().StringVar(&backupDir, "dir", "", "local directory for archives (overrides backup.bucket)")
		rootCmd.AddCommand(c)
	}
}
