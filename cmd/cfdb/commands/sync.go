package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"cfdb/pkg/client"
	"cfdb/pkg/config"
	"cfdb/pkg/replication"

	"github.com/spf13/cobra"
)

var (
	syncPeers []string
	syncWatch bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replicate the repository with its peers",
	Long:  `Run one sync pass against every peer (from --peer or sync.peers). With --watch keep syncing until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := currentRepo(cmd)
		if err != nil {
			return err
		}

		// DB.Repository 已经为 sync.peers 注册了客户端；--peer 追加临时对端
		syncer := DB.Syncer
		for _, peer := range syncPeers {
			t, err := client.New(peer, r.Session())
			if err != nil {
				return err
			}
			defer t.Close()
			syncer.Add(replication.NewClient(r, t, replication.WithLogger(DB.Log.WithField("peer", peer))))
		}
		if len(syncPeers) == 0 && len(config.Peers()) == 0 {
			return fmt.Errorf("no peers configured (use --peer or sync.peers)")
		}

		if syncWatch {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return syncer.Run(ctx)
		}

		n, err := syncer.SyncAll(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "persisted %d commit(s) into %s\n", n, r.ID())
		return err
	},
}

func init() {
	syncCmd.Flags().StringSliceVar(&syncPeers, "peer", nil, "peer address (repeatable)")
	syncCmd.Flags().BoolVarP(&syncWatch, "watch", "w", false, "keep syncing until interrupted")
	rootCmd.AddCommand(syncCmd)
}
