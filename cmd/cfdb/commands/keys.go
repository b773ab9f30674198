package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var keysAll bool

var keysCmd = &cobra.Command{
	Use:   "keys [prefix]",
	Short: "List keys with at least one commit",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := currentRepo(cmd)
		if err != nil {
			return err
		}
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}

		keys := r.Keys("")
		sort.Strings(keys)
		for _, k := range keys {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			// 会话记录默认不显示
			if !keysAll && strings.HasPrefix(k, "/sessions/") {
				continue
			}
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

func init() {
	keysCmd.Flags().BoolVarP(&keysAll, "all", "a", false, "include session keys")
	rootCmd.AddCommand(keysCmd)
}
