package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logLimit int

var logCmd = &cobra.Command{
	Use:   "log <key>",
	Short: "Show the commit history of a key",
	Long:  `Display the commits of a key, newest first. The current head is marked.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := currentRepo(cmd)
		if err != nil {
			return err
		}
		commits := r.CommitsForKey(args[0], "")
		if len(commits) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No commits yet.")
			return nil
		}

		head, _ := r.HeadForKey(args[0])
		for i, c := range commits {
			if logLimit > 0 && i >= logLimit {
				break
			}
			printCommit(cmd.OutOrStdout(), c, head != nil && head.ID == c.ID)
		}
		return nil
	},
}

func init() {
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 0, "show at most n commits")
	rootCmd.AddCommand(logCmd)
}
