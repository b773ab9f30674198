package commands

import (
	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the current value of a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := currentRepo(cmd)
		if err != nil {
			return err
		}
		return printRecord(cmd.OutOrStdout(), r.ValueForKey(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
