package commands

import (
	"fmt"

	"cfdb/pkg/record"
	"cfdb/pkg/types"

	"github.com/spf13/cobra"
)

var (
	putScheme string
	putParent string
)

var putCmd = &cobra.Command{
	Use:   "put <key> <json-object>",
	Short: "Write a value for a key",
	Long:  `Create a commit that sets key to the given JSON object. Prints the new commit id, or nothing if the value is unchanged.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := currentRepo(cmd)
		if err != nil {
			return err
		}
		scheme, err := parseScheme(putScheme)
		if err != nil {
			return err
		}
		data, err := parseData(args[1])
		if err != nil {
			return err
		}

		c, err := r.SetValueForKey(cmd.Context(), args[0], record.New(scheme, data), types.CommitID(putParent))
		if err != nil {
			return err
		}
		if c != nil {
			fmt.Fprintln(cmd.OutOrStdout(), c.ID)
		}
		return nil
	},
}

func init() {
	putCmd.Flags().StringVar(&putScheme, "scheme", "docs@1", "record scheme as <namespace>@<version>")
	putCmd.Flags().StringVar(&putParent, "parent", "", "explicit parent commit id")
	rootCmd.AddCommand(putCmd)
}
