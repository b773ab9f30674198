package commands

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var headsCmd = &cobra.Command{
	Use:   "heads [key...]",
	Short: "Show the head commit of each key",
	Long:  `Print the head commit, its leaf count and whether a merge is pending for each key (all keys when none are given).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := currentRepo(cmd)
		if err != nil {
			return err
		}
		keys := args
		if len(keys) == 0 {
			keys = r.Keys("")
			sort.Strings(keys)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tHEAD\tLEAVES\tMERGE PENDING")
		for _, k := range keys {
			head, ok := r.HeadForKey(k)
			if !ok {
				fmt.Fprintf(w, "%s\t-\t0\tfalse\n", k)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%v\n", k, head.ID, len(r.LeavesForKey(k)), r.IsMergePending(k))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(headsCmd)
}
