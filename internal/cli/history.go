package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect stored search history",
}

var historyUsersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users with stored searches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, cleanup, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()
		users, err := store.Users(cmd.Context())
		if err != nil {
			return err
		}
		for _, u := range users {
			fmt.Fprintln(cmd.OutOrStdout(), u)
		}
		return nil
	},
}

var historySearchCmd = &cobra.Command{
	Use:   "search USER QUERY",
	Short: "Find a user's past searches similar to a query",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, cleanup, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()
		hits, err := eng.SearchHistory(cmd.Context(), args[0], args[1], historyLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SCORE\tSEARCH\tCREATED\tQUERY")
		for _, h := range hits {
			fmt.Fprintf(w, "%.4f\t%s\t%s\t%s\n", h.Score, h.SearchID, h.Created.Format("2006-01-02 15:04"), h.Query)
		}
		return w.Flush()
	},
}

func init() {
	historySearchCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "maximum number of searches")
	historyCmd.AddCommand(historyUsersCmd, historySearchCmd)
	rootCmd.AddCommand(historyCmd)
}
