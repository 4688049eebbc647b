package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/talkware/ucair/internal/topics"
)

var (
	topicsSort       string
	topicsStored     bool
	topicsNontrivial bool
)

var topicsCmd = &cobra.Command{
	Use:   "topics USER",
	Short: "Cluster a user's search history into topics",
	Long: `Clusters every stored search of USER into topics and saves the
non-trivial ones. With --stored the last saved topics are shown instead.

Sort criteria: ` + strings.Join(topics.SortingCriteria(), ", "),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !slices.Contains(topics.SortingCriteria(), topicsSort) {
			return fmt.Errorf("unknown sort criteria %q", topicsSort)
		}
		eng, _, cleanup, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()
		all, err := eng.Topics(cmd.Context(), args[0], !topicsStored)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TOPIC\tSCORE\tSESSIONS\tSEARCHES\tCLICKS\tQUERIES")
		for _, t := range topics.Sorted(all, topicsSort) {
			if topicsNontrivial && t.Trivial {
				continue
			}
			queries := slices.SortedFunc(maps.Keys(t.Queries), func(a, b string) int {
				if c := t.Queries[b] - t.Queries[a]; c != 0 {
					return c
				}
				return strings.Compare(a, b)
			})
			if len(queries) > 3 {
				queries = append(queries[:3], "...")
			}
			fmt.Fprintf(w, "%d\t%g\t%d\t%d\t%d\t%s\n",
				t.ID, t.SortingScore(topicsSort), len(t.Sessions), len(t.Searches), t.TotalClickCount,
				strings.Join(queries, " | "))
		}
		return w.Flush()
	},
}

func init() {
	topicsCmd.Flags().StringVar(&topicsSort, "sort", topics.BySessionCount, "sort criteria")
	topicsCmd.Flags().BoolVar(&topicsStored, "stored", false, "show the last saved topics without reclustering")
	topicsCmd.Flags().BoolVar(&topicsNontrivial, "nontrivial", false, "hide single-session topics")
	rootCmd.AddCommand(topicsCmd)
}
