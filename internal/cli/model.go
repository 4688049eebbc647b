package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/talkware/ucair/internal/bootstrap"
	"github.com/talkware/ucair/internal/engine"
	"github.com/talkware/ucair/internal/searchmodel"
	"github.com/talkware/ucair/internal/valuemap"
)

var (
	modelName string
	modelTop  int
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Generate, list and purge search models",
}

var modelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured model generators",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tDESCRIPTION")
		for _, g := range searchmodel.DefaultGenerators(cfg.Engine) {
			fmt.Fprintf(w, "%s\t%s\t%s\n", g.Name, g.Kind, g.Description)
		}
		return w.Flush()
	},
}

var modelShowCmd = &cobra.Command{
	Use:   "show USER SEARCH",
	Short: "Print the top terms of a search's model",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, cleanup, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()
		m, err := eng.Model(cmd.Context(), args[0], args[1], modelName)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s (%s) adaptive=%t generated=%s\n", m.Name, m.Description, m.Adaptive, m.Timestamp.Format("2006-01-02 15:04:05"))
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		terms := eng.Terms()
		for i, p := range valuemap.SortByValue(valuemap.FromTree(m.Probs)) {
			if modelTop > 0 && i >= modelTop {
				break
			}
			fmt.Fprintf(w, "%s\t%.6f\n", terms.Name(p.ID), p.Value)
		}
		return w.Flush()
	},
}

var modelPurgeCmd = &cobra.Command{
	Use:   "purge SEARCH...",
	Short: "Drop every stored model of the given searches",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := bootstrap.OpenModelStore(cmd.Context(), cfg, nil, true)
		if err != nil {
			return err
		}
		if store == nil {
			return fmt.Errorf("no model store configured")
		}
		defer store.Close()
		for _, id := range args {
			if err := store.Invalidate(cmd.Context(), id); err != nil {
				return fmt.Errorf("purging %s: %w", id, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "purged", id)
		}
		return nil
	},
}

func init() {
	modelShowCmd.Flags().StringVar(&modelName, "name", engine.IndexModel, "model generator name")
	modelShowCmd.Flags().IntVar(&modelTop, "top", 20, "number of terms to print, 0 for all")
	modelCmd.AddCommand(modelListCmd, modelShowCmd, modelPurgeCmd)
	rootCmd.AddCommand(modelCmd)
}
