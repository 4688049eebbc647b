package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/talkware/ucair/internal/indexer/colstats"
	"github.com/talkware/ucair/internal/textproc/dict"
	"github.com/talkware/ucair/internal/textproc/tokenizer"
)

var (
	colstatsOut  string
	colstatsKeep int
)

var colstatsCmd = &cobra.Command{
	Use:   "colstats",
	Short: "Build and trim background collection statistics",
}

var colstatsBuildCmd = &cobra.Command{
	Use:   "build FILE...",
	Short: "Count terms over text files, one document per file",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		counter := tokenizer.NewCounter(dict.New())
		st := &colstats.Stats{}
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			tokens := counter.Tokenize(string(data))
			terms := make([]string, len(tokens))
			for i, tok := range tokens {
				terms[i] = tok.Term
			}
			st.Add(terms)
		}
		if colstatsKeep > 0 {
			st.Truncate(colstatsKeep)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%d documents, %d unique terms, %d total\n", len(args), st.Unique, st.Total)
		return writeStats(cmd, st)
	},
}

var colstatsTruncCmd = &cobra.Command{
	Use:   "trunc FILE",
	Short: "Keep only the most frequent terms of a statistics file",
	Long: `Keeps the --keep most frequent terms. The header counts are left
unchanged so probabilities of the kept terms do not move.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if colstatsKeep <= 0 {
			return fmt.Errorf("--keep must be positive")
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		st, err := colstats.Read(f)
		f.Close()
		if err != nil {
			return err
		}
		st.Truncate(colstatsKeep)
		return writeStats(cmd, st)
	},
}

func writeStats(cmd *cobra.Command, st *colstats.Stats) error {
	var w io.Writer = cmd.OutOrStdout()
	if colstatsOut != "" && colstatsOut != "-" {
		f, err := os.Create(colstatsOut)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := st.Write(w); err != nil {
		return fmt.Errorf("writing collection stats: %w", err)
	}
	return nil
}

func init() {
	for _, c := range []*cobra.Command{colstatsBuildCmd, colstatsTruncCmd} {
		c.Flags().StringVarP(&colstatsOut, "output", "o", "-", "output file")
		c.Flags().IntVar(&colstatsKeep, "keep", 0, "number of most frequent terms to keep")
	}
	colstatsCmd.AddCommand(colstatsBuildCmd, colstatsTruncCmd)
	rootCmd.AddCommand(colstatsCmd)
}
